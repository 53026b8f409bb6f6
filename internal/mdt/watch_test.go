package mdt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForEvent(t *testing.T, src ChangeSource, match func(RawEvent) bool) RawEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-src.Events():
			if match(ev) {
				return ev
			}
		case err := <-src.Errors():
			t.Fatalf("unexpected source error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestNewChangeSourceRejectsUnknownMode(t *testing.T) {
	_, err := NewChangeSource(t.TempDir(), WatchConfig{Mode: "inotify"}, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewChangeSourceRequiresRoot(t *testing.T) {
	_, err := NewChangeSource("  ", WatchConfig{}, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPollSourceDetectsCreateModifyRemove(t *testing.T) {
	root := t.TempDir()
	src, err := NewChangeSource(root, WatchConfig{Mode: WatchModePoll, PollInterval: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewChangeSource: %v", err)
	}
	defer src.Close()

	// Let the first scan establish the baseline.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(root, "TEST-1.md")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == path })
	if ev.Kind != EventCreated {
		t.Fatalf("expected created, got %s", ev.Kind)
	}

	if err := os.WriteFile(path, []byte("one longer"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	ev = waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == path && ev.Kind == EventModified })
	if ev.Kind != EventModified {
		t.Fatalf("expected modified, got %s", ev.Kind)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ev = waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == path && ev.Kind == EventRemoved })
	if ev.Kind != EventRemoved {
		t.Fatalf("expected removed, got %s", ev.Kind)
	}
}

func TestPollSourceFirstScanIsBaseline(t *testing.T) {
	root := t.TempDir()
	pre := filepath.Join(root, "TEST-1.md")
	if err := os.WriteFile(pre, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := NewChangeSource(root, WatchConfig{Mode: WatchModePoll, PollInterval: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewChangeSource: %v", err)
	}
	defer src.Close()

	select {
	case ev := <-src.Events():
		t.Fatalf("pre-existing file produced event %s for %s", ev.Kind, ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPollSourceRootRemovalIsTerminal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "watched")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src, err := NewChangeSource(root, WatchConfig{Mode: WatchModePoll, PollInterval: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewChangeSource: %v", err)
	}
	defer src.Close()

	// Make sure the root has been seen before yanking it.
	time.Sleep(100 * time.Millisecond)
	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}

	select {
	case err := <-src.Errors():
		if err == nil {
			t.Fatalf("expected terminal error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("root removal was not reported")
	}
}

func TestNotifySourceDetectsCreate(t *testing.T) {
	root := t.TempDir()
	src, err := NewChangeSource(root, WatchConfig{Mode: WatchModeNotify}, nil)
	if err != nil {
		t.Fatalf("NewChangeSource: %v", err)
	}
	defer src.Close()

	// Give the watcher a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(root, "TEST-1.md")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == path })
}

func TestNotifySourceWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	src, err := NewChangeSource(root, WatchConfig{Mode: WatchModeNotify}, nil)
	if err != nil {
		t.Fatalf("NewChangeSource: %v", err)
	}
	defer src.Close()

	time.Sleep(100 * time.Millisecond)
	sub := filepath.Join(root, "docs")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == sub })

	// Events inside the new directory must be visible too.
	time.Sleep(100 * time.Millisecond)
	inner := filepath.Join(sub, "note.md")
	if err := os.WriteFile(inner, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForEvent(t, src, func(ev RawEvent) bool { return ev.Path == inner })
}

func TestChangeSourceCloseIsIdempotent(t *testing.T) {
	for _, mode := range []string{WatchModeNotify, WatchModePoll} {
		src, err := NewChangeSource(t.TempDir(), WatchConfig{Mode: mode, PollInterval: 20 * time.Millisecond}, nil)
		if err != nil {
			t.Fatalf("NewChangeSource(%s): %v", mode, err)
		}
		if err := src.Close(); err != nil {
			t.Fatalf("first close (%s): %v", mode, err)
		}
		if err := src.Close(); err != nil {
			t.Fatalf("second close (%s): %v", mode, err)
		}
	}
}
