package mdt

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeChangeSource struct {
	events chan RawEvent
	errs   chan error
}

func newFakeChangeSource() *fakeChangeSource {
	return &fakeChangeSource{
		events: make(chan RawEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeChangeSource) Events() <-chan RawEvent { return f.events }
func (f *fakeChangeSource) Errors() <-chan error    { return f.errs }
func (f *fakeChangeSource) Close() error            { return nil }

func startConsume(t *testing.T, w *ProjectWatcher, src ChangeSource) (context.CancelFunc, chan bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() { result <- w.consume(ctx, src) }()
	return cancel, result
}

func TestProjectWatcherCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:   "TEST",
		root:   root,
		roots:  []string{root},
		window: 50 * time.Millisecond,
		out:    out,
	})
	src := newFakeChangeSource()
	cancel, result := startConsume(t, w, src)
	defer func() { cancel(); <-result }()

	for i := 0; i < 5; i++ {
		src.events <- RawEvent{Path: filepath.Join(root, "TEST-1.md"), Kind: EventModified}
	}

	select {
	case signal := <-out:
		if signal.ProjectCode != "TEST" {
			t.Fatalf("wrong project code %q", signal.ProjectCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no signal emitted")
	}
	select {
	case <-out:
		t.Fatalf("burst produced more than one signal")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProjectWatcherNewEventsResetTheWindow(t *testing.T) {
	root := t.TempDir()
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:   "TEST",
		root:   root,
		roots:  []string{root},
		window: 100 * time.Millisecond,
		out:    out,
	})
	src := newFakeChangeSource()
	cancel, result := startConsume(t, w, src)
	defer func() { cancel(); <-result }()

	// Keep feeding events faster than the window closes.
	for i := 0; i < 4; i++ {
		src.events <- RawEvent{Path: filepath.Join(root, "TEST-1.md"), Kind: EventModified}
		time.Sleep(40 * time.Millisecond)
		select {
		case <-out:
			t.Fatalf("signal fired while events were still arriving")
		default:
		}
	}
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatalf("no signal after the burst settled")
	}
}

func TestProjectWatcherIgnoresUnrelatedPaths(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tasks")
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:     "TEST",
		root:     root,
		roots:    []string{ticketDir},
		excludes: []string{"node_modules"},
		window:   30 * time.Millisecond,
		out:      out,
	})
	src := newFakeChangeSource()
	cancel, result := startConsume(t, w, src)
	defer func() { cancel(); <-result }()

	src.events <- RawEvent{Path: filepath.Join(root, "src", "main.go"), Kind: EventModified}
	src.events <- RawEvent{Path: filepath.Join(ticketDir, "node_modules", "dep", "x.md"), Kind: EventCreated}

	select {
	case <-out:
		t.Fatalf("unwatched or excluded path produced a signal")
	case <-time.After(200 * time.Millisecond):
	}

	src.events <- RawEvent{Path: filepath.Join(ticketDir, "TEST-1.md"), Kind: EventCreated}
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatalf("watched path produced no signal")
	}
}

func TestProjectWatcherConfigChangeRequestsRescan(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, ProjectMetaDir, ProjectConfigFile)
	var rescans atomic.Int32
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:       "TEST",
		root:       root,
		roots:      []string{filepath.Join(root, "tasks")},
		configPath: configPath,
		window:     30 * time.Millisecond,
		out:        out,
		rescan:     func() { rescans.Add(1) },
	})
	src := newFakeChangeSource()
	cancel, result := startConsume(t, w, src)
	defer func() { cancel(); <-result }()

	src.events <- RawEvent{Path: configPath, Kind: EventModified}

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatalf("config change produced no signal")
	}
	deadline := time.After(2 * time.Second)
	for rescans.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("config change did not request a rescan")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProjectWatcherSourceFailureTriggersReattach(t *testing.T) {
	root := t.TempDir()
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:   "TEST",
		root:   root,
		roots:  []string{root},
		window: 30 * time.Millisecond,
		out:    out,
	})
	src := newFakeChangeSource()
	cancel, result := startConsume(t, w, src)
	defer cancel()

	src.errs <- context.DeadlineExceeded
	select {
	case restart := <-result:
		if !restart {
			t.Fatalf("terminal source error should request a reattach")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not return on source failure")
	}
}

func TestProjectWatcherStopWaitsForGoroutine(t *testing.T) {
	root := t.TempDir()
	out := make(chan ProjectChanged, 8)
	w := newProjectWatcher(projectWatcherOptions{
		code:     "TEST",
		root:     root,
		roots:    []string{root},
		window:   30 * time.Millisecond,
		watchCfg: WatchConfig{Mode: WatchModePoll, PollInterval: 20 * time.Millisecond},
		out:      out,
	})
	w.start(context.Background())
	done := make(chan struct{})
	go func() { w.stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return")
	}
}
