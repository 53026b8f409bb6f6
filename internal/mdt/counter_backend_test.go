package mdt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCounterBackendRoundTrip(t *testing.T) {
	dirs := staticDirs{"MDT": t.TempDir()}
	backend, err := NewFileCounterBackend(dirs)
	if err != nil {
		t.Fatalf("NewFileCounterBackend: %v", err)
	}

	if _, ok, err := backend.Load("MDT"); err != nil || ok {
		t.Fatalf("fresh project: expected absent, got ok=%v err=%v", ok, err)
	}
	if err := backend.Save("MDT", 42); err != nil {
		t.Fatalf("Save: %v", err)
	}
	next, ok, err := backend.Load("MDT")
	if err != nil || !ok || next != 42 {
		t.Fatalf("Load after Save: next=%d ok=%v err=%v", next, ok, err)
	}
}

func TestFileCounterBackendTreatsCorruptFileAsAbsent(t *testing.T) {
	dir := t.TempDir()
	dirs := staticDirs{"MDT": dir}
	backend, err := NewFileCounterBackend(dirs)
	if err != nil {
		t.Fatalf("NewFileCounterBackend: %v", err)
	}

	counterPath := filepath.Join(dir, ProjectMetaDir, CounterFile)
	if err := os.MkdirAll(filepath.Dir(counterPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(counterPath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, err := backend.Load("MDT"); err != nil || ok {
		t.Fatalf("corrupt file: expected absent, got ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(counterPath, []byte(`{"next":0}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, err := backend.Load("MDT"); err != nil || ok {
		t.Fatalf("sub-one counter: expected absent, got ok=%v err=%v", ok, err)
	}
}

func TestInMemoryCounterBackend(t *testing.T) {
	backend := NewInMemoryCounterBackend()
	if _, ok, _ := backend.Load("MDT"); ok {
		t.Fatalf("fresh backend should report absent")
	}
	if err := backend.Save("MDT", 7); err != nil {
		t.Fatalf("Save: %v", err)
	}
	next, ok, _ := backend.Load("MDT")
	if !ok || next != 7 {
		t.Fatalf("Load: next=%d ok=%v", next, ok)
	}
	if err := backend.Save("  ", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank code: expected ErrInvalidInput, got %v", err)
	}
}
