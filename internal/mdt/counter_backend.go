package mdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CounterBackend persists the per-project high-water mark: the next
// sequence number to hand out. Load reports ok=false when no value has
// been persisted yet (fresh project, deleted counter file).
type CounterBackend interface {
	Load(projectCode string) (next int, ok bool, err error)
	Save(projectCode string, next int) error
	Close() error
}

// CounterPathResolver maps a project code to its counter file location.
// The registry implements this; the file backend needs it because each
// project owns its counter file inside its own root.
type CounterPathResolver interface {
	CounterPath(projectCode string) (string, error)
}

type counterFilePayload struct {
	Next int `json:"next"`
}

// FileCounterBackend stores one small JSON counter file per project,
// written atomically (temp file + rename).
type FileCounterBackend struct {
	paths CounterPathResolver
}

func NewFileCounterBackend(paths CounterPathResolver) (*FileCounterBackend, error) {
	if paths == nil {
		return nil, fmt.Errorf("%w: counter path resolver is required", ErrInvalidInput)
	}
	return &FileCounterBackend{paths: paths}, nil
}

func (b *FileCounterBackend) Load(projectCode string) (int, bool, error) {
	path, err := b.paths.CounterPath(projectCode)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var payload counterFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// A corrupt counter file is treated as absent; the allocator
		// re-derives the seed from the ticket directory.
		return 0, false, nil
	}
	if payload.Next < 1 {
		return 0, false, nil
	}
	return payload.Next, true, nil
}

func (b *FileCounterBackend) Save(projectCode string, next int) error {
	path, err := b.paths.CounterPath(projectCode)
	if err != nil {
		return err
	}
	data, err := json.Marshal(counterFilePayload{Next: next})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileCounterBackend) Close() error { return nil }

// InMemoryCounterBackend keeps counters in process memory. Useful for
// tests and throwaway deployments; counters reseed from the ticket
// directory on restart.
type InMemoryCounterBackend struct {
	mu       sync.Mutex
	counters map[string]int
}

func NewInMemoryCounterBackend() *InMemoryCounterBackend {
	return &InMemoryCounterBackend{counters: map[string]int{}}
}

func (b *InMemoryCounterBackend) Load(projectCode string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, ok := b.counters[projectCode]
	return next, ok, nil
}

func (b *InMemoryCounterBackend) Save(projectCode string, next int) error {
	if strings.TrimSpace(projectCode) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[projectCode] = next
	return nil
}

func (b *InMemoryCounterBackend) Close() error { return nil }
