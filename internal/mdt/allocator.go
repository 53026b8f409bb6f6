package mdt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// TicketDirResolver maps a project code to its ticket directory. The
// registry implements this.
type TicketDirResolver interface {
	TicketDir(projectCode string) (string, error)
}

// AllocatorStats are operational counters exposed for status reporting.
type AllocatorStats struct {
	AllocatedTotal uint64 `json:"allocatedTotal"`
	FailedTotal    uint64 `json:"failedTotal"`
	ReseededTotal  uint64 `json:"reseededTotal"`
}

type projectCounter struct {
	mu     sync.Mutex
	seeded bool
	next   int
}

// Allocator hands out unique, never-reused ticket sequence numbers per
// project. The new value is persisted before it is returned: a caller
// never holds a number that is not durably reflected in the counter
// backend. If the subsequent ticket write fails the number is simply
// burned; gaps are tolerated, duplicates are not.
type Allocator struct {
	backend CounterBackend
	dirs    TicketDirResolver
	logger  Logger

	mu       sync.Mutex
	counters map[string]*projectCounter

	allocated atomic.Uint64
	failed    atomic.Uint64
	reseeded  atomic.Uint64
}

func NewAllocator(backend CounterBackend, dirs TicketDirResolver, logger Logger) (*Allocator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: counter backend is required", ErrInvalidInput)
	}
	if dirs == nil {
		return nil, fmt.Errorf("%w: ticket dir resolver is required", ErrInvalidInput)
	}
	return &Allocator{
		backend:  backend,
		dirs:     dirs,
		logger:   logger,
		counters: map[string]*projectCounter{},
	}, nil
}

// Allocate reserves the next sequence number for the project. The
// read-increment-persist sequence runs as one atomic unit under the
// per-project lock; concurrent callers queue rather than race. The
// context bounds only the caller's willingness to wait for the lock;
// once persisting, the operation runs to completion.
func (a *Allocator) Allocate(ctx context.Context, projectCode string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	counter := a.counter(projectCode)
	counter.mu.Lock()
	defer counter.mu.Unlock()

	if !counter.seeded {
		next, err := a.seed(projectCode)
		if err != nil {
			a.failed.Add(1)
			return 0, err
		}
		counter.next = next
		counter.seeded = true
	}

	seq := counter.next
	// Guard against a counter gone stale behind our back (hand-edited
	// file, tickets copied in from another machine): never hand out a
	// number that already exists on disk.
	for a.sequenceExistsOnDisk(projectCode, seq) {
		a.reseeded.Add(1)
		logf(a.logger, "allocator: %s-%d already on disk, skipping", projectCode, seq)
		seq++
	}

	if err := a.backend.Save(projectCode, seq+1); err != nil {
		a.failed.Add(1)
		return 0, fmt.Errorf("persist counter for %s: %w", projectCode, err)
	}
	counter.next = seq + 1
	a.allocated.Add(1)
	return seq, nil
}

// Invalidate forces the project's counter to reseed from the backend
// and the ticket directory on its next allocation. The registry calls
// this when a project's configuration changes.
func (a *Allocator) Invalidate(projectCode string) {
	counter := a.counter(projectCode)
	counter.mu.Lock()
	counter.seeded = false
	counter.mu.Unlock()
}

func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		AllocatedTotal: a.allocated.Load(),
		FailedTotal:    a.failed.Load(),
		ReseededTotal:  a.reseeded.Load(),
	}
}

func (a *Allocator) counter(projectCode string) *projectCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	counter, ok := a.counters[projectCode]
	if !ok {
		counter = &projectCounter{}
		a.counters[projectCode] = counter
	}
	return counter
}

// seed computes the first number to hand out:
// max(persisted value, 1 + highest sequence found on disk). The disk
// scan protects against a stale, deleted, or hand-edited counter file.
func (a *Allocator) seed(projectCode string) (int, error) {
	persisted, ok, err := a.backend.Load(projectCode)
	if err != nil {
		return 0, fmt.Errorf("load counter for %s: %w", projectCode, err)
	}
	if !ok {
		persisted = 1
	}
	maxOnDisk, err := a.maxSequenceOnDisk(projectCode)
	if err != nil {
		return 0, err
	}
	next := persisted
	if maxOnDisk+1 > next {
		next = maxOnDisk + 1
	}
	if next < 1 {
		next = 1
	}
	return next, nil
}

func (a *Allocator) maxSequenceOnDisk(projectCode string) (int, error) {
	dir, err := a.dirs.TicketDir(projectCode)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	maxSeq := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := parseTicketFileName(projectCode, entry.Name())
		if ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

func (a *Allocator) sequenceExistsOnDisk(projectCode string, seq int) bool {
	dir, err := a.dirs.TicketDir(projectCode)
	if err != nil {
		return false
	}
	_, err = os.Stat(ticketFilePath(dir, projectCode, seq))
	return err == nil
}
