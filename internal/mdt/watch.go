package mdt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a raw filesystem event.
type EventKind int

const (
	EventCreated EventKind = iota
	EventModified
	EventRemoved
	EventRenamedFrom
	EventRenamedTo
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	case EventRenamedFrom:
		return "renamed-from"
	case EventRenamedTo:
		return "renamed-to"
	default:
		return "unknown"
	}
}

// RawEvent is a single low-level filesystem notification.
type RawEvent struct {
	Path string
	Kind EventKind
}

// ChangeSource is a uniform stream of raw events for one directory tree.
// Implementations must tolerate the watched directory not existing yet
// (retry until it appears) and must report removal of the watched root
// as a terminal error on Errors rather than panicking or going silent.
type ChangeSource interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

const (
	WatchModeNotify = "notify"
	WatchModePoll   = "poll"

	defaultPollInterval = 2 * time.Second
)

// WatchConfig selects the change source implementation. The choice is
// configuration, never runtime detection: a session runs one mode.
type WatchConfig struct {
	Mode         string
	PollInterval time.Duration
}

// NewChangeSource opens a change source for root using the configured mode.
func NewChangeSource(root string, cfg WatchConfig, logger Logger) (ChangeSource, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: watch root is required", ErrInvalidInput)
	}
	root = filepath.Clean(root)
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", WatchModeNotify:
		return newNotifySource(root, logger), nil
	case WatchModePoll:
		interval := cfg.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		return newPollSource(root, interval, logger), nil
	default:
		return nil, fmt.Errorf("%w: watch mode %q", ErrInvalidInput, cfg.Mode)
	}
}

type notifySource struct {
	root   string
	logger Logger

	events    chan RawEvent
	errs      chan error
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newNotifySource(root string, logger Logger) *notifySource {
	s := &notifySource{
		root:   root,
		logger: logger,
		events: make(chan RawEvent, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *notifySource) Events() <-chan RawEvent { return s.events }
func (s *notifySource) Errors() <-chan error    { return s.errs }

func (s *notifySource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.done
	return nil
}

func (s *notifySource) run() {
	defer close(s.done)
	watcher, err := s.open()
	if err != nil {
		s.fail(err)
		return
	}
	defer watcher.Close()

	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				s.fail(fmt.Errorf("%w: notify event channel", ErrClosed))
				return
			}
			if ev.Name == s.root && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) {
				s.fail(fmt.Errorf("watch root removed: %s", s.root))
				return
			}
			kind, relevant := mapNotifyOp(ev.Op)
			if !relevant {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addTreeToWatcher(watcher, ev.Name); addErr != nil {
						logf(s.logger, "watch: failed to add %s: %v", ev.Name, addErr)
					}
				}
			}
			select {
			case s.events <- RawEvent{Path: ev.Name, Kind: kind}:
			case <-s.closed:
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				s.fail(fmt.Errorf("%w: notify error channel", ErrClosed))
				return
			}
			// Non-fatal watcher errors (overflow etc); keep watching.
			logf(s.logger, "watch: %s: %v", s.root, err)
		}
	}
}

// open waits for the root directory to exist, then sets up a recursive
// fsnotify watch over it.
func (s *notifySource) open() (*fsnotify.Watcher, error) {
	backoff := 50 * time.Millisecond
	for {
		info, err := os.Stat(s.root)
		if err == nil && info.IsDir() {
			break
		}
		select {
		case <-s.closed:
			return nil, ErrClosed
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addTreeToWatcher(watcher, s.root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func (s *notifySource) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func addTreeToWatcher(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func mapNotifyOp(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreated, true
	case op.Has(fsnotify.Write):
		return EventModified, true
	case op.Has(fsnotify.Remove):
		return EventRemoved, true
	case op.Has(fsnotify.Rename):
		return EventRenamedFrom, true
	default:
		return 0, false
	}
}

type pollEntry struct {
	modTime time.Time
	size    int64
}

type pollSource struct {
	root     string
	interval time.Duration
	logger   Logger

	events    chan RawEvent
	errs      chan error
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPollSource(root string, interval time.Duration, logger Logger) *pollSource {
	s := &pollSource{
		root:     root,
		interval: interval,
		logger:   logger,
		events:   make(chan RawEvent, 64),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *pollSource) Events() <-chan RawEvent { return s.events }
func (s *pollSource) Errors() <-chan error    { return s.errs }

func (s *pollSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.done
	return nil
}

func (s *pollSource) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var snapshot map[string]pollEntry
	seenRoot := false
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			current, err := s.scan()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					if !seenRoot {
						continue
					}
					s.fail(fmt.Errorf("watch root removed: %s", s.root))
					return
				}
				logf(s.logger, "watch: poll %s: %v", s.root, err)
				continue
			}
			if !seenRoot {
				// First successful scan is the baseline, not a burst of creates.
				seenRoot = true
				snapshot = current
				continue
			}
			if !s.diff(snapshot, current) {
				return
			}
			snapshot = current
		}
	}
}

// diff emits events for the delta between two snapshots. Returns false
// if the source was closed mid-emit.
func (s *pollSource) diff(prev, current map[string]pollEntry) bool {
	for path, entry := range current {
		old, existed := prev[path]
		switch {
		case !existed:
			if !s.emit(RawEvent{Path: path, Kind: EventCreated}) {
				return false
			}
		case !old.modTime.Equal(entry.modTime) || old.size != entry.size:
			if !s.emit(RawEvent{Path: path, Kind: EventModified}) {
				return false
			}
		}
	}
	for path := range prev {
		if _, ok := current[path]; !ok {
			if !s.emit(RawEvent{Path: path, Kind: EventRemoved}) {
				return false
			}
		}
	}
	return true
}

func (s *pollSource) emit(ev RawEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *pollSource) scan() (map[string]pollEntry, error) {
	if _, err := os.Stat(s.root); err != nil {
		return nil, err
	}
	entries := map[string]pollEntry{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path != s.root {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		entries[path] = pollEntry{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *pollSource) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
