package mdt

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

const defaultDebounceWindow = 150 * time.Millisecond

// ProjectChanged is the coarse, ephemeral signal that a project's ticket
// set may have changed. It is never persisted; a missed signal is
// recovered by a full listing, not by replay.
type ProjectChanged struct {
	ProjectCode string
	ChangedAt   time.Time
}

// ProjectWatcher turns the noisy raw event stream of one project into a
// debounced sequence of ProjectChanged signals. It also watches the
// project's own config file and requests a registry rescan when it
// changes.
type ProjectWatcher struct {
	code       string
	root       string
	roots      []string
	excludes   []string
	configPath string
	window     time.Duration
	watchCfg   WatchConfig
	out        chan<- ProjectChanged
	rescan     func()
	logger     Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type projectWatcherOptions struct {
	code       string
	root       string
	roots      []string
	excludes   []string
	configPath string
	window     time.Duration
	watchCfg   WatchConfig
	out        chan<- ProjectChanged
	rescan     func()
	logger     Logger
}

func newProjectWatcher(opts projectWatcherOptions) *ProjectWatcher {
	window := opts.window
	if window <= 0 {
		window = defaultDebounceWindow
	}
	roots := make([]string, 0, len(opts.roots))
	for _, r := range opts.roots {
		roots = append(roots, filepath.Clean(r))
	}
	configPath := opts.configPath
	if configPath != "" {
		configPath = filepath.Clean(configPath)
	}
	return &ProjectWatcher{
		code:       opts.code,
		root:       filepath.Clean(opts.root),
		roots:      roots,
		excludes:   append([]string(nil), opts.excludes...),
		configPath: configPath,
		window:     window,
		watchCfg:   opts.watchCfg,
		out:        opts.out,
		rescan:     opts.rescan,
		logger:     opts.logger,
	}
}

func (w *ProjectWatcher) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// stop cancels the watcher and waits for its goroutine, including any
// pending debounce timer, to wind down.
func (w *ProjectWatcher) stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *ProjectWatcher) run(ctx context.Context) {
	defer close(w.done)
	backoff := 100 * time.Millisecond
	for {
		src, err := NewChangeSource(w.root, w.watchCfg, w.logger)
		if err != nil {
			logf(w.logger, "watcher %s: %v", w.code, err)
			return
		}
		restart := w.consume(ctx, src)
		_ = src.Close()
		if !restart {
			return
		}
		// The source died (root removed, channel torn down). Announce a
		// coarse change so clients re-fetch, then try to reattach: the
		// directory often reappears (git checkout, editor swap).
		w.emit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// consume runs until ctx is cancelled (returns false) or the source
// fails terminally (returns true, caller reattaches).
func (w *ProjectWatcher) consume(ctx context.Context, src ChangeSource) bool {
	var timer *time.Timer
	var timerC <-chan time.Time
	sawConfig := false

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerC = nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-src.Events():
			if !ok {
				return true
			}
			isConfig := w.configPath != "" && ev.Path == w.configPath
			if !isConfig && !w.matches(ev.Path) {
				continue
			}
			if isConfig {
				sawConfig = true
			}
			if timer == nil {
				timer = time.NewTimer(w.window)
				timerC = timer.C
			} else {
				stopped := timer.Stop()
				if !stopped {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.window)
			}
		case err, ok := <-src.Errors():
			if !ok {
				return true
			}
			logf(w.logger, "watcher %s: source failed: %v", w.code, err)
			return true
		case <-timerC:
			timer = nil
			timerC = nil
			w.emit(ctx)
			if sawConfig {
				sawConfig = false
				if w.rescan != nil {
					w.rescan()
				}
			}
		}
	}
}

func (w *ProjectWatcher) emit(ctx context.Context) {
	if w.out == nil {
		return
	}
	select {
	case w.out <- ProjectChanged{ProjectCode: w.code, ChangedAt: time.Now().UTC()}:
	case <-ctx.Done():
	}
}

// matches reports whether path falls under one of the watched roots and
// is not inside an excluded folder.
func (w *ProjectWatcher) matches(path string) bool {
	path = filepath.Clean(path)
	under := false
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			under = true
			break
		}
	}
	if !under {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, excluded := range w.excludes {
			if segment == excluded {
				return false
			}
		}
	}
	return true
}
