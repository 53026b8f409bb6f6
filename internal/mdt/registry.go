package mdt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegistryOptions configures a Registry. CatalogDir and Hub are required.
type RegistryOptions struct {
	CatalogDir     string
	Hub            *Hub
	DebounceWindow time.Duration
	Watch          WatchConfig
	Logger         Logger
}

// RegistryStats are operational counters exposed for status reporting.
type RegistryStats struct {
	KnownProjects    int    `json:"knownProjects"`
	ActiveWatchers   int    `json:"activeWatchers"`
	InvalidProjects  int    `json:"invalidProjects"`
	ScansTotal       uint64 `json:"scansTotal"`
	ActivatedTotal   uint64 `json:"activatedTotal"`
	DeactivatedTotal uint64 `json:"deactivatedTotal"`
	RestartedTotal   uint64 `json:"restartedTotal"`
}

type activeProject struct {
	cfg     ProjectConfig
	watcher *ProjectWatcher
}

// Registry is the single source of truth for which projects exist and
// are valid right now. It owns the lifecycle of every project watcher,
// including the watcher on the catalog directory itself: project
// topology changes arrive through the same debounced change mechanism
// as ticket content changes.
//
// All mutations happen either on the registry's own loop goroutine or
// under the registry mutex; watcher goroutines never touch the maps.
type Registry struct {
	catalogDir string
	hub        *Hub
	window     time.Duration
	watchCfg   WatchConfig
	logger     Logger

	mu      sync.Mutex
	known   map[string]ProjectStatus
	active  map[string]activeProject
	stats   RegistryStats
	started bool

	scanRequests chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	catalogDir := strings.TrimSpace(opts.CatalogDir)
	if catalogDir == "" {
		return nil, fmt.Errorf("%w: catalog directory is required", ErrInvalidInput)
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("%w: hub is required", ErrInvalidInput)
	}
	window := opts.DebounceWindow
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &Registry{
		catalogDir:   filepath.Clean(catalogDir),
		hub:          opts.Hub,
		window:       window,
		watchCfg:     opts.Watch,
		logger:       opts.Logger,
		known:        map[string]ProjectStatus{},
		active:       map[string]activeProject{},
		scanRequests: make(chan struct{}, 1),
	}, nil
}

// Start performs the initial scan and begins watching the catalog
// directory. An inaccessible catalog root is the one fatal condition:
// without it no project can ever be discovered.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := os.ReadDir(r.catalogDir); err != nil {
		return fmt.Errorf("project catalog inaccessible: %w", err)
	}
	statuses, err := r.Scan()
	if err != nil {
		return err
	}
	r.Reconcile(statuses)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	catalogSignals := make(chan ProjectChanged, 4)
	catalogWatcher := newProjectWatcher(projectWatcherOptions{
		code:     "catalog",
		root:     r.catalogDir,
		roots:    []string{r.catalogDir},
		window:   r.window,
		watchCfg: r.watchCfg,
		out:      catalogSignals,
		logger:   r.logger,
	})
	catalogWatcher.start(ctx)

	go func() {
		defer close(r.done)
		defer catalogWatcher.stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-catalogSignals:
				r.rescan()
			case <-r.scanRequests:
				r.rescan()
			}
		}
	}()
	return nil
}

// Close stops the catalog loop and every active project watcher.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.mu.Lock()
	codes := make([]string, 0, len(r.active))
	for code := range r.active {
		codes = append(codes, code)
	}
	r.mu.Unlock()
	for _, code := range codes {
		r.Deactivate(code)
	}
}

// RequestScan schedules a scan+reconcile on the registry loop. It never
// blocks; coalescing multiple requests into one pending scan is fine
// since a scan always reads the full catalog.
func (r *Registry) RequestScan() {
	select {
	case r.scanRequests <- struct{}{}:
	default:
	}
}

func (r *Registry) rescan() {
	statuses, err := r.Scan()
	if err != nil {
		logf(r.logger, "registry: scan failed: %v", err)
		return
	}
	r.Reconcile(statuses)
}

// Scan reads every descriptor in the catalog directory and validates it.
// Invalid entries are reported in the result, not dropped, and never
// abort the scan of the others. The only error is an unreadable catalog.
func (r *Registry) Scan() ([]ProjectStatus, error) {
	entries, err := os.ReadDir(r.catalogDir)
	if err != nil {
		return nil, fmt.Errorf("project catalog inaccessible: %w", err)
	}
	r.mu.Lock()
	r.stats.ScansTotal++
	r.mu.Unlock()

	statuses := make([]ProjectStatus, 0, len(entries))
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.catalogDir, entry.Name())
		descriptor, err := loadDescriptor(path)
		if err != nil {
			statuses = append(statuses, ProjectStatus{
				DescriptorPath: path,
				Reason:         err.Error(),
			})
			continue
		}
		status := validateProject(path, descriptor)
		if status.Valid {
			if prior, dup := seen[status.Config.Code]; dup {
				status.Valid = false
				status.Reason = fmt.Sprintf("duplicate project code %s (already declared by %s)", status.Config.Code, prior)
			} else {
				seen[status.Config.Code] = path
			}
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DescriptorPath < statuses[j].DescriptorPath
	})
	return statuses, nil
}

// Reconcile diffs the scanned set against the currently active set:
// activates new projects, deactivates removed ones, and restarts any
// whose configuration changed in a way that affects watched paths.
// Calling it twice with the same input is a no-op the second time.
func (r *Registry) Reconcile(statuses []ProjectStatus) {
	desired := map[string]ProjectConfig{}
	known := map[string]ProjectStatus{}
	for _, status := range statuses {
		key := status.Config.Code
		if key == "" {
			key = status.DescriptorPath
		}
		known[key] = status
		if status.Valid {
			desired[status.Config.Code] = status.Config
		}
		if !status.Valid {
			logf(r.logger, "registry: project %s invalid: %s", key, status.Reason)
		}
	}

	r.mu.Lock()
	r.known = known
	var toStop, toRestart []string
	for code, entry := range r.active {
		cfg, ok := desired[code]
		switch {
		case !ok:
			toStop = append(toStop, code)
		case !entry.cfg.Equal(cfg):
			toRestart = append(toRestart, code)
		}
	}
	var toStart []ProjectConfig
	for code, cfg := range desired {
		if _, ok := r.active[code]; !ok {
			toStart = append(toStart, cfg)
		}
	}
	r.mu.Unlock()

	for _, code := range toStop {
		r.Deactivate(code)
	}
	for _, code := range toRestart {
		cfg := desired[code]
		r.Deactivate(code)
		r.Activate(cfg)
		r.mu.Lock()
		r.stats.RestartedTotal++
		r.mu.Unlock()
	}
	for _, cfg := range toStart {
		r.Activate(cfg)
	}
}

// Activate starts a debounced watcher for the project. Idempotent: at
// most one watcher per project code exists at any time.
func (r *Registry) Activate(cfg ProjectConfig) {
	r.mu.Lock()
	if _, ok := r.active[cfg.Code]; ok {
		r.mu.Unlock()
		return
	}
	watcher := newProjectWatcher(projectWatcherOptions{
		code:       cfg.Code,
		root:       cfg.RootPath,
		roots:      cfg.WatchRoots(),
		excludes:   cfg.ExcludeFolders,
		configPath: cfg.ConfigPath(),
		window:     r.window,
		watchCfg:   r.watchCfg,
		out:        r.hub.Inbox(),
		rescan:     r.RequestScan,
		logger:     r.logger,
	})
	r.active[cfg.Code] = activeProject{cfg: cfg, watcher: watcher}
	r.stats.ActivatedTotal++
	r.mu.Unlock()
	watcher.start(context.Background())
	logf(r.logger, "registry: activated project %s (%s)", cfg.Code, cfg.RootPath)
}

// Deactivate stops and discards the project's watcher. Idempotent.
func (r *Registry) Deactivate(code string) {
	r.mu.Lock()
	entry, ok := r.active[code]
	if ok {
		delete(r.active, code)
		r.stats.DeactivatedTotal++
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.watcher.stop()
	logf(r.logger, "registry: deactivated project %s", code)
}

// Project returns the validated status for a project code.
func (r *Registry) Project(code string) (ProjectStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.known[code]
	return status, ok
}

// Projects lists every known project, valid or not, sorted by code.
func (r *Registry) Projects() []ProjectStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProjectStatus, 0, len(r.known))
	for _, status := range r.known {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Code != out[j].Config.Code {
			return out[i].Config.Code < out[j].Config.Code
		}
		return out[i].DescriptorPath < out[j].DescriptorPath
	})
	return out
}

// TicketDir resolves the ticket directory of a valid, known project.
func (r *Registry) TicketDir(code string) (string, error) {
	cfg, err := r.validConfig(code)
	if err != nil {
		return "", err
	}
	return cfg.TicketDir(), nil
}

// CounterPath resolves the counter file of a valid, known project.
func (r *Registry) CounterPath(code string) (string, error) {
	cfg, err := r.validConfig(code)
	if err != nil {
		return "", err
	}
	return cfg.CounterPath(), nil
}

func (r *Registry) validConfig(code string) (ProjectConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.known[code]
	if !ok {
		return ProjectConfig{}, fmt.Errorf("%w: %s", ErrProjectUnknown, code)
	}
	if !status.Valid {
		return ProjectConfig{}, fmt.Errorf("%w: %s: %s", ErrProjectInvalid, code, status.Reason)
	}
	return status.Config, nil
}

func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.KnownProjects = len(r.known)
	stats.ActiveWatchers = len(r.active)
	for _, status := range r.known {
		if !status.Valid {
			stats.InvalidProjects++
		}
	}
	return stats
}
