package mdt

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// CounterBackendFactory builds a backend for a registered DSN scheme.
type CounterBackendFactory func(dsn string, paths CounterPathResolver) (CounterBackend, error)

var counterFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CounterBackendFactory
}{
	factories: map[string]CounterBackendFactory{},
}

// RegisterCounterBackendFactory lets deployments plug in additional
// counter backends by DSN scheme.
func RegisterCounterBackendFactory(scheme string, factory CounterBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	counterFactoryRegistry.mu.Lock()
	defer counterFactoryRegistry.mu.Unlock()
	counterFactoryRegistry.factories[scheme] = factory
}

func lookupCounterBackendFactory(scheme string) (CounterBackendFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	counterFactoryRegistry.mu.RLock()
	defer counterFactoryRegistry.mu.RUnlock()
	factory, ok := counterFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCounterBackendFromDSN selects a counter backend by DSN scheme:
// "" or "file" for per-project counter files, "memory" for in-process,
// "postgres" for a database-owned counter table.
func BuildCounterBackendFromDSN(dsn string, paths CounterPathResolver) (CounterBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewFileCounterBackend(paths)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupCounterBackendFactory(scheme); ok {
		return factory(dsn, paths)
	}
	switch scheme {
	case "", "file":
		return NewFileCounterBackend(paths)
	case "memory", "mem", "inmem":
		return NewInMemoryCounterBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresCounterBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: counter backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported counter backend scheme: %s", scheme)
	}
}
