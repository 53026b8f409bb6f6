package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andkirby/markdown-ticket-sub008/internal/httpapi"
	"github.com/andkirby/markdown-ticket-sub008/internal/mdt"
)

func main() {
	addr := os.Getenv("MDT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	catalogDir := strings.TrimSpace(os.Getenv("MDT_CATALOG_DIR"))
	if catalogDir == "" {
		log.Fatalf("MDT_CATALOG_DIR is required")
	}

	logger := log.Default()

	hub := mdt.NewHub(mdt.HubOptions{
		QueueCapacity: intEnv("MDT_CLIENT_QUEUE_CAPACITY", 0),
		Logger:        logger,
	})

	registry, err := mdt.NewRegistry(mdt.RegistryOptions{
		CatalogDir:     catalogDir,
		Hub:            hub,
		DebounceWindow: durationEnv("MDT_DEBOUNCE_WINDOW", 0),
		Watch: mdt.WatchConfig{
			Mode:         watchModeEnv("MDT_WATCH_MODE"),
			PollInterval: durationEnv("MDT_POLL_INTERVAL", 0),
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize project registry: %v", err)
	}

	backend, err := mdt.BuildCounterBackendFromDSN(os.Getenv("MDT_COUNTER_DSN"), registry)
	if err != nil {
		log.Fatalf("failed to initialize counter backend: %v", err)
	}
	allocator, err := mdt.NewAllocator(backend, registry, logger)
	if err != nil {
		log.Fatalf("failed to initialize allocator: %v", err)
	}
	store, err := mdt.NewTicketStore(mdt.TicketStoreOptions{
		Dirs:      registry,
		Allocator: allocator,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize ticket store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.Start(ctx); err != nil {
		log.Fatalf("failed to start project registry: %v", err)
	}

	server := httpapi.NewServer(registry, store, hub, allocator, httpapi.ServerConfig{
		IdleTimeout:  durationEnv("MDT_IDLE_TIMEOUT", 0),
		SSEHeartbeat: durationEnv("MDT_SSE_HEARTBEAT", 0),
		MaxBodyBytes: int64Env("MDT_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("mdt-server listening on %s (catalog %s)", addr, catalogDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}

	registry.Close()
	hub.Close()
	if err := backend.Close(); err != nil {
		log.Printf("counter backend close: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func watchModeEnv(name string) string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "", "notify":
		return mdt.WatchModeNotify
	case "poll", "polling":
		return mdt.WatchModePoll
	default:
		log.Printf("invalid %s=%q, using notify", name, raw)
		return mdt.WatchModeNotify
	}
}
