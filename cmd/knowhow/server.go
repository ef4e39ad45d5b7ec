package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"knowhow/internal/api"
	"knowhow/internal/config"
	"knowhow/internal/filestate"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
	"knowhow/internal/render"
	"knowhow/internal/version"
	"knowhow/internal/watcher"
)

// runServer builds the watch pipeline and HTTP server and blocks until ctx
// is done or the listener fails. ready, when set, receives the bound address.
func runServer(ctx context.Context, cfg *config.Config, logger *logging.Logger, ready chan<- string) error {
	root, err := resolveRoot(cfg.Root)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	tracker := filestate.NewTracker(root, cfg.StatTimeout)
	registry := watcher.NewRegistry(tracker, watcher.RegistryOptions{Logger: logger, Metrics: m})
	dispatcher := watcher.NewDispatcher(registry, watcher.DispatcherOptions{Logger: logger, Metrics: m})
	lifecycle := watcher.NewLifecycle(registry, dispatcher, watcher.LifecycleOptions{Logger: logger, Metrics: m})

	busCtx, closeBus := context.WithCancel(ctx)
	defer closeBus()
	bus := watcher.NewChangeBus(busCtx, m, logger)
	changes, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	detector := watcher.NewDetector(registry, tracker, bus, watcher.DetectorOptions{
		Interval:    cfg.PollInterval,
		Debounce:    cfg.Debounce,
		Concurrency: cfg.ScanConcurrency,
		Root:        root,
		FSNotify:    cfg.FSNotify,
		Logger:      logger,
		Metrics:     m,
	})

	router := api.NewRouter(api.RouterConfig{
		Lifecycle:      lifecycle,
		Registry:       registry,
		ChangeBus:      bus,
		Renderer:       render.NewRenderer(root, render.Options{Logger: logger}),
		Gatherer:       promRegistry,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		Started:        time.Now(),
	})
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	logger.Info("knowhow listening", map[string]string{
		"addr":          listener.Addr().String(),
		"root":          root,
		"poll_interval": cfg.PollInterval.String(),
		"fsnotify":      strconv.FormatBool(cfg.FSNotify),
		"version":       version.Version,
	})
	if ready != nil {
		ready <- listener.Addr().String()
	}

	err = serviceGroup{logger: logger}.run(ctx,
		httpService(server, listener, cfg.ShutdownTimeout),
		watchService(detector, dispatcher, changes),
	)
	if err != nil {
		return err
	}
	logger.Info("knowhow stopped", map[string]string{
		"reason": shutdownReason(ctx),
	})
	return nil
}

func resolveRoot(root string) (string, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return "", fmt.Errorf("document root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("document root %s is not a directory", absolute)
	}
	return absolute, nil
}
