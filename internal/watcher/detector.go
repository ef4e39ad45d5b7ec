package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"knowhow/internal/event"
	"knowhow/internal/filestate"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

const (
	DefaultPollInterval    = time.Second
	DefaultDebounce        = 100 * time.Millisecond
	DefaultScanConcurrency = 8
)

type DetectorOptions struct {
	Interval    time.Duration
	Debounce    time.Duration
	Concurrency int
	// Root is the document root handed to fsnotify. The fast path is only
	// enabled when FSNotify is set and Root is not empty.
	Root     string
	FSNotify bool
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Detector compares the stored modification time of every watched path with
// the file on disk and publishes a ChangeEvent for each difference.
type Detector struct {
	registry *Registry
	stat     MTimeReader
	bus      *event.Bus[ChangeEvent]
	options  DetectorOptions

	scanMu     sync.Mutex
	unreadable map[string]struct{}
}

type statResult struct {
	target watchedPath
	mtime  int64
	err    error
}

func NewDetector(registry *Registry, stat MTimeReader, bus *event.Bus[ChangeEvent], options DetectorOptions) *Detector {
	if options.Interval <= 0 {
		options.Interval = DefaultPollInterval
	}
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	if options.Concurrency <= 0 {
		options.Concurrency = DefaultScanConcurrency
	}
	return &Detector{
		registry:   registry,
		stat:       stat,
		bus:        bus,
		options:    options,
		unreadable: make(map[string]struct{}),
	}
}

// Scan checks every watched path once and returns the changes it published.
func (detector *Detector) Scan(ctx context.Context) []ChangeEvent {
	return detector.scan(ctx, detector.registry.snapshot(nil), true)
}

// ScanPaths checks only the given paths. Paths that are not watched are
// skipped without a stat.
func (detector *Detector) ScanPaths(ctx context.Context, paths []string) []ChangeEvent {
	if paths == nil {
		return nil
	}
	return detector.scan(ctx, detector.registry.snapshot(paths), false)
}

// Run polls until ctx is done.
func (detector *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(detector.options.Interval)
	defer ticker.Stop()

	var trigger *fsTrigger
	var triggered <-chan string
	if detector.options.FSNotify && detector.options.Root != "" {
		created, err := newFSTrigger(detector.options.Root, detector.options.Debounce, detector.options.Logger)
		if err != nil {
			detector.options.Logger.Warn("fsnotify unavailable, polling only", map[string]string{
				"error": err.Error(),
			})
		} else {
			trigger = created
			triggered = trigger.Events()
			defer trigger.close()
			trigger.sync(pathsOf(detector.registry.snapshot(nil)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			targets := detector.registry.snapshot(nil)
			if trigger != nil {
				trigger.sync(pathsOf(targets))
			}
			detector.scan(ctx, targets, true)
		case path := <-triggered:
			detector.ScanPaths(ctx, []string{path})
		}
	}
}

// scan stats targets concurrently and handles each result as soon as it
// arrives, so one slow path holds back only its own change.
func (detector *Detector) scan(ctx context.Context, targets []watchedPath, full bool) []ChangeEvent {
	detector.scanMu.Lock()
	defer detector.scanMu.Unlock()

	started := time.Now()
	results := make(chan statResult, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(detector.options.Concurrency)
	go func() {
		for _, target := range targets {
			target := target
			group.Go(func() error {
				mtime, err := detector.stat.StatMTime(groupCtx, target.path)
				results <- statResult{target: target, mtime: mtime, err: err}
				return nil
			})
		}
		_ = group.Wait()
		close(results)
	}()

	var changes []ChangeEvent
	for result := range results {
		if ctx.Err() != nil {
			continue
		}
		if change, ok := detector.handle(result); ok {
			changes = append(changes, change)
		}
	}
	if ctx.Err() != nil {
		return changes
	}

	if full {
		detector.pruneUnreadable(pathsOf(targets))
	}
	if detector.options.Metrics != nil {
		detector.options.Metrics.ScanDuration.Observe(time.Since(started).Seconds())
	}
	return changes
}

func (detector *Detector) handle(result statResult) (ChangeEvent, bool) {
	path := result.target.path
	if result.err != nil {
		detector.markUnreadable(path, result.err)
		return ChangeEvent{}, false
	}
	detector.markReadable(path)
	if !detector.registry.advanceWatched(result.target, result.mtime) {
		return ChangeEvent{}, false
	}
	change := ChangeEvent{Path: path, MTime: result.mtime, DetectedAt: time.Now().UTC()}
	if detector.options.Metrics != nil {
		detector.options.Metrics.ChangesDetected.Inc()
	}
	detector.options.Logger.Debug("change detected", map[string]string{
		"path":  path,
		"mtime": formatMTime(result.mtime),
	})
	if detector.bus != nil {
		detector.bus.Publish(change)
	}
	return change, true
}

func (detector *Detector) markUnreadable(path string, err error) {
	if detector.options.Metrics != nil {
		detector.options.Metrics.StatErrors.Inc()
	}
	if _, ok := detector.unreadable[path]; ok {
		return
	}
	detector.unreadable[path] = struct{}{}
	reason := "unreadable"
	if errors.Is(err, filestate.ErrNotFound) {
		reason = "missing"
	} else if errors.Is(err, filestate.ErrTimeout) {
		reason = "timeout"
	}
	detector.options.Logger.Warn("watched file unreadable, keeping last known mtime", map[string]string{
		"path":   path,
		"reason": reason,
		"error":  err.Error(),
	})
}

func (detector *Detector) markReadable(path string) {
	if _, ok := detector.unreadable[path]; !ok {
		return
	}
	delete(detector.unreadable, path)
	detector.options.Logger.Info("watched file readable again", map[string]string{
		"path": path,
	})
}

func (detector *Detector) pruneUnreadable(watched []string) {
	if len(detector.unreadable) == 0 {
		return
	}
	keep := make(map[string]struct{}, len(watched))
	for _, path := range watched {
		keep[path] = struct{}{}
	}
	for path := range detector.unreadable {
		if _, ok := keep[path]; !ok {
			delete(detector.unreadable, path)
		}
	}
}

func pathsOf(targets []watchedPath) []string {
	paths := make([]string, len(targets))
	for i, target := range targets {
		paths[i] = target.path
	}
	return paths
}
