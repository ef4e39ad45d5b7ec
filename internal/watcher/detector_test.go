package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"knowhow/internal/filestate"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

func TestDetectorScanRaisesOneEventPerChange(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 100)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")
	registry.Watch(context.Background(), "c2", "doc.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{})

	if changes := detector.Scan(context.Background()); len(changes) != 0 {
		t.Fatalf("expected no change on first scan, got %v", changes)
	}

	stat.set("doc.md", 200)
	changes := detector.Scan(context.Background())
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Path != "doc.md" || changes[0].MTime != 200 {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
	if changes := detector.Scan(context.Background()); len(changes) != 0 {
		t.Fatalf("expected no repeat change, got %v", changes)
	}
}

func TestDetectorMissingFileRetainsTimestamp(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 100)
	buffer := logging.NewBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelDebug, nil)
	m := metrics.New(nil)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{Logger: logger, Metrics: m})

	stat.remove("doc.md")
	for i := 0; i < 3; i++ {
		if changes := detector.Scan(context.Background()); len(changes) != 0 {
			t.Fatalf("expected missing file to be skipped, got %v", changes)
		}
	}
	if stored, _ := registry.Timestamp("doc.md"); stored != 100 {
		t.Fatalf("expected last known 100 to be retained, got %d", stored)
	}
	if got := testutil.ToFloat64(m.StatErrors); got != 3 {
		t.Fatalf("expected 3 stat errors, got %v", got)
	}
	warnings := 0
	for _, entry := range buffer.List() {
		if entry.Level == logging.LevelWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("expected one warning for the unreadable transition, got %d", warnings)
	}
}

func TestDetectorDeleteThenRecreateNotifiesOnce(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 100)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{})

	stat.remove("doc.md")
	detector.Scan(context.Background())
	stat.set("doc.md", 300)

	changes := detector.Scan(context.Background())
	if len(changes) != 1 || changes[0].MTime != 300 {
		t.Fatalf("expected one change carrying 300, got %v", changes)
	}
	if changes := detector.Scan(context.Background()); len(changes) != 0 {
		t.Fatalf("expected no further change, got %v", changes)
	}
}

func TestDetectorMissingAtBaselineNotifiesWhenCreated(t *testing.T) {
	stat := newFakeStat()
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "new.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{})

	detector.Scan(context.Background())
	stat.set("new.md", 50)
	changes := detector.Scan(context.Background())
	if len(changes) != 1 || changes[0].MTime != 50 {
		t.Fatalf("expected creation to be reported, got %v", changes)
	}
}

func TestDetectorScanPathsIgnoresUnwatched(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 1)
	stat.set("other.md", 1)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{})

	stat.set("other.md", 2)
	if changes := detector.ScanPaths(context.Background(), []string{"other.md"}); len(changes) != 0 {
		t.Fatalf("expected unwatched path to be ignored, got %v", changes)
	}
}

func TestDetectorPublishesOnBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stat := newFakeStat()
	stat.set("a.md", 1)
	stat.set("b.md", 1)
	m := metrics.New(nil)
	bus := NewChangeBus(ctx, m, nil)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(ctx, "c1", "a.md")
	registry.Watch(ctx, "c2", "b.md")
	detector := NewDetector(registry, stat, bus, DetectorOptions{Metrics: m})

	stat.set("a.md", 2)
	stat.set("b.md", 3)
	detector.Scan(ctx)

	want := map[string]int64{"a.md": 2, "b.md": 3}
	for range want {
		select {
		case got := <-events:
			if mtime, ok := want[got.Path]; !ok || mtime != got.MTime {
				t.Fatalf("unexpected event %+v", got)
			}
			delete(want, got.Path)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
	if got := testutil.ToFloat64(m.ChangesDetected); got != 2 {
		t.Fatalf("expected 2 changes counted, got %v", got)
	}
}

func TestDetectorRunDetectsFileChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes", "doc.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("# one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, base, base); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tracker := filestate.NewTracker(root, 0)
	registry := NewRegistry(tracker, RegistryOptions{})
	if _, err := registry.Watch(ctx, "c1", "notes/doc.md"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	bus := NewChangeBus(ctx, nil, nil)
	events, unsubscribe := bus.Subscribe()
	detector := NewDetector(registry, tracker, bus, DetectorOptions{
		Interval: 50 * time.Millisecond,
		Debounce: 10 * time.Millisecond,
		Root:     root,
		FSNotify: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- detector.Run(ctx)
	}()
	defer func() {
		unsubscribe()
		cancel()
		<-done
	}()

	updated := base.Add(time.Minute)
	if err := os.WriteFile(path, []byte("# two"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, updated, updated); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-events:
			if change.Path != "notes/doc.md" {
				t.Fatalf("unexpected path %q", change.Path)
			}
			if change.MTime == updated.UnixMilli() {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change")
		}
	}
}

func TestDetectorRunStopsOnCancel(t *testing.T) {
	registry := NewRegistry(newFakeStat(), RegistryOptions{})
	detector := NewDetector(registry, newFakeStat(), nil, DetectorOptions{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- detector.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("detector did not stop")
	}
}

func TestDetectorLogsRecovery(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 1)
	buffer := logging.NewBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelInfo, nil)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")
	detector := NewDetector(registry, stat, nil, DetectorOptions{Logger: logger})

	stat.remove("doc.md")
	detector.Scan(context.Background())
	stat.set("doc.md", 1)
	detector.Scan(context.Background())

	found := false
	for _, entry := range buffer.List() {
		if entry.Level == logging.LevelInfo && strings.Contains(entry.Message, "readable again") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recovery to be logged")
	}
}

func TestDetectorSlowStatDoesNotDelayOtherPaths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stat := newFakeStat()
	stat.set("slow.md", 1)
	stat.set("fast.md", 1)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(ctx, "c1", "slow.md")
	registry.Watch(ctx, "c2", "fast.md")

	release := make(chan struct{})
	stalled := MTimeReaderFunc(func(ctx context.Context, path string) (int64, error) {
		if path == "slow.md" {
			<-release
		}
		return stat.StatMTime(ctx, path)
	})
	bus := NewChangeBus(ctx, nil, nil)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	detector := NewDetector(registry, stalled, bus, DetectorOptions{})

	stat.set("slow.md", 2)
	stat.set("fast.md", 2)
	done := make(chan []ChangeEvent, 1)
	go func() {
		done <- detector.Scan(ctx)
	}()

	select {
	case got := <-events:
		if got.Path != "fast.md" || got.MTime != 2 {
			t.Fatalf("expected fast.md change first, got %+v", got)
		}
	case <-time.After(time.Second):
		close(release)
		<-done
		t.Fatalf("fast.md change held back by slow.md stat")
	}

	close(release)
	select {
	case got := <-events:
		if got.Path != "slow.md" || got.MTime != 2 {
			t.Fatalf("expected slow.md change, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for slow.md")
	}
	if changes := <-done; len(changes) != 2 {
		t.Fatalf("expected 2 changes from the scan, got %v", changes)
	}
}

func TestDetectorIgnoresStaleStatAfterRewatch(t *testing.T) {
	stat := newFakeStat()
	stat.set("doc.md", 100)
	registry := NewRegistry(stat, RegistryOptions{})
	registry.Watch(context.Background(), "c1", "doc.md")

	// While the scan's stat is in flight the path is dropped and watched
	// again with a newer baseline; the older result must not be reported.
	rewatching := MTimeReaderFunc(func(ctx context.Context, path string) (int64, error) {
		registry.Deregister("c1")
		stat.set(path, 200)
		if _, err := registry.Watch(ctx, "c2", path); err != nil {
			t.Errorf("rewatch: %v", err)
		}
		return 150, nil
	})
	detector := NewDetector(registry, rewatching, nil, DetectorOptions{})

	if changes := detector.Scan(context.Background()); len(changes) != 0 {
		t.Fatalf("expected stale stat to be dropped, got %v", changes)
	}
	if stored, _ := registry.Timestamp("doc.md"); stored != 200 {
		t.Fatalf("expected new baseline 200 to survive, got %d", stored)
	}
}

func TestDetectorDeferredBaselineDoesNotNotify(t *testing.T) {
	stat := newFakeStat()
	var denied atomic.Bool
	denied.Store(true)
	flaky := MTimeReaderFunc(func(ctx context.Context, path string) (int64, error) {
		if denied.Load() {
			return 0, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrPermission}
		}
		return stat.StatMTime(ctx, path)
	})
	registry := NewRegistry(flaky, RegistryOptions{})
	mtime, err := registry.Watch(context.Background(), "c1", "doc.md")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if mtime != 0 {
		t.Fatalf("expected unknown baseline to report 0, got %d", mtime)
	}
	detector := NewDetector(registry, flaky, nil, DetectorOptions{})

	detector.Scan(context.Background())
	denied.Store(false)
	stat.set("doc.md", 100)
	if changes := detector.Scan(context.Background()); len(changes) != 0 {
		t.Fatalf("expected first readable stat to become the baseline, got %v", changes)
	}
	if stored, _ := registry.Timestamp("doc.md"); stored != 100 {
		t.Fatalf("expected baseline 100, got %d", stored)
	}

	stat.set("doc.md", 200)
	changes := detector.Scan(context.Background())
	if len(changes) != 1 || changes[0].MTime != 200 {
		t.Fatalf("expected a later change to be reported, got %v", changes)
	}
}

func TestDetectorScanPathsSkipsStatForUnwatched(t *testing.T) {
	stat := newFakeStat()
	stat.set("other.md", 1)
	registry := NewRegistry(stat, RegistryOptions{})
	detector := NewDetector(registry, stat, nil, DetectorOptions{})

	detector.ScanPaths(context.Background(), []string{"other.md"})
	if calls := stat.callCount("other.md"); calls != 0 {
		t.Fatalf("expected no stat for an unwatched path, got %d", calls)
	}
}
