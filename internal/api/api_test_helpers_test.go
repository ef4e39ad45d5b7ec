package api

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"knowhow/internal/event"
	"knowhow/internal/filestate"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
	"knowhow/internal/render"
	"knowhow/internal/watcher"
)

type testStack struct {
	root       string
	server     *httptest.Server
	registry   *watcher.Registry
	dispatcher *watcher.Dispatcher
	detector   *watcher.Detector
	changes    *event.Bus[watcher.ChangeEvent]
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	root := t.TempDir()
	logger := logging.NewLoggerWithOutput(logging.NewBuffer(100), logging.LevelDebug, nil)
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	tracker := filestate.NewTracker(root, 0)
	registry := watcher.NewRegistry(tracker, watcher.RegistryOptions{Logger: logger, Metrics: m})
	dispatcher := watcher.NewDispatcher(registry, watcher.DispatcherOptions{Logger: logger, Metrics: m})
	lifecycle := watcher.NewLifecycle(registry, dispatcher, watcher.LifecycleOptions{Logger: logger, Metrics: m})
	busCtx, closeBus := context.WithCancel(context.Background())
	t.Cleanup(closeBus)
	changes := watcher.NewChangeBus(busCtx, m, logger)

	router := NewRouter(RouterConfig{
		Lifecycle: lifecycle,
		Registry:  registry,
		Renderer:  render.NewRenderer(root, render.Options{Logger: logger}),
		ChangeBus: changes,
		Gatherer:  promRegistry,
		Logger:    logger,
		Started:   time.Now(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testStack{
		root:       root,
		server:     server,
		registry:   registry,
		dispatcher: dispatcher,
		detector:   watcher.NewDetector(registry, tracker, changes, watcher.DetectorOptions{}),
		changes:    changes,
		metrics:    m,
		logger:     logger,
	}
}

func (s *testStack) writeFile(t *testing.T, name, content string, modTime time.Time) {
	t.Helper()
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func (s *testStack) touch(t *testing.T, name string, modTime time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(s.root, filepath.FromSlash(name)), modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

// poll runs one detector scan and dispatches what it finds. Nothing reads
// the change bus here, so publishing only moves its counters.
func (s *testStack) poll() {
	for _, change := range s.detector.Scan(context.Background()) {
		s.dispatcher.Notify(change.Path, change.MTime)
	}
}

func (s *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + watchRoute
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testStack) waitForConnections(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Stats().Connections == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d registered connections, got %d", want, s.registry.Stats().Connections)
}

func sendWatch(t *testing.T, conn *websocket.Conn, path string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"watch": path}); err != nil {
		t.Fatalf("send watch: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) watcher.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var message watcher.Message
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return message
}

func expectNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var message watcher.Message
	if err := conn.ReadJSON(&message); err == nil {
		t.Fatalf("expected no message, got %+v", message)
	}
}
