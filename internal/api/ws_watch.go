package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"knowhow/internal/fsutil"
	"knowhow/internal/logging"
	"knowhow/internal/watcher"
)

const (
	watchRoute           = "/ws/watch"
	defaultSendBuffer    = 16
	defaultPongWait      = 60 * time.Second
	maxWatchMessageBytes = 4096
)

// WatchHandler serves the live reload websocket. Each connection may watch
// one document at a time by sending {"watch": "<path>"}.
type WatchHandler struct {
	Lifecycle      *watcher.Lifecycle
	Logger         *logging.Logger
	AllowedOrigins []string
	SendBuffer     int
	// PongWait bounds how long a silent peer is kept; pings go out at 9/10
	// of it.
	PongWait time.Duration
}

type watchRequest struct {
	Watch *string `json:"watch"`
}

func (h *WatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "watch service unavailable",
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	id := watcher.NewConnectionID()
	ctx, span := startWebSocketSpan(r, watchRoute, attribute.String("knowhow.connection_id", string(id)))
	closeReason := "client_closed"
	var closeErr error
	defer func() {
		endWebSocketSpan(span, closeReason, closeErr)
	}()

	logger := h.Logger.With(map[string]string{
		"knowhow.category": "watch",
		"connection_id":    string(id),
	})
	pongWait := h.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	sendBuffer := h.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	sender := newWSSender(conn, sendBuffer, logger)
	go sender.writeLoop(pongWait * 9 / 10)

	h.Lifecycle.OnConnect(id, sender)
	defer h.Lifecycle.OnDisconnect(id)
	defer sender.Close()

	conn.SetReadLimit(maxWatchMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				closeReason, closeErr = "read_failed", err
				logger.Debug("websocket read failed", map[string]string{
					"error": err.Error(),
				})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		reply := h.handleWatchMessage(ctx, id, data, logger)
		if err := sender.Send(reply); err != nil {
			closeReason, closeErr = "reply_failed", err
			logger.Warn("watch reply not delivered", map[string]string{
				"error": err.Error(),
			})
			return
		}
	}
}

func (h *WatchHandler) handleWatchMessage(ctx context.Context, id watcher.ConnectionID, data []byte, logger *logging.Logger) watcher.Message {
	var request watchRequest
	if err := json.Unmarshal(data, &request); err != nil || request.Watch == nil {
		recordWatchRejected(ctx, "malformed_request")
		return errorMessage("expected {\"watch\": \"<path>\"}")
	}
	path, err := fsutil.NormalizeDocPath(*request.Watch)
	if err != nil {
		recordWatchRejected(ctx, "invalid_path")
		return errorMessage("invalid watch path: " + err.Error())
	}

	mtime, err := h.Lifecycle.OnWatch(ctx, id, path)
	if err != nil {
		logger.Warn("watch rejected", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		recordWatchRejected(ctx, "watch_failed")
		return errorMessage("watch failed")
	}
	recordWatchEvent(ctx, path, mtime)
	logger.Info("watching", map[string]string{
		"path": path,
	})
	return watcher.Message{Type: watcher.MessageTypeWatching, Path: path, MTime: mtime}
}

func errorMessage(message string) watcher.Message {
	return watcher.Message{Type: watcher.MessageTypeError, Message: message}
}

// wsSender is the watcher.Sender of one websocket connection. Messages are
// queued and written by a single goroutine; a full queue fails the send
// instead of blocking the caller.
type wsSender struct {
	conn      *websocket.Conn
	queue     chan watcher.Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *logging.Logger
}

func newWSSender(conn *websocket.Conn, buffer int, logger *logging.Logger) *wsSender {
	return &wsSender{
		conn:   conn,
		queue:  make(chan watcher.Message, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *wsSender) Send(message watcher.Message) error {
	select {
	case <-s.done:
		return watcher.ErrConnectionClosed
	default:
	}
	select {
	case s.queue <- message:
		return nil
	default:
		return watcher.ErrSlowConnection
	}
}

// Close stops the writer, which closes the connection and so ends the
// read loop.
func (s *wsSender) Close() error {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	if !closed {
		return watcher.ErrConnectionClosed
	}
	return nil
}

func (s *wsSender) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case message := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(message); err != nil {
				s.logger.Debug("websocket write failed", map[string]string{
					"error": err.Error(),
				})
				_ = s.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			deadline := time.Now().Add(wsWriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
