package watcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	MessageTypeFileChanged = "file_changed"
	MessageTypeWatching    = "watching"
	MessageTypeError       = "error"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSlowConnection    = errors.New("connection send buffer full")
	ErrConnectionClosed  = errors.New("connection closed")
)

// ConnectionID identifies one live client connection.
type ConnectionID string

// NewConnectionID returns a fresh, lexically sortable connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(ulid.Make().String())
}

// ChangeEvent is raised by the Detector when a watched path's modification
// time differs from the last known value.
type ChangeEvent struct {
	Path       string
	MTime      int64
	DetectedAt time.Time
}

// Message is the payload pushed to a connection.
type Message struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	MTime   int64  `json:"mtime"`
	Message string `json:"message,omitempty"`
}

// Sender pushes messages to a single connection. Send must not block; a
// connection that cannot accept a message returns an error.
type Sender interface {
	Send(Message) error
}

// MTimeReader reads the current modification time of a watched path.
type MTimeReader interface {
	StatMTime(ctx context.Context, path string) (int64, error)
}

// MTimeReaderFunc adapts a function to MTimeReader.
type MTimeReaderFunc func(ctx context.Context, path string) (int64, error)

func (f MTimeReaderFunc) StatMTime(ctx context.Context, path string) (int64, error) {
	return f(ctx, path)
}

func formatMTime(mtime int64) string {
	return strconv.FormatInt(mtime, 10)
}
