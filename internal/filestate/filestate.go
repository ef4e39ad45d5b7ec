// Package filestate reads source document modification times.
package filestate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"knowhow/internal/fsutil"
)

const DefaultStatTimeout = 2 * time.Second

var (
	ErrNotFound = errors.New("file not found")
	ErrTimeout  = errors.New("stat timed out")
)

// Tracker stats document paths relative to a root directory.
type Tracker struct {
	root    string
	timeout time.Duration
	stat    func(string) (os.FileInfo, error)
}

func NewTracker(root string, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultStatTimeout
	}
	return &Tracker{root: root, timeout: timeout, stat: os.Stat}
}

func (t *Tracker) Root() string {
	return t.root
}

// MTime converts a modification time to the integer form carried in
// notifications and rendered pages.
func MTime(modTime time.Time) int64 {
	return modTime.UnixMilli()
}

// StatMTime returns the modification time of docPath in epoch milliseconds.
// A slow filesystem cannot hold the caller past the tracker timeout; the
// abandoned stat finishes in the background.
func (t *Tracker) StatMTime(ctx context.Context, docPath string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fullPath := fsutil.JoinRoot(t.root, docPath)

	type result struct {
		mtime int64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		info, err := t.stat(fullPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s", ErrNotFound, docPath)
			}
			done <- result{err: err}
			return
		}
		if info.IsDir() {
			done <- result{err: fmt.Errorf("%w: %s is a directory", ErrNotFound, docPath)}
			return
		}
		done <- result{mtime: MTime(info.ModTime())}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.mtime, res.err
	case <-timer.C:
		return 0, fmt.Errorf("%w after %s: %s", ErrTimeout, t.timeout, docPath)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
