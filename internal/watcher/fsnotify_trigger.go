package watcher

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"knowhow/internal/fsutil"
	"knowhow/internal/logging"
)

const triggerBufferSize = 64

// fsTrigger wakes the Detector early when fsnotify reports activity on a
// watched document. It watches parent directories rather than the files so
// that editors saving through a temp file and rename are still seen.
// Delivery is best effort: polling remains the source of truth.
type fsTrigger struct {
	mutex     sync.Mutex
	root      string
	watcher   *fsnotify.Watcher
	dirs      map[string]struct{}
	wanted    map[string]struct{}
	debouncer *debouncer
	output    chan string
	done      chan struct{}
	closeOnce sync.Once
	logger    *logging.Logger
}

func newFSTrigger(root string, debounce time.Duration, logger *logging.Logger) (*fsTrigger, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	trigger := &fsTrigger{
		root:      absRoot,
		watcher:   watcher,
		dirs:      make(map[string]struct{}),
		wanted:    make(map[string]struct{}),
		debouncer: newDebouncer(debounce),
		output:    make(chan string, triggerBufferSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go trigger.run()
	return trigger, nil
}

// Events delivers document paths that may have changed.
func (trigger *fsTrigger) Events() <-chan string {
	return trigger.output
}

// sync makes the set of watched directories match paths.
func (trigger *fsTrigger) sync(paths []string) {
	wanted := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		wanted[path] = struct{}{}
		dirs[filepath.Dir(fsutil.JoinRoot(trigger.root, path))] = struct{}{}
	}

	trigger.mutex.Lock()
	trigger.wanted = wanted
	var added, removed []string
	for dir := range dirs {
		if _, ok := trigger.dirs[dir]; !ok {
			added = append(added, dir)
		}
	}
	for dir := range trigger.dirs {
		if _, ok := dirs[dir]; !ok {
			removed = append(removed, dir)
		}
	}
	trigger.mutex.Unlock()

	for _, dir := range removed {
		if err := trigger.watcher.Remove(dir); err != nil {
			trigger.logger.Debug("fsnotify remove failed", map[string]string{
				"dir":   dir,
				"error": err.Error(),
			})
		}
		trigger.mutex.Lock()
		delete(trigger.dirs, dir)
		trigger.mutex.Unlock()
	}
	for _, dir := range added {
		// A missing directory is retried on the next sync.
		if err := trigger.watcher.Add(dir); err != nil {
			trigger.logger.Debug("fsnotify add failed", map[string]string{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		trigger.mutex.Lock()
		trigger.dirs[dir] = struct{}{}
		trigger.mutex.Unlock()
	}
}

func (trigger *fsTrigger) run() {
	for {
		select {
		case event, ok := <-trigger.watcher.Events:
			if !ok {
				return
			}
			trigger.handleEvent(event)
		case err, ok := <-trigger.watcher.Errors:
			if !ok {
				return
			}
			trigger.logger.Warn("fsnotify error", map[string]string{
				"error": err.Error(),
			})
		case <-trigger.done:
			return
		}
	}
}

func (trigger *fsTrigger) handleEvent(event fsnotify.Event) {
	if event.Op == 0 || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	rel, err := filepath.Rel(trigger.root, event.Name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	path := filepath.ToSlash(rel)

	trigger.mutex.Lock()
	_, wanted := trigger.wanted[path]
	trigger.mutex.Unlock()
	if !wanted {
		return
	}
	trigger.debouncer.schedule(path, trigger.flush)
}

func (trigger *fsTrigger) flush(path string) {
	select {
	case trigger.output <- path:
	case <-trigger.done:
	default:
		trigger.logger.Debug("fsnotify trigger dropped", map[string]string{
			"path": path,
		})
	}
}

func (trigger *fsTrigger) close() error {
	var err error
	trigger.closeOnce.Do(func() {
		close(trigger.done)
		trigger.debouncer.stop()
		err = trigger.watcher.Close()
	})
	return err
}
