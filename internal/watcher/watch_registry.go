package watcher

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"knowhow/internal/filestate"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

type pathState struct {
	watchers map[ConnectionID]struct{}
	// mtime is the last observed modification time; 0 when the file was
	// missing at baseline.
	mtime int64
	// generation changes every time the path starts being watched afresh, so
	// a scan that began before the path was dropped cannot touch its
	// successor.
	generation uint64
	// baselinePending is set when the baseline stat failed for a reason
	// other than the file missing. The next successful stat becomes the
	// baseline without a notification.
	baselinePending bool
}

// watchedPath is a path together with the generation it had when a scan
// snapshotted it.
type watchedPath struct {
	path       string
	generation uint64
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Registry maps connections to the single path each one watches and keeps
// the last known modification time of every watched path.
type Registry struct {
	mutex       sync.Mutex
	stat        MTimeReader
	connections map[ConnectionID]string
	paths       map[string]*pathState
	generation  uint64
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// RegistryStats is a point-in-time view of registry size.
type RegistryStats struct {
	Connections int `json:"connections"`
	Paths       int `json:"paths"`
}

func NewRegistry(stat MTimeReader, options RegistryOptions) *Registry {
	return &Registry{
		stat:        stat,
		connections: make(map[ConnectionID]string),
		paths:       make(map[string]*pathState),
		logger:      options.Logger,
		metrics:     options.Metrics,
	}
}

// Watch subscribes id to path, replacing any earlier subscription of id. The
// first watcher of a path records its on-disk modification time as the
// baseline. It returns the modification time currently stored for path.
func (registry *Registry) Watch(ctx context.Context, id ConnectionID, path string) (int64, error) {
	if id == "" {
		return 0, errors.New("connection id is required")
	}
	if path == "" {
		return 0, errors.New("path is required")
	}

	registry.mutex.Lock()
	if current, ok := registry.connections[id]; ok && current == path {
		mtime := registry.paths[path].mtime
		registry.mutex.Unlock()
		return mtime, nil
	}
	if state, ok := registry.paths[path]; ok {
		defer registry.mutex.Unlock()
		return registry.attachLocked(id, path, state), nil
	}
	registry.mutex.Unlock()

	// The baseline stat runs unlocked so a slow filesystem cannot stall
	// other callers.
	var baseline int64
	pending := false
	if registry.stat != nil {
		mtime, err := registry.stat.StatMTime(ctx, path)
		switch {
		case err == nil:
			baseline = mtime
		case errors.Is(err, filestate.ErrNotFound):
			registry.logger.Debug("watched file missing at baseline", map[string]string{
				"path": path,
			})
		default:
			pending = true
			registry.logger.Warn("watch baseline unavailable, deferring to next scan", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	// Another watcher may have created the path while the stat ran; its
	// state wins since it is at least as fresh.
	state, ok := registry.paths[path]
	if !ok {
		registry.generation++
		state = &pathState{
			watchers:        make(map[ConnectionID]struct{}),
			mtime:           baseline,
			generation:      registry.generation,
			baselinePending: pending,
		}
		registry.paths[path] = state
	}
	return registry.attachLocked(id, path, state), nil
}

func (registry *Registry) attachLocked(id ConnectionID, path string, state *pathState) int64 {
	registry.removeLocked(id)
	state.watchers[id] = struct{}{}
	registry.connections[id] = path
	registry.updateGaugeLocked()

	registry.logger.Debug("watch added", map[string]string{
		"connection_id": string(id),
		"path":          path,
		"watchers":      strconv.Itoa(len(state.watchers)),
	})
	return state.mtime
}

// Deregister drops the subscription of id. It reports whether id had one.
func (registry *Registry) Deregister(id ConnectionID) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	path, removed := registry.removeLocked(id)
	if !removed {
		return false
	}
	registry.updateGaugeLocked()
	registry.logger.Debug("watch removed", map[string]string{
		"connection_id": string(id),
		"path":          path,
	})
	return true
}

// WatchersOf returns the connections currently watching path, sorted.
func (registry *Registry) WatchersOf(path string) []ConnectionID {
	registry.mutex.Lock()
	state, ok := registry.paths[path]
	if !ok {
		registry.mutex.Unlock()
		return nil
	}
	ids := make([]ConnectionID, 0, len(state.watchers))
	for id := range state.watchers {
		ids = append(ids, id)
	}
	registry.mutex.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllWatchedPaths returns every path with at least one watcher, sorted.
func (registry *Registry) AllWatchedPaths() []string {
	registry.mutex.Lock()
	paths := make([]string, 0, len(registry.paths))
	for path := range registry.paths {
		paths = append(paths, path)
	}
	registry.mutex.Unlock()

	sort.Strings(paths)
	return paths
}

// WatchedPath returns the path id currently watches.
func (registry *Registry) WatchedPath(id ConnectionID) (string, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	path, ok := registry.connections[id]
	return path, ok
}

// Timestamp returns the last known modification time of a watched path.
func (registry *Registry) Timestamp(path string) (int64, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	state, ok := registry.paths[path]
	if !ok {
		return 0, false
	}
	return state.mtime, true
}

// Advance stores mtime for path if it differs from the stored value. It
// returns false when nothing changed or the path is no longer watched. A
// deferred baseline is filled in silently.
func (registry *Registry) Advance(path string, mtime int64) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	state, ok := registry.paths[path]
	if !ok {
		return false
	}
	return state.advance(mtime)
}

// advanceWatched is Advance for a path snapshotted by a scan. It refuses to
// touch the path if it was dropped and watched again since the snapshot.
func (registry *Registry) advanceWatched(target watchedPath, mtime int64) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	state, ok := registry.paths[target.path]
	if !ok || state.generation != target.generation {
		return false
	}
	return state.advance(mtime)
}

func (state *pathState) advance(mtime int64) bool {
	if state.baselinePending {
		state.baselinePending = false
		state.mtime = mtime
		return false
	}
	if state.mtime == mtime {
		return false
	}
	state.mtime = mtime
	return true
}

// snapshot returns the watched subset of paths with their generations, or
// every watched path, sorted, when paths is nil.
func (registry *Registry) snapshot(paths []string) []watchedPath {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if paths == nil {
		targets := make([]watchedPath, 0, len(registry.paths))
		for path, state := range registry.paths {
			targets = append(targets, watchedPath{path: path, generation: state.generation})
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].path < targets[j].path })
		return targets
	}
	targets := make([]watchedPath, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		state, ok := registry.paths[path]
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		targets = append(targets, watchedPath{path: path, generation: state.generation})
	}
	return targets
}

func (registry *Registry) Stats() RegistryStats {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return RegistryStats{
		Connections: len(registry.connections),
		Paths:       len(registry.paths),
	}
}

func (registry *Registry) removeLocked(id ConnectionID) (string, bool) {
	path, ok := registry.connections[id]
	if !ok {
		return "", false
	}
	delete(registry.connections, id)
	if state, ok := registry.paths[path]; ok {
		delete(state.watchers, id)
		if len(state.watchers) == 0 {
			delete(registry.paths, path)
		}
	}
	return path, true
}

func (registry *Registry) updateGaugeLocked() {
	if registry.metrics == nil {
		return
	}
	registry.metrics.WatchedPaths.Set(float64(len(registry.paths)))
}
