package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of filesystem events per path into one flush.
type debouncer struct {
	mutex    sync.Mutex
	duration time.Duration
	timers   map[string]*time.Timer
	stopped  bool
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		timers:   make(map[string]*time.Timer),
	}
}

// schedule arms or re-arms the timer for path. It reports whether an earlier
// pending event for the same path was coalesced.
func (debouncer *debouncer) schedule(path string, flush func(string)) bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.stopped {
		return false
	}

	if timer, ok := debouncer.timers[path]; ok {
		timer.Reset(debouncer.duration)
		return true
	}
	debouncer.timers[path] = time.AfterFunc(debouncer.duration, func() {
		debouncer.mutex.Lock()
		delete(debouncer.timers, path)
		stopped := debouncer.stopped
		debouncer.mutex.Unlock()
		if !stopped {
			flush(path)
		}
	})
	return false
}

func (debouncer *debouncer) stop() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	debouncer.stopped = true
	for path, timer := range debouncer.timers {
		timer.Stop()
		delete(debouncer.timers, path)
	}
}
