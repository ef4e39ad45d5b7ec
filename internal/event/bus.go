// Package event provides a small typed in-process publish/subscribe bus.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

const defaultSubscriberBufferSize = 64

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// BlockOnFull makes Publish wait for slow subscribers instead of dropping.
	BlockOnFull bool
	// WriteTimeout bounds a blocking send; a subscriber that times out is removed.
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   atomic.Uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	published   atomic.Int64
	dropped     atomic.Int64
}

type subscription[T any] struct {
	id uint64
	ch chan T
}

// NewBus creates a bus that closes itself when ctx is done.
func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
// Subscribing to a closed bus yields an already closed channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.options.SubscriberBufferSize)
	id := b.nextSubID.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.removeSubscriber(id)
	}
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	if b.options.Metrics != nil {
		b.options.Metrics.BusPublished.WithLabelValues(b.options.Name).Inc()
	}

	for _, sub := range subscribers {
		if b.options.BlockOnFull {
			b.blockingSend(sub, event)
		} else {
			b.nonBlockingSend(sub, event)
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
	})
}

// SubscriberCount reports the live subscribers; /healthz shows it for the
// change bus.
func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats reports how many events were published and dropped.
func (b *Bus[T]) Stats() (published, dropped int64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) nonBlockingSend(sub subscription[T], event T) {
	delivered := b.safeSend(sub, func() bool {
		select {
		case sub.ch <- event:
			return true
		default:
			return false
		}
	})
	if !delivered {
		b.recordDrop()
	}
}

func (b *Bus[T]) blockingSend(sub subscription[T], event T) {
	delivered := b.safeSend(sub, func() bool {
		if b.options.WriteTimeout <= 0 {
			sub.ch <- event
			return true
		}
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- event:
			return true
		case <-timer.C:
			return false
		}
	})
	if !delivered {
		b.recordDrop()
		b.removeSubscriber(sub.id)
		b.options.Logger.Warn("event bus subscriber timed out", map[string]string{
			"bus": b.options.Name,
		})
	}
}

// safeSend guards against a send racing with the subscriber's channel being
// closed by cancel.
func (b *Bus[T]) safeSend(sub subscription[T], send func() bool) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			delivered = false
		}
	}()
	return send()
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(existing.ch)
	}
}

func (b *Bus[T]) recordDrop() {
	b.dropped.Add(1)
	if b.options.Metrics != nil {
		b.options.Metrics.BusDropped.WithLabelValues(b.options.Name).Inc()
	}
}
