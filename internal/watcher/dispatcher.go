package watcher

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

type DispatcherOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DispatchResult summarizes one fan-out.
type DispatchResult struct {
	Delivered int
	Failed    []ConnectionID
}

type attachedSender struct {
	sender Sender
	closed bool
}

// Dispatcher delivers change notifications to the connections watching a
// path. It reads subscriptions from the Registry and never blocks on a
// connection.
type Dispatcher struct {
	registry *Registry
	// notifyMu serializes Notify so every connection sees changes in
	// detection order.
	notifyMu sync.Mutex
	mutex    sync.Mutex
	senders  map[ConnectionID]*attachedSender
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(registry *Registry, options DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		senders:  make(map[ConnectionID]*attachedSender),
		logger:   options.Logger,
		metrics:  options.Metrics,
	}
}

// Attach makes sender the delivery capability of id.
func (dispatcher *Dispatcher) Attach(id ConnectionID, sender Sender) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	dispatcher.senders[id] = &attachedSender{sender: sender}
}

// Detach forgets the sender of id and reports whether one was attached.
func (dispatcher *Dispatcher) Detach(id ConnectionID) bool {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	if _, ok := dispatcher.senders[id]; !ok {
		return false
	}
	delete(dispatcher.senders, id)
	return true
}

// Connected reports whether id has a sender that has not been dropped after
// a failed delivery.
func (dispatcher *Dispatcher) Connected(id ConnectionID) bool {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	attached, ok := dispatcher.senders[id]
	return ok && !attached.closed
}

// Notify pushes a file_changed message to every current watcher of path.
// Connections whose sender fails are deregistered and closed once the
// fan-out is complete.
func (dispatcher *Dispatcher) Notify(path string, mtime int64) DispatchResult {
	dispatcher.notifyMu.Lock()
	defer dispatcher.notifyMu.Unlock()

	message := Message{Type: MessageTypeFileChanged, Path: path, MTime: mtime}
	var result DispatchResult
	for _, id := range dispatcher.registry.WatchersOf(path) {
		sender, ok := dispatcher.sender(id)
		if !ok {
			dispatcher.logger.Debug("notify skipped unknown connection", map[string]string{
				"connection_id": string(id),
				"path":          path,
			})
			continue
		}
		if err := sender.Send(message); err != nil {
			result.Failed = append(result.Failed, id)
			if dispatcher.metrics != nil {
				dispatcher.metrics.NotificationsFailed.Inc()
			}
			dispatcher.logger.Warn("notify delivery failed", map[string]string{
				"connection_id": string(id),
				"path":          path,
				"error":         err.Error(),
			})
			continue
		}
		result.Delivered++
		if dispatcher.metrics != nil {
			dispatcher.metrics.NotificationsDelivered.Inc()
		}
	}

	for _, id := range result.Failed {
		dispatcher.drop(id)
	}
	if result.Delivered > 0 || len(result.Failed) > 0 {
		dispatcher.logger.Debug("notify complete", map[string]string{
			"path":      path,
			"mtime":     formatMTime(mtime),
			"delivered": strconv.Itoa(result.Delivered),
			"failed":    strconv.Itoa(len(result.Failed)),
		})
	}
	return result
}

// Run notifies for every change received until ctx is done or changes is
// closed.
func (dispatcher *Dispatcher) Run(ctx context.Context, changes <-chan ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			dispatcher.Notify(change.Path, change.MTime)
		}
	}
}

func (dispatcher *Dispatcher) sender(id ConnectionID) (Sender, bool) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	attached, ok := dispatcher.senders[id]
	if !ok || attached.closed {
		return nil, false
	}
	return attached.sender, true
}

// drop deregisters id and closes its sender. The sender stays attached,
// marked closed, until the transport reports the disconnect.
func (dispatcher *Dispatcher) drop(id ConnectionID) {
	dispatcher.registry.Deregister(id)

	dispatcher.mutex.Lock()
	attached, ok := dispatcher.senders[id]
	if ok {
		attached.closed = true
	}
	dispatcher.mutex.Unlock()
	if !ok {
		return
	}
	closer, ok := attached.sender.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
		dispatcher.logger.Debug("close dropped connection failed", map[string]string{
			"connection_id": string(id),
			"error":         err.Error(),
		})
	}
}
