package watcher

import (
	"context"

	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

type LifecycleOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Lifecycle turns transport events into registry and dispatcher calls.
type Lifecycle struct {
	registry   *Registry
	dispatcher *Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

func NewLifecycle(registry *Registry, dispatcher *Dispatcher, options LifecycleOptions) *Lifecycle {
	return &Lifecycle{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     options.Logger,
		metrics:    options.Metrics,
	}
}

func (lifecycle *Lifecycle) OnConnect(id ConnectionID, sender Sender) {
	lifecycle.dispatcher.Attach(id, sender)
	if lifecycle.metrics != nil {
		lifecycle.metrics.ConnectionsActive.Inc()
	}
	lifecycle.logger.Debug("connection opened", map[string]string{
		"connection_id": string(id),
	})
}

// OnWatch subscribes id to path and returns the stored modification time.
func (lifecycle *Lifecycle) OnWatch(ctx context.Context, id ConnectionID, path string) (int64, error) {
	if !lifecycle.dispatcher.Connected(id) {
		return 0, ErrUnknownConnection
	}
	if lifecycle.metrics != nil {
		lifecycle.metrics.WatchRequests.Inc()
	}
	return lifecycle.registry.Watch(ctx, id, path)
}

// OnDisconnect purges all state of id. Calling it for an unknown or already
// disconnected id does nothing.
func (lifecycle *Lifecycle) OnDisconnect(id ConnectionID) {
	lifecycle.registry.Deregister(id)
	if !lifecycle.dispatcher.Detach(id) {
		return
	}
	if lifecycle.metrics != nil {
		lifecycle.metrics.ConnectionsActive.Dec()
	}
	lifecycle.logger.Debug("connection closed", map[string]string{
		"connection_id": string(id),
	})
}
