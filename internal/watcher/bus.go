package watcher

import (
	"context"

	"knowhow/internal/event"
	"knowhow/internal/logging"
	"knowhow/internal/metrics"
)

const changeBusName = "watch_changes"

// NewChangeBus returns the bus that carries detected changes from the
// Detector to the Dispatcher. Publishing blocks rather than dropping so every
// detected change reaches the dispatcher in detection order.
func NewChangeBus(ctx context.Context, m *metrics.Metrics, logger *logging.Logger) *event.Bus[ChangeEvent] {
	return event.NewBus[ChangeEvent](ctx, event.BusOptions{
		Name:        changeBusName,
		BlockOnFull: true,
		Metrics:     m,
		Logger:      logger,
	})
}
