// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "knowhow"

type Metrics struct {
	ConnectionsActive      prometheus.Gauge
	WatchedPaths           prometheus.Gauge
	WatchRequests          prometheus.Counter
	ChangesDetected        prometheus.Counter
	NotificationsDelivered prometheus.Counter
	NotificationsFailed    prometheus.Counter
	StatErrors             prometheus.Counter
	ScanDuration           prometheus.Histogram
	BusPublished           *prometheus.CounterVec
	BusDropped             *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live websocket connections.",
		}),
		WatchedPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_paths",
			Help:      "Distinct source paths with at least one watcher.",
		}),
		WatchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_requests_total",
			Help:      "Watch requests received from clients.",
		}),
		ChangesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_detected_total",
			Help:      "Modification time changes observed on watched paths.",
		}),
		NotificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Change notifications handed to a connection.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Change notifications that could not be handed to a connection.",
		}),
		StatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_errors_total",
			Help:      "Failed or timed out modification time reads.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of a change detector scan.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on an internal event bus.",
		}, []string{"bus"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events an internal event bus could not hand to a subscriber.",
		}, []string{"bus"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.WatchedPaths,
			m.WatchRequests,
			m.ChangesDetected,
			m.NotificationsDelivered,
			m.NotificationsFailed,
			m.StatErrors,
			m.ScanDuration,
			m.BusPublished,
			m.BusDropped,
		)
	}
	return m
}
