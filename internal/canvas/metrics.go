package canvas

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine activity. All recorder methods are nil-safe so a
// store built without metrics costs nothing.
type Metrics struct {
	OperationsTotal      *prometheus.CounterVec
	LockConflictsTotal   prometheus.Counter
	EventsPublishedTotal prometheus.Counter
	ActiveSubscribers    prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasd_operations_total",
				Help: "Total committed canvas mutations by kind",
			}, []string{"kind"}),
			LockConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_lock_conflicts_total",
				Help: "Total lock acquisitions refused because another user holds the lock",
			}),
			EventsPublishedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_events_published_total",
				Help: "Total events published on the broadcast bus",
			}),
			ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasd_active_subscribers",
				Help: "Current number of connected event feed subscribers",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) RecordOperation(kind string) {
	if m == nil || m.OperationsTotal == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLockConflict() {
	if m == nil || m.LockConflictsTotal == nil {
		return
	}
	m.LockConflictsTotal.Inc()
}

func (m *Metrics) RecordEventPublished() {
	if m == nil || m.EventsPublishedTotal == nil {
		return
	}
	m.EventsPublishedTotal.Inc()
}

func (m *Metrics) SubscriberConnected() {
	if m == nil || m.ActiveSubscribers == nil {
		return
	}
	m.ActiveSubscribers.Inc()
}

func (m *Metrics) SubscriberDisconnected() {
	if m == nil || m.ActiveSubscribers == nil {
		return
	}
	m.ActiveSubscribers.Dec()
}
