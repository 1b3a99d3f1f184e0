// Package metrics exposes sync and capture counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "changesync"

type Metrics struct {
	syncPasses   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	applied      *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	applyErrors  *prometheus.CounterVec
	captured     *prometheus.CounterVec
	cursor       *prometheus.GaugeVec
	subscribers  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by peer and result.",
		}, []string{"peer", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of a full bidirectional sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"peer"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_applied_total",
			Help:      "Replicated entries written locally.",
		}, []string{"peer", "table"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Replicated entries skipped by conflict resolution.",
		}, []string{"peer", "table"}),
		applyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_errors_total",
			Help:      "Table passes aborted by an apply failure.",
		}, []string{"peer", "table"}),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_entries_total",
			Help:      "Change log entries appended by local writes.",
		}, []string{"table"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_cursor",
			Help:      "Last applied logical time per peer and table.",
		}, []string{"peer", "table"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Open live feed streams.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.syncPasses, m.syncDuration, m.applied, m.skipped, m.applyErrors, m.captured, m.cursor, m.subscribers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SyncPass(peer string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncPasses.WithLabelValues(peer, result).Inc()
	m.syncDuration.WithLabelValues(peer).Observe(d.Seconds())
}

func (m *Metrics) Applied(peer, table string, applied, skipped int) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(peer, table).Add(float64(applied))
	m.skipped.WithLabelValues(peer, table).Add(float64(skipped))
}

func (m *Metrics) ApplyError(peer, table string) {
	if m == nil {
		return
	}
	m.applyErrors.WithLabelValues(peer, table).Inc()
}

func (m *Metrics) Captured(table string, n int) {
	if m == nil {
		return
	}
	m.captured.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) Cursor(peer, table string, logicalTime int64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(peer, table).Set(float64(logicalTime))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
