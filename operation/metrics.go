package operation

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks the operation manager's queue/active/retry shape.
// Registration is best-effort: if reg is nil, or the metric is already
// registered (e.g. a second Manager sharing a registry in tests), the
// Metrics still update locally, they just aren't exported.
type Metrics struct {
	Waiting    prometheus.Gauge
	Active     prometheus.Gauge
	Retries    prometheus.Counter
	Timeouts   prometheus.Counter
	QueueFull  prometheus.Counter
	Reconnects prometheus.Counter
}

// NewMetrics builds a Metrics set under namespace "esdbclient" and
// subsystem "operation", registering against reg if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "waiting",
			Help: "Operations queued but not yet dispatched.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "active",
			Help: "Operations dispatched and awaiting a response.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "retries_total",
			Help: "Operations resubmitted after a retryable failure or timeout.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "timeouts_total",
			Help: "Operations that exceeded their per-attempt timeout.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "queue_full_total",
			Help: "Enqueue attempts rejected because the waiting queue was at capacity.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esdbclient", Subsystem: "operation", Name: "reconnect_requeues_total",
			Help: "Active operations moved back to the waiting queue by a reconnect.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Waiting, m.Active, m.Retries, m.Timeouts, m.QueueFull, m.Reconnects} {
			_ = reg.Register(c) // AlreadyRegisteredError is fine: metrics still update locally
		}
	}
	return m
}
