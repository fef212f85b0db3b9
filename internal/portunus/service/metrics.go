package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LogFetches       *prometheus.CounterVec
	LogFetchLatency  *prometheus.HistogramVec
	StaleResponses   *prometheus.CounterVec
	ViewSize         prometheus.Gauge
	ScansRecorded    *prometheus.CounterVec
	Provisioning     *prometheus.CounterVec
	ProvisionLatency prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LogFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_log_fetches_total",
				Help: "Remote log fetches by kind and status.",
			},
			[]string{"kind", "status"},
		),
		LogFetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_log_fetch_duration_seconds",
				Help:    "Remote log fetch duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		StaleResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_stale_responses_total",
				Help: "Responses discarded because a newer request was issued or the view was torn down.",
			},
			[]string{"kind"},
		),
		ViewSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gate_log_view_records",
				Help: "Records in the current reconciled view.",
			},
		),
		ScansRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_scans_recorded_total",
				Help: "Verification scans recorded, by result and remote status.",
			},
			[]string{"result", "status"},
		),
		Provisioning: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_provisioning_outcomes_total",
				Help: "Provisioning sessions by final state.",
			},
			[]string{"state"},
		),
		ProvisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gate_provisioning_duration_seconds",
				Help:    "Time from scan to a settled provisioning state.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.LogFetches, m.LogFetchLatency, m.StaleResponses, m.ViewSize,
		m.ScansRecorded, m.Provisioning, m.ProvisionLatency,
	)
	return m
}

func (m *Metrics) observeFetch(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LogFetches.WithLabelValues(kind, status).Inc()
	m.LogFetchLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) stale(kind string) {
	if m == nil {
		return
	}
	m.StaleResponses.WithLabelValues(kind).Inc()
}

func (m *Metrics) viewSize(n int) {
	if m == nil {
		return
	}
	m.ViewSize.Set(float64(n))
}

func (m *Metrics) scan(result, status string) {
	if m == nil {
		return
	}
	m.ScansRecorded.WithLabelValues(result, status).Inc()
}

func (m *Metrics) provisioned(state ProvisioningState, d time.Duration) {
	if m == nil {
		return
	}
	m.Provisioning.WithLabelValues(string(state)).Inc()
	m.ProvisionLatency.Observe(d.Seconds())
}
