package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry      *prometheus.Registry
	sessions      prometheus.Gauge
	submitsTotal  *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	rateLimited   prometheus.Counter
}

func newMetricsRegistry() *metricsRegistry {
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "croissant_sessions",
		Help: "Number of open screen sessions",
	})

	submits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "croissant_submits_total",
		Help: "Submit calls by handling result",
	}, []string{"status"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "croissant_transfer_outcomes_total",
		Help: "Completed transfer requests by final state and error kind",
	}, []string{"state", "kind"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "croissant_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(sessions, submits, outcomes, limited)

	return &metricsRegistry{
		registry:      r,
		sessions:      sessions,
		submitsTotal:  submits,
		outcomesTotal: outcomes,
		rateLimited:   limited,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) setSessions(n int) {
	m.sessions.Set(float64(n))
}

func (m *metricsRegistry) incSubmit(status string) {
	m.submitsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incOutcome(state, kind string) {
	m.outcomesTotal.WithLabelValues(state, kind).Inc()
}

func (m *metricsRegistry) incRateLimited() {
	m.rateLimited.Inc()
}
