package metrics

import (
	"net/http"
	"time"

	"github.com/hearing-system/apiserver/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a private registry. A nil
// *Metrics discards observations.
type Metrics struct {
	registry        *prometheus.Registry
	logins          *prometheus.CounterVec
	analysisAttempt *prometheus.CounterVec
	analysisBackoff prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearing",
			Name:      "logins_total",
			Help:      "Login decisions by method and outcome.",
		}, []string{"method", "outcome"}),
		analysisAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearing",
			Name:      "analysis_attempts_total",
			Help:      "Classifier attempts by outcome.",
		}, []string{"outcome"}),
		analysisBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hearing",
			Name:      "analysis_backoff_seconds",
			Help:      "Waits after rate-limited classifier attempts.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins,
		m.analysisAttempt,
		m.analysisBackoff,
	)
	return m
}

// ObserveLogin counts a login decision.
func (m *Metrics) ObserveLogin(method types.LoginMethod, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(string(method), outcome).Inc()
}

// ObserveAttempt counts a classifier attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.analysisAttempt.WithLabelValues(outcome).Inc()
}

// ObserveBackoff records a rate-limit wait.
func (m *Metrics) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.analysisBackoff.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
