// Package metrics exposes Prometheus collectors for matching runs, emails
// and decisions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockorgan-notifier/notify"
	"blockorgan-notifier/pkg/matching"
)

const namespace = "blockorgan"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry      *prometheus.Registry
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	PairsMatched  prometheus.Counter
	Emails        *prometheus.CounterVec
	Tasks         *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	LastRunUnixTS prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Matching runs by kind and outcome",
		}, []string{"kind", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time spent in matching runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		PairsMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_qualified_total",
			Help:      "Donor/recipient pairs that passed the organ filter and score threshold",
		}),
		Emails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Match emails by role and status",
		}, []string{"role", "status"}),
		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Run tasks by outcome",
		}, []string{"outcome"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decision link clicks by action and outcome",
		}, []string{"action", "outcome"}),
		LastRunUnixTS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the last successful run",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// PairQualified implements notify.Recorder.
func (m *Metrics) PairQualified() {
	m.PairsMatched.Inc()
}

// EmailAttempt implements notify.Recorder.
func (m *Metrics) EmailAttempt(role matching.Role, status matching.LogStatus) {
	m.Emails.WithLabelValues(string(role), string(status)).Inc()
}

// RunCompleted implements notify.Recorder.
func (m *Metrics) RunCompleted(kind string, s *notify.Summary, elapsed time.Duration, err error) {
	m.RunDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		m.Runs.WithLabelValues(kind, "error").Inc()
		return
	}
	m.Runs.WithLabelValues(kind, "ok").Inc()
	m.LastRunUnixTS.SetToCurrentTime()
	if s != nil {
		m.Tasks.WithLabelValues("fulfilled").Add(float64(s.Fulfilled))
		m.Tasks.WithLabelValues("rejected").Add(float64(s.Rejected))
	}
}

// Decision implements decision.Recorder.
func (m *Metrics) Decision(action, outcome string) {
	m.Decisions.WithLabelValues(action, outcome).Inc()
}
