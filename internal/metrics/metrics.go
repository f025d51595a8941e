// Package metrics exposes Prometheus instruments for the exit engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// Metrics holds all Prometheus metrics for the exit engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PassesTotal      *prometheus.CounterVec // labels: trigger
	PassDuration     prometheus.Histogram
	DecisionsTotal   *prometheus.CounterVec // labels: action, reason
	EvalErrorsTotal  prometheus.Counter
	CloseAttempts    *prometheus.CounterVec // labels: result
	CloseOutcomes    *prometheus.CounterVec // labels: action, result
	Reservations     prometheus.Gauge
	TrackedPositions prometheus.Gauge
	HostEventsTotal  *prometheus.CounterVec // labels: kind
	StreamReconnects prometheus.Counter
	ReportDrops      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them on reg. A nil reg registers on
// the default Prometheus registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitguard_passes_total",
			Help: "Evaluation passes run, by drive trigger",
		}, []string{"trigger"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitguard_pass_duration_seconds",
			Help:    "Wall time of one evaluation pass including close retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitguard_decisions_total",
			Help: "Per-position decisions, by action and skip reason",
		}, []string{"action", "reason"}),
		EvalErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitguard_evaluation_errors_total",
			Help: "Per-position evaluation errors caught inside a pass",
		}),
		CloseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitguard_close_attempts_total",
			Help: "Close commands submitted to the host, by result",
		}, []string{"result"}),
		CloseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitguard_close_outcomes_total",
			Help: "Terminal close outcomes, by trigger and result",
		}, []string{"action", "result"}),
		Reservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitguard_reservations",
			Help: "Position ids currently reserved for closing",
		}),
		TrackedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitguard_tracked_positions",
			Help: "Entries in the open-time index",
		}),
		HostEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitguard_host_events_total",
			Help: "Drive events received, by kind",
		}, []string{"kind"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitguard_stream_reconnects_total",
			Help: "Host event stream reconnection attempts",
		}),
		ReportDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitguard_report_drops_total",
			Help: "Exit events dropped because the report queue was full",
		}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		m.gatherer = reg
	}
	registerer.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.DecisionsTotal,
		m.EvalErrorsTotal,
		m.CloseAttempts,
		m.CloseOutcomes,
		m.Reservations,
		m.TrackedPositions,
		m.HostEventsTotal,
		m.StreamReconnects,
		m.ReportDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePass(trigger string, took time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(trigger).Inc()
	m.PassDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveDecision(d domain.Decision) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(d.Action), string(d.Reason)).Inc()
}

func (m *Metrics) EvalError() {
	if m == nil {
		return
	}
	m.EvalErrorsTotal.Inc()
}

func (m *Metrics) CloseAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CloseAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) CloseOutcome(o domain.CloseOutcome) {
	if m == nil {
		return
	}
	result := "failed"
	switch {
	case o.DryRun:
		result = "dry_run"
	case o.Success:
		result = "closed"
	}
	m.CloseOutcomes.WithLabelValues(o.Action.Short(), result).Inc()
}

func (m *Metrics) SetReservations(n int) {
	if m == nil {
		return
	}
	m.Reservations.Set(float64(n))
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedPositions.Set(float64(n))
}

func (m *Metrics) HostEvent(kind string) {
	if m == nil {
		return
	}
	m.HostEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) ReportDropped() {
	if m == nil {
		return
	}
	m.ReportDrops.Inc()
}
