package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	executions      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	filterDecisions *prometheus.CounterVec
	channelErrors   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "executions",
				Name:      "total",
				Help:      "Pipeline executions by outcome.",
			},
			[]string{"pipeline", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipeline",
				Subsystem: "executions",
				Name:      "duration_seconds",
				Help:      "Pipeline execution duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline", "outcome"},
		),
		filterDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "filters",
				Name:      "decisions_total",
				Help:      "Filter gating decisions.",
			},
			[]string{"pipeline", "filter", "decision"},
		),
		channelErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "channels",
				Name:      "errors_total",
				Help:      "Channel errors raised during dispatch.",
			},
			[]string{"pipeline", "channel"},
		),
	}

	for _, c := range []prometheus.Collector{m.executions, m.duration, m.filterDecisions, m.channelErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordExecution records a finished execution. outcome is "complete" or "fault".
func (m *Metrics) RecordExecution(pipeline, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(pipeline, outcome).Inc()
	m.duration.WithLabelValues(pipeline, outcome).Observe(d.Seconds())
}

// RecordFilterDecision records whether a filter ran or was skipped.
func (m *Metrics) RecordFilterDecision(pipeline, filter string, executed bool) {
	if m == nil {
		return
	}
	decision := "skipped"
	if executed {
		decision = "executed"
	}
	m.filterDecisions.WithLabelValues(pipeline, filter, decision).Inc()
}

// RecordChannelError records a channel error.
func (m *Metrics) RecordChannelError(pipeline, channel string) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(pipeline, channel).Inc()
}
