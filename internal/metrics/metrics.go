// Package metrics exposes prometheus instrumentation for the policy
// scheduler, block transitions and the refund queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobTimeouts  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	evaluations  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	refundResult *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_scheduler_job_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_scheduler_job_errors_total",
			Help: "Scheduler job failures by job name.",
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_scheduler_job_timeouts_total",
			Help: "Scheduler jobs cut off by their deadline.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "focusgate_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_policy_evaluations_total",
			Help: "Policy evaluations by trigger (pull or sweep).",
		}, []string{"trigger"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_block_transitions_total",
			Help: "App block state transitions.",
		}, []string{"transition"}),
		refundResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focusgate_refunds_total",
			Help: "Refund executions by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.jobRuns,
		m.jobErrors,
		m.jobTimeouts,
		m.jobDuration,
		m.evaluations,
		m.transitions,
		m.refundResult,
	)
	return m
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

const (
	TriggerReport = "report"
	TriggerSweep  = "sweep"
	TriggerPull   = "pull"
)

func (m *Metrics) IncEvaluation(trigger string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(trigger).Inc()
}

const (
	TransitionBlocked   = "blocked"
	TransitionUnblocked = "unblocked"
	TransitionOverride  = "override_granted"
	TransitionExpired   = "override_expired"
)

func (m *Metrics) IncTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

const (
	RefundOutcomeProcessed  = "processed"
	RefundOutcomeFailed     = "failed"
	RefundOutcomeDeadLetter = "dead_letter"
)

func (m *Metrics) IncRefund(outcome string) {
	if m == nil {
		return
	}
	m.refundResult.WithLabelValues(outcome).Inc()
}

var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)
