package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Submissions       *prometheus.CounterVec
	AdmissionDecision *prometheus.CounterVec
	Claims            *prometheus.CounterVec
	Validations       *prometheus.CounterVec
	Requeues          prometheus.Counter
	Expirations       *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	Alerts            *prometheus.CounterVec
	SlotAllocations   *prometheus.CounterVec
	DuplicateSessions prometheus.Counter
	ConnectedAgents   prometheus.Gauge
	CallbackBreaker   *prometheus.GaugeVec
}

// New registers the broker collectors on reg. A nil reg gets a private registry,
// which keeps tests from colliding on the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_task_submissions_total",
			Help: "Tasks submitted, by rank and sync mode.",
		}, []string{"rank", "mode"}),

		AdmissionDecision: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_admission_decisions_total",
			Help: "Admission ceiling checks by rank and decision (admit, over_ceiling, reject).",
		}, []string{"rank", "decision"}),

		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_task_claims_total",
			Help: "Claim attempts by result (won, lost, redelivered).",
		}, []string{"result"}),

		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_validations_total",
			Help: "Capability probe outcomes (begun, validated, rejected, whitelisted, timed_out).",
		}, []string{"result"}),

		Requeues: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_task_requeues_total",
			Help: "Tasks requeued after a retry-on-other-agent outcome.",
		}),

		Expirations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_task_terminations_total",
			Help: "Tasks terminated by the broker, by reason (aborted, expired, validation_timeout).",
		}, []string{"reason"}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_response_deliveries_total",
			Help: "Final outcomes routed to requesters, by channel and code.",
		}, []string{"channel", "code"}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_alerts_total",
			Help: "Alerts raised, by kind.",
		}, []string{"kind"}),

		SlotAllocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_identity_slot_registrations_total",
			Help: "Ephemeral registrations by path (existing, token, reclaimed, allocated, exhausted).",
		}, []string{"path"}),

		DuplicateSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_duplicate_sessions_total",
			Help: "Connection sessions evicted as duplicate identities.",
		}),

		ConnectedAgents: f.NewGauge(prometheus.GaugeOpts{
			Name: "broker_streaming_sessions",
			Help: "Streaming agent sessions attached to this replica.",
		}),

		CallbackBreaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_callback_breaker_state",
			Help: "Callback circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"driver"}),
	}
}
