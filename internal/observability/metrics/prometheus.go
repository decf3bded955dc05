// Package metrics provides Prometheus metrics for the scheduling services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CommandsTotal         *prometheus.CounterVec
	CommandDuration       *prometheus.HistogramVec
	TransitionsTotal      *prometheus.CounterVec
	GateRejections        prometheus.Counter
	SchedulingConflicts   *prometheus.CounterVec
	VersionRetries        *prometheus.CounterVec
	DataIntegrityWarnings prometheus.Counter
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	OutboxPublished       prometheus.Counter
	ProjectedTransitions  *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec

	// Classify maps a command error to an outcome label. Defaults to
	// "ok"/"error".
	Classify func(error) string

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgery_commands_total",
			Help: "Commands handled, by scope, command and outcome",
		}, []string{"scope", "command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surgery_command_duration_seconds",
			Help:    "Command processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"scope", "command"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgery_case_transitions_total",
			Help: "Committed case state transitions",
		}, []string{"from", "to"}),
		GateRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surgery_checklist_gate_rejections_total",
			Help: "Approvals rejected by the checklist gate",
		}),
		SchedulingConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgery_scheduling_conflicts_total",
			Help: "Scheduling attempts rejected, by contended resource",
		}, []string{"resource"}),
		VersionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgery_version_conflict_retries_total",
			Help: "Optimistic concurrency retries",
		}, []string{"scope"}),
		DataIntegrityWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surgery_data_integrity_warnings_total",
			Help: "Non-blocking data integrity warnings raised by transitions",
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published",
		}),
		ProjectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgery_projected_transitions_total",
			Help: "Case events applied to the transition log, by result",
		}, []string{"result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.TransitionsTotal,
		m.GateRejections,
		m.SchedulingConflicts,
		m.VersionRetries,
		m.DataIntegrityWarnings,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxPublished,
		m.ProjectedTransitions,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// ObserveCommand records a command outcome and its duration.
func (m *Metrics) ObserveCommand(scope, command string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if m.Classify != nil {
			outcome = m.Classify(err)
		}
	}
	m.CommandsTotal.WithLabelValues(scope, command, outcome).Inc()
	m.CommandDuration.WithLabelValues(scope, command).Observe(d.Seconds())
}

// ObserveTransition counts a committed case transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveGateRejection counts an approval blocked by the checklist.
func (m *Metrics) ObserveGateRejection() {
	if m == nil {
		return
	}
	m.GateRejections.Inc()
}

// ObserveConflict counts a scheduling conflict on resource ("room",
// "person" or "concurrency").
func (m *Metrics) ObserveConflict(resource string) {
	if m == nil {
		return
	}
	m.SchedulingConflicts.WithLabelValues(resource).Inc()
}

// ObserveRetry counts an optimistic concurrency retry.
func (m *Metrics) ObserveRetry(scope string) {
	if m == nil {
		return
	}
	m.VersionRetries.WithLabelValues(scope).Inc()
}

// ObserveWarnings counts data integrity warnings.
func (m *Metrics) ObserveWarnings(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DataIntegrityWarnings.Add(float64(n))
}

// ObserveProduced counts a message published to topic.
func (m *Metrics) ObserveProduced(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.WithLabelValues(topic).Inc()
}

// ObserveConsumed counts a message consumed from topic.
func (m *Metrics) ObserveConsumed(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.WithLabelValues(topic).Inc()
}

// ObserveProjection counts a projector result ("applied", "duplicate",
// "skipped", "failed").
func (m *Metrics) ObserveProjection(result string) {
	if m == nil {
		return
	}
	m.ProjectedTransitions.WithLabelValues(result).Inc()
}

// SetOutboxPending reports the pending outbox backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveOutboxPublished counts a published outbox entry.
func (m *Metrics) ObserveOutboxPublished() {
	if m == nil {
		return
	}
	m.OutboxPublished.Inc()
}

// SetBreakerState reports a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
