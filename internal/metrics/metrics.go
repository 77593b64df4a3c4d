// ABOUTME: Prometheus collectors for gateway activity.
// ABOUTME: Implements the correlator's TaskObserver so dispatch outcomes are counted without extra wiring.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/taskrelay/internal/protocol"
)

const namespace = "taskrelay"

// Registration outcomes.
const (
	RegistrationAccepted = "accepted"
	RegistrationConflict = "conflict"
	RegistrationInvalid  = "invalid"
	RegistrationRepeated = "already_registered"
)

// Metrics exposes Prometheus collectors that report gateway activity.
type Metrics struct {
	agentsConnected  prometheus.Gauge
	registrations    *prometheus.CounterVec
	heartbeats       prometheus.Counter
	tasksDispatched  prometheus.Counter
	tasksPending     prometheus.Gauge
	tasksSettled     *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	resultsDiscarded *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance and registers it with reg.
// Registration errors panic so duplicate names surface at startup. Tests
// should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "agents_connected",
			Help:      "Number of agents currently registered.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome.",
		}, []string{"outcome"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from agents.",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "dispatched_total",
			Help:      "Tasks sent to agents.",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Tasks awaiting an outcome.",
		}),
		tasksSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "settled_total",
			Help:      "Dispatches by outcome: success or the error code returned.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch to outcome.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		resultsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "results_discarded_total",
			Help:      "Results that matched no pending task, by reason (late or unknown).",
		}, []string{"reason"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped before handling, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.agentsConnected,
		m.registrations,
		m.heartbeats,
		m.tasksDispatched,
		m.tasksPending,
		m.tasksSettled,
		m.taskDuration,
		m.resultsDiscarded,
		m.messagesDropped,
	)
	return m
}

// NewRegistry returns a registry holding the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// SetAgentsConnected records the current registry size.
func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

// IncRegistration counts a registration attempt.
func (m *Metrics) IncRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// IncHeartbeat counts a received heartbeat.
func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// IncDropped counts an inbound message that could not be handled.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// TaskDispatched implements agent.TaskObserver.
func (m *Metrics) TaskDispatched(string, *protocol.Task) {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
	m.tasksPending.Inc()
}

// TaskSettled implements agent.TaskObserver.
func (m *Metrics) TaskSettled(_ string, task *protocol.Task, result *protocol.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	if task != nil {
		m.tasksPending.Dec()
	}
	outcome := Outcome(result)
	m.tasksSettled.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ResultDiscarded implements agent.TaskObserver.
func (m *Metrics) ResultDiscarded(_ string, late bool) {
	if m == nil {
		return
	}
	reason := "unknown"
	if late {
		reason = "late"
	}
	m.resultsDiscarded.WithLabelValues(reason).Inc()
}

// Outcome is the label value for a settled dispatch.
func Outcome(result *protocol.Result) string {
	if result.Success {
		return "success"
	}
	if result.ErrorCode == "" {
		return "failed"
	}
	return string(result.ErrorCode)
}
