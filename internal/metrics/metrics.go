// Package metrics exposes engine counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command and task outcomes
const (
	OutcomePublished  = "published"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
	OutcomeDone       = "done"
)

type Metrics struct {
	messages     prometheus.Counter
	commands     *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	entityErrors *prometheus.CounterVec
	loopDuration *prometheus.HistogramVec
}

// New registers every engine metric on reg, or on the default registerer when reg is nil
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounter(prometheus.CounterOpts{
			Name: "homecore_messages_total",
			Help: "Inbound device messages applied to the state store",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homecore_commands_total",
			Help: "Device commands by command and outcome",
		}, []string{"command", "outcome"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homecore_tasks_total",
			Help: "Deferred tasks executed by outcome",
		}, []string{"outcome"}),
		entityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "homecore_entity_errors_total",
			Help: "Automation entity cycles skipped because of an error",
		}, []string{"kind"}),
		loopDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homecore_loop_duration_seconds",
			Help:    "Duration of one engine loop iteration",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
	}
}

func (m *Metrics) Message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Task(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EntityError(kind string) {
	if m == nil {
		return
	}
	m.entityErrors.WithLabelValues(kind).Inc()
}

// ObserveLoop records how long one iteration of loop took since start
func (m *Metrics) ObserveLoop(loop string, start time.Time) {
	if m == nil {
		return
	}
	m.loopDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())
}
