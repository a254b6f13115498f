package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the drive core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration     prometheus.Histogram
	ticksTotal       *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	actuatorErrors   prometheus.Counter
	telemetryDropped prometheus.Counter
	groupsTotal      *prometheus.CounterVec
	groupDuration    prometheus.Histogram
	queueDepth       prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drive",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one control loop tick.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		}),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drive",
			Name:      "ticks_total",
			Help:      "Control loop ticks by control state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drive",
			Name:      "state_transitions_total",
			Help:      "Drive control state transitions by target state.",
		}, []string{"to"}),
		actuatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drive",
			Name:      "actuator_errors_total",
			Help:      "Actuator commands that could not be issued.",
		}),
		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drive",
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry frames dropped because the sink was busy or failed.",
		}),
		groupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auto",
			Name:      "groups_total",
			Help:      "Command groups run by outcome (completed, timed_out, cancelled).",
		}, []string{"outcome"}),
		groupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "auto",
			Name:      "group_duration_seconds",
			Help:      "Wall-clock time spent running a command group.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auto",
			Name:      "queue_depth",
			Help:      "Command groups waiting in the queue.",
		}),
	}

	m.registry.MustRegister(
		m.tickDuration,
		m.ticksTotal,
		m.transitions,
		m.actuatorErrors,
		m.telemetryDropped,
		m.groupsTotal,
		m.groupDuration,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTick records one control tick and how long it took.
func (m *Metrics) ObserveTick(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.ticksTotal.WithLabelValues(state).Inc()
}

// Transition counts a drive state change into state to.
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// ActuatorError counts a failed or dropped actuator command.
func (m *Metrics) ActuatorError() {
	if m == nil {
		return
	}
	m.actuatorErrors.Inc()
}

// TelemetryDropped counts a telemetry frame lost to a full buffer or a publish failure.
func (m *Metrics) TelemetryDropped() {
	if m == nil {
		return
	}
	m.telemetryDropped.Inc()
}

// GroupFinished records a command group outcome and its run time.
func (m *Metrics) GroupFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.groupsTotal.WithLabelValues(outcome).Inc()
	m.groupDuration.Observe(d.Seconds())
}

// QueueDepth sets the number of command groups waiting to run.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// GroupCounter returns the group counter for one outcome label.
func (m *Metrics) GroupCounter(outcome string) prometheus.Counter {
	return m.groupsTotal.WithLabelValues(outcome)
}
