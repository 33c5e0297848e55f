// Package metrics exposes the application master's Prometheus
// instrumentation: event bus throughput/latency, container and attempt
// lifecycle counters, and RM/NM communicator health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder bundles every metric the AM's subsystems touch. A nil *Recorder
// means no metrics (internal/master passes a nil one to internal/bus when
// none is configured); packages that accept an optional recorder check for
// nil themselves (see internal/bus).
type Recorder struct {
	eventsEnqueued   *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	containerStates  *prometheus.GaugeVec
	attemptOutcomes  *prometheus.CounterVec
	rmCommunicatorOK prometheus.Gauge
	nmCommunicatorOK prometheus.Gauge
}

// New registers and returns a Recorder on reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the default global registry.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagmaster",
			Subsystem: "bus",
			Name:      "events_enqueued_total",
			Help:      "Events enqueued onto the dispatcher, by subject kind and event kind.",
		}, []string{"subject_kind", "event_kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagmaster",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because no handler was registered for their subject.",
		}, []string{"subject_kind", "event_kind"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagmaster",
			Subsystem: "bus",
			Name:      "dispatch_seconds",
			Help:      "Time spent inside a single handler invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject_kind", "event_kind"}),
		containerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dagmaster",
			Subsystem: "container",
			Name:      "state_count",
			Help:      "Number of containers currently in each state.",
		}, []string{"state"}),
		attemptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagmaster",
			Subsystem: "attempt",
			Name:      "outcomes_total",
			Help:      "Task attempt terminal outcomes.",
		}, []string{"outcome"}),
		rmCommunicatorOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dagmaster",
			Subsystem: "rm",
			Name:      "communicator_up",
			Help:      "1 if the resource-manager communicator's last call succeeded.",
		}),
		nmCommunicatorOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dagmaster",
			Subsystem: "nm",
			Name:      "communicator_up",
			Help:      "1 if the node-manager communicator's last call succeeded.",
		}),
	}

	reg.MustRegister(
		r.eventsEnqueued,
		r.eventsDropped,
		r.dispatchLatency,
		r.containerStates,
		r.attemptOutcomes,
		r.rmCommunicatorOK,
		r.nmCommunicatorOK,
	)
	return r
}

// EventEnqueued records one event entering the dispatcher's queue.
func (r *Recorder) EventEnqueued(subjectKind, eventKind string) {
	r.eventsEnqueued.WithLabelValues(subjectKind, eventKind).Inc()
}

// EventDropped records an event with no registered handler.
func (r *Recorder) EventDropped(subjectKind, eventKind string) {
	r.eventsDropped.WithLabelValues(subjectKind, eventKind).Inc()
}

// StartDispatch begins timing a handler invocation; call the returned func
// when it returns.
func (r *Recorder) StartDispatch(subjectKind, eventKind string) func() {
	start := time.Now()
	return func() {
		r.dispatchLatency.WithLabelValues(subjectKind, eventKind).Observe(time.Since(start).Seconds())
	}
}

// SetContainerState updates the gauge for a container lifecycle state. Call
// with -1 for the prior state and +1 for the new one to keep the total
// constant; simplest callers just track the delta themselves.
func (r *Recorder) SetContainerState(state string, delta float64) {
	r.containerStates.WithLabelValues(state).Add(delta)
}

// AttemptOutcome records a terminal attempt outcome ("succeeded", "failed",
// "killed").
func (r *Recorder) AttemptOutcome(outcome string) {
	r.attemptOutcomes.WithLabelValues(outcome).Inc()
}

// SetRMCommunicatorUp records resource-manager communicator health.
func (r *Recorder) SetRMCommunicatorUp(up bool) {
	r.rmCommunicatorOK.Set(boolToFloat(up))
}

// SetNMCommunicatorUp records node-manager communicator health.
func (r *Recorder) SetNMCommunicatorUp(up bool) {
	r.nmCommunicatorOK.Set(boolToFloat(up))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
