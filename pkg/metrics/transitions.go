package metrics

import "github.com/prometheus/client_golang/prometheus"

// TransitionMetrics counts escrow state machine outcomes.
type TransitionMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewTransitionMetrics registers the transition counters on the provided registerer.
func NewTransitionMetrics(reg prometheus.Registerer) *TransitionMetrics {
	if reg == nil {
		return &TransitionMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow state transitions by event and outcome.",
	}, []string{"event", "outcome"})
	reg.MustRegister(outcomes)
	return &TransitionMetrics{outcomes: outcomes}
}

// IncApplied records a committed transition for the event.
func (t *TransitionMetrics) IncApplied(event string) {
	t.inc(event, "applied")
}

// IncRejected records a transition refused by the rule table.
func (t *TransitionMetrics) IncRejected(event string) {
	t.inc(event, "rejected")
}

// IncConflict records a transition lost to a concurrent writer.
func (t *TransitionMetrics) IncConflict(event string) {
	t.inc(event, "conflict")
}

func (t *TransitionMetrics) inc(event, outcome string) {
	if t == nil || t.outcomes == nil {
		return
	}
	t.outcomes.WithLabelValues(normalizeLabel(event), outcome).Inc()
}
