package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments state machines. A nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	redirects   prometheus.Counter
	stale       *prometheus.CounterVec
	generations *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// NewMetrics creates the conversation metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripchat",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Phase transitions by source and target phase.",
		}, []string{"from", "to"}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tripchat",
			Subsystem: "conversation",
			Name:      "itinerary_redirects_total",
			Help:      "Transitions redirected to itinerary advice to keep a displayed itinerary.",
		}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripchat",
			Subsystem: "conversation",
			Name:      "stale_results_total",
			Help:      "Async results discarded because their chat state moved on.",
		}, []string{"kind"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripchat",
			Subsystem: "conversation",
			Name:      "generations_total",
			Help:      "Itinerary generation outcomes.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripchat",
			Subsystem: "conversation",
			Name:      "active_sessions",
			Help:      "Live chat sessions held in memory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.redirects, m.stale, m.generations, m.sessions)
	}
	return m
}

func (m *Metrics) transition(from, to Phase) {
	if m != nil {
		m.transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (m *Metrics) redirect() {
	if m != nil {
		m.redirects.Inc()
	}
}

func (m *Metrics) staleResult(kind string) {
	if m != nil {
		m.stale.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) generation(outcome string) {
	if m != nil {
		m.generations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}
