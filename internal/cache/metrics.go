package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache outcomes per endpoint. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	shared   *prometheus.CounterVec
	bypassed *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates the cache counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	newVec := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripchat",
			Subsystem: "external_cache",
			Name:      name,
			Help:      help,
		}, []string{"endpoint"})
	}

	m := &Metrics{
		hits:     newVec("hits_total", "Fresh cache hits."),
		misses:   newVec("misses_total", "Cache misses, including expired entries."),
		shared:   newVec("shared_total", "Callers that joined an in-flight upstream call."),
		bypassed: newVec("bypassed_total", "Requests that could not be keyed and skipped the cache."),
		errors:   newVec("upstream_errors_total", "Failed upstream calls."),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.shared, m.bypassed, m.errors)
	}
	return m
}

func (m *Metrics) hit(endpoint string) {
	if m != nil {
		m.hits.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) miss(endpoint string) {
	if m != nil {
		m.misses.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) sharedWait(endpoint string) {
	if m != nil {
		m.shared.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) bypass(endpoint string) {
	if m != nil {
		m.bypassed.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) upstreamError(endpoint string) {
	if m != nil {
		m.errors.WithLabelValues(endpoint).Inc()
	}
}
