package interceptor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats tracks interception statistics
type Stats struct {
	mu              sync.RWMutex
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Puts            int64 `json:"puts"`
	Errors          int64 `json:"errors"`
	Bypasses        int64 `json:"bypasses"`
	NetworkFetches  int64 `json:"network_fetches"`
	NetworkFailures int64 `json:"network_failures"`
	OfflinePayloads int64 `json:"offline_payloads"`
	Fallbacks       int64 `json:"fallbacks"`
}

func (s *Stats) add(field *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field++
}

func (s *Stats) snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Hits:            s.Hits,
		Misses:          s.Misses,
		Puts:            s.Puts,
		Errors:          s.Errors,
		Bypasses:        s.Bypasses,
		NetworkFetches:  s.NetworkFetches,
		NetworkFailures: s.NetworkFailures,
		OfflinePayloads: s.OfflinePayloads,
		Fallbacks:       s.Fallbacks,
	}
}

// Metrics are the Prometheus collectors of the interceptor
type Metrics struct {
	responses *prometheus.CounterVec
	network   *prometheus.CounterVec
	cacheOps  *prometheus.CounterVec
}

// NewMetrics registers the interceptor collectors on reg; a nil reg keeps
// them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liturgia",
			Subsystem: "interceptor",
			Name:      "responses_total",
			Help:      "Intercepted responses by request class and source.",
		}, []string{"class", "source"}),
		network: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liturgia",
			Subsystem: "interceptor",
			Name:      "network_fetches_total",
			Help:      "Network fetches by outcome.",
		}, []string{"outcome"}),
		cacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liturgia",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache store operations by kind and outcome.",
		}, []string{"op", "outcome"}),
	}
}

func (m *Metrics) response(class Class, source Source) {
	if m != nil {
		m.responses.WithLabelValues(class.String(), string(source)).Inc()
	}
}

func (m *Metrics) fetch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.network.WithLabelValues("ok").Inc()
	} else {
		m.network.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) cacheOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cacheOps.WithLabelValues(op, outcome).Inc()
}
