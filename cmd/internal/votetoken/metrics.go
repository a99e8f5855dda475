package votetoken

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquire outcomes recorded by Metrics.
const (
	resultCacheHit       = "cache_hit"
	resultIssued         = "issued"
	resultConflictCached = "conflict_cached"
	resultConflict       = "conflict"
	resultError          = "error"
)

// Metrics counts Acquire outcomes.
type Metrics struct {
	acquire *prometheus.CounterVec
}

// NewMetrics registers the token counters on reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urna",
			Name:      "token_acquire_total",
			Help:      "Voting token acquisitions by outcome.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.acquire); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.acquire = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return m, nil
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.acquire.WithLabelValues(result).Inc()
}
