package kiosk

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts gateway outcomes.
type metrics struct {
	ballots *prometheus.CounterVec
	events  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, registry *Registry) (*metrics, error) {
	m := &metrics{
		ballots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urna",
			Subsystem: "kiosk",
			Name:      "ballots_total",
			Help:      "Ballot creation requests by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urna",
			Subsystem: "kiosk",
			Name:      "events_total",
			Help:      "Voter events dispatched by type and result.",
		}, []string{"type", "result"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.ballots, err = registerCounterVec(reg, m.ballots); err != nil {
		return nil, err
	}
	if m.events, err = registerCounterVec(reg, m.events); err != nil {
		return nil, err
	}
	open := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "urna",
		Subsystem: "kiosk",
		Name:      "open_ballots",
		Help:      "Ballots that are not yet completed or aborted.",
	}, func() float64 {
		_, n := registry.Len()
		return float64(n)
	})
	if err := reg.Register(open); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		return are.ExistingCollector.(*prometheus.CounterVec), nil
	}
	return c, nil
}

func (m *metrics) ballot(result string) {
	if m == nil {
		return
	}
	m.ballots.WithLabelValues(result).Inc()
}

func (m *metrics) event(typ string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.events.WithLabelValues(typ, result).Inc()
}
