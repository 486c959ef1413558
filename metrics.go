package schild

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts events by name and authenticator alias
type PrometheusSink struct {
	events *prometheus.CounterVec
}

// NewPrometheusSink registers the schild_auth_events_total counter on reg,
// prometheus.DefaultRegisterer when reg is nil
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schild",
		Name:      "auth_events_total",
		Help:      "Authentication events by event name and authenticator.",
	}, []string{"event", "alias"})

	if err := reg.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return &PrometheusSink{events: existing}, nil
			}
		}
		return nil, wrapInternal(err, "register auth event counter")
	}

	return &PrometheusSink{events: events}, nil
}

func (p *PrometheusSink) Record(_ context.Context, event Event) error {
	p.events.WithLabelValues(event.Name, event.Alias).Inc()
	return nil
}
