package core

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's socket counters.
type Metrics struct {
	Users       prometheus.Gauge
	Connections prometheus.Gauge
	EventsIn    *prometheus.CounterVec
	EventsOut   *prometheus.CounterVec
	Dropped     prometheus.Counter
	Malformed   prometheus.Counter
}

// NewMetrics registers the relay metrics on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Users: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "connected_users",
			Help: "Users with at least one open socket.",
		})),
		Connections: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "connections",
			Help: "Open sockets.",
		})),
		EventsIn: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "events_received_total",
			Help: "Events received from sockets by kind.",
		}, []string{"kind"})),
		EventsOut: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "events_sent_total",
			Help: "Events queued to sockets by kind.",
		}, []string{"kind"})),
		Dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "events_dropped_total",
			Help: "Events dropped because a socket's write queue was full.",
		})),
		Malformed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "frames_malformed_total",
			Help: "Frames that failed to decode or validate.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
