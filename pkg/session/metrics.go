package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Dials      prometheus.Counter
	DialErrors prometheus.Counter
	Reconnects prometheus.Counter
	FramesIn   *prometheus.CounterVec
	FramesOut  *prometheus.CounterVec
	Dropped    prometheus.Counter
	Malformed  prometheus.Counter
	Stale      prometheus.Counter
	State      prometheus.Gauge
}

// NewMetrics creates the session collectors and registers them on reg. A nil
// reg leaves them unregistered. Collectors already registered by another
// session on the same registry are shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Dials: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "dials_total",
			Help: "Socket dial attempts.",
		})),
		DialErrors: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "dial_errors_total",
			Help: "Failed socket dial attempts.",
		})),
		Reconnects: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "reconnects_total",
			Help: "Connections established after an unexpected drop.",
		})),
		FramesIn: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "frames_in_total",
			Help: "Validated frames dispatched, by kind.",
		}, []string{"kind"})),
		FramesOut: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "frames_out_total",
			Help: "Frames queued for sending, by kind.",
		}, []string{"kind"})),
		Dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "dropped_sends_total",
			Help: "Sends dropped because the session was not connected or the buffer was full.",
		})),
		Malformed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "malformed_frames_total",
			Help: "Inbound frames rejected by validation.",
		})),
		Stale: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime", Subsystem: "session", Name: "stale_frames_total",
			Help: "Inbound frames discarded because their connection was superseded.",
		})),
		State: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime", Subsystem: "session", Name: "state",
			Help: "Current session state (0 disconnected, 1 connecting, 2 connected).",
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
