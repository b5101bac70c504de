package xhci

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the controller's prometheus collectors.
type Metrics struct {
	events             *prometheus.CounterVec
	dispatchErrors     *prometheus.CounterVec
	commands           *prometheus.CounterVec
	transfers          *prometheus.CounterVec
	devicesInitialized prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, prefixed
// with "xhci_". A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_total",
			Help: "Events consumed from the event ring, by TRB type.",
		}, []string{"type"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_errors_total",
			Help: "Events whose handling failed, by event type.",
		}, []string{"type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_total",
			Help: "Commands pushed onto the command ring, by TRB type.",
		}, []string{"type"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Transfers queued on transfer rings, by transfer type.",
		}, []string{"type"}),
		devicesInitialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devices_initialized",
			Help: "Devices that completed enumeration and are attached.",
		}),
	}

	if reg != nil {
		prometheus.WrapRegistererWithPrefix("xhci_", reg).MustRegister(
			m.events,
			m.dispatchErrors,
			m.commands,
			m.transfers,
			m.devicesInitialized,
		)
	}
	return m
}
