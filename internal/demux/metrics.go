package demux

import "github.com/prometheus/client_golang/prometheus"

// Dispatch results recorded by Metrics.
const (
	ResultDelivered = "delivered"
	ResultTerminal  = "terminal"
	ResultStale     = "stale"
	ResultUnrouted  = "unrouted"
)

// Metrics tracks registry and routing activity. One instance is shared by every
// demultiplexer in the process; series are split by network.
type Metrics struct {
	registrations *prometheus.GaugeVec
	dispatched    *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	installs      *prometheus.CounterVec
}

// NewMetrics constructs and registers demultiplexer metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		registrations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mediation",
				Subsystem: "demux",
				Name:      "registrations",
				Help:      "Live listener registrations.",
			},
			[]string{"network"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediation",
				Subsystem: "demux",
				Name:      "dispatched_total",
				Help:      "Vendor events routed through the demultiplexer, by result.",
			},
			[]string{"network", "result"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediation",
				Subsystem: "demux",
				Name:      "duplicate_registrations_total",
				Help:      "Register calls rejected because the key had a live listener.",
			},
			[]string{"network"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediation",
				Subsystem: "demux",
				Name:      "global_listener_installs_total",
				Help:      "Global listener installation attempts, by result.",
			},
			[]string{"network", "result"},
		),
	}
	reg.MustRegister(m.registrations, m.dispatched, m.duplicates, m.installs)
	return m
}

func (m *Metrics) setRegistrations(network string, n int) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(network).Set(float64(n))
}

func (m *Metrics) dispatch(network, result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(network, result).Inc()
}

func (m *Metrics) duplicate(network string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(network).Inc()
}

func (m *Metrics) install(network, result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(network, result).Inc()
}
