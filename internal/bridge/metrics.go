package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	DroppedTotal       *prometheus.CounterVec
	MeshSendsTotal     *prometheus.CounterVec
	StatusEventsTotal  *prometheus.CounterVec
	StatePublishTotal  *prometheus.CounterVec
	DiscoveryPublished prometheus.Counter
	ResyncsTotal       prometheus.Counter
	Lamps              prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lampbridge_commands_total",
				Help: "Set commands received from MQTT, by resulting mesh message",
			},
			[]string{"kind"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lampbridge_dropped_total",
				Help: "Inbound events dropped without effect",
			},
			[]string{"reason"},
		),
		MeshSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lampbridge_mesh_sends_total",
				Help: "Mesh set messages handed to the gateway",
			},
			[]string{"kind", "result"},
		),
		StatusEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lampbridge_status_events_total",
				Help: "Status events received from mesh nodes",
			},
			[]string{"kind", "result"},
		),
		StatePublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lampbridge_state_publishes_total",
				Help: "State messages published to MQTT",
			},
			[]string{"source", "result"},
		),
		DiscoveryPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lampbridge_discovery_published_total",
				Help: "Discovery descriptors published",
			},
		),
		ResyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lampbridge_resyncs_total",
				Help: "Subscription and discovery resyncs after registry changes",
			},
		),
		Lamps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lampbridge_lamps",
				Help: "Registered lamps",
			},
		),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.DroppedTotal,
		m.MeshSendsTotal,
		m.StatusEventsTotal,
		m.StatePublishTotal,
		m.DiscoveryPublished,
		m.ResyncsTotal,
		m.Lamps,
	)
	return m
}

func (m *Metrics) recordCommand(kind string) {
	if m != nil {
		m.CommandsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) recordDropped(reason string) {
	if m != nil {
		m.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) recordMeshSend(kind string, err error) {
	if m != nil {
		m.MeshSendsTotal.WithLabelValues(kind, result(err)).Inc()
	}
}

func (m *Metrics) recordStatus(kind, res string) {
	if m != nil {
		m.StatusEventsTotal.WithLabelValues(kind, res).Inc()
	}
}

func (m *Metrics) recordStatePublish(source string, err error) {
	if m != nil {
		m.StatePublishTotal.WithLabelValues(source, result(err)).Inc()
	}
}

func (m *Metrics) recordDiscovery(n int) {
	if m != nil {
		m.DiscoveryPublished.Add(float64(n))
	}
}

func (m *Metrics) recordResync(lamps int) {
	if m != nil {
		m.ResyncsTotal.Inc()
		m.Lamps.Set(float64(lamps))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
