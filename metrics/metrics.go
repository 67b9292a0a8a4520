// Package metrics holds the Prometheus metrics of the packet pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values
const (
	ResultSubmitted = "submitted"
	ResultRejected  = "rejected"

	DirectionIngress = "ingress"
	DirectionEgress  = "egress"

	ResultTranslated  = "translated"
	ResultPassthrough = "passthrough"
	ResultShot        = "shot"
)

// Metrics holds all pipeline Prometheus metrics
type Metrics struct {
	// Firewall metrics
	FirewallPackets *prometheus.CounterVec
	FirewallEvents  *prometheus.CounterVec

	// NAT metrics
	NATPackets         *prometheus.CounterVec
	ConntrackEntries   *prometheus.GaugeVec
	ConntrackEvictions *prometheus.CounterVec
	EpochSyncErrors    prometheus.Counter
}

// NewMetrics creates a new, unregistered metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		FirewallPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeflow_firewall_packets_total",
			Help: "Total number of packets evaluated by the firewall, by verdict",
		}, []string{"verdict"}),

		FirewallEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeflow_firewall_events_total",
			Help: "Total number of observability events offered to the exporter",
		}, []string{"result"}),

		NATPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeflow_nat_packets_total",
			Help: "Total number of packets seen by the NAT engine",
		}, []string{"direction", "result"}),

		ConntrackEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeflow_conntrack_entries",
			Help: "Number of entries in the connection tracking table",
		}, []string{"interface"}),

		ConntrackEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeflow_conntrack_evictions_total",
			Help: "Total number of connection tracking entries removed under pressure",
		}, []string{"interface"}),

		EpochSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeflow_epoch_sync_errors_total",
			Help: "Total number of failed epoch updates",
		}),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FirewallPackets.Describe(ch)
	m.FirewallEvents.Describe(ch)
	m.NATPackets.Describe(ch)
	m.ConntrackEntries.Describe(ch)
	m.ConntrackEvictions.Describe(ch)
	m.EpochSyncErrors.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FirewallPackets.Collect(ch)
	m.FirewallEvents.Collect(ch)
	m.NATPackets.Collect(ch)
	m.ConntrackEntries.Collect(ch)
	m.ConntrackEvictions.Collect(ch)
	m.EpochSyncErrors.Collect(ch)
}

// Register registers all metrics with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return m, nil
}
