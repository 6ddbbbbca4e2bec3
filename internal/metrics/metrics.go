// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the agent's in-process statistics as
// Prometheus metrics: ingest loss, per-kind open threats, and the
// number of firewall rules currently installed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus metric the agent exports.
type Metrics struct {
	PacketsCaptured   prometheus.Gauge
	PacketsClassified prometheus.Gauge
	PacketsDropped    prometheus.Gauge

	ThreatsOpen *prometheus.GaugeVec

	ActiveBlocks *prometheus.GaugeVec
}

// New builds a Metrics collector with all its child metrics
// constructed but not yet registered.
func New() *Metrics {
	return &Metrics{
		PacketsCaptured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_packets_captured_total",
			Help: "Packets read off the wire, from the ingest source's Captured counter, which neither ingest backend sets (always zero).",
		}),
		PacketsClassified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_packets_classified_total",
			Help: "Total packets successfully classified and dispatched to detectors.",
		}),
		PacketsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_packets_dropped_total",
			Help: "Total classified packets dropped because the dispatch queue was full.",
		}),
		ThreatsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentineld_threats_open",
			Help: "Number of currently open threats in the registry, by kind.",
		}, []string{"kind"}),
		ActiveBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentineld_active_blocks",
			Help: "Number of firewall rules currently installed by the mitigation controller, by rule kind.",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsCaptured.Describe(ch)
	m.PacketsClassified.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.ThreatsOpen.Describe(ch)
	m.ActiveBlocks.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsCaptured.Collect(ch)
	m.PacketsClassified.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.ThreatsOpen.Collect(ch)
	m.ActiveBlocks.Collect(ch)
}

// Register registers the collector with the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(m)
}
