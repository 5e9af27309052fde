package middleware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/statewire-dev/statewire/pkg/registry"
)

// RegistryCollector exposes registry occupancy as Prometheus gauges.
// It implements prometheus.Collector and reads the registry's stats
// on every scrape.
type RegistryCollector struct {
	registry *registry.Registry

	instances   *prometheus.Desc
	connections *prometheus.Desc
	rooms       *prometheus.Desc
	evicted     *prometheus.Desc
	rehydrated  *prometheus.Desc
}

// NewRegistryCollector creates a collector over the registry. Register
// it with a Prometheus registerer:
//
//	prometheus.MustRegister(middleware.NewRegistryCollector(reg, "statewire"))
func NewRegistryCollector(reg *registry.Registry, namespace string) *RegistryCollector {
	if namespace == "" {
		namespace = "statewire"
	}
	return &RegistryCollector{
		registry: reg,
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "live_instances"),
			"Number of live component instances", nil, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_connections"),
			"Number of active WebSocket connections", nil, nil),
		rooms: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_rooms"),
			"Number of rooms with at least one live instance", nil, nil),
		evicted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances_evicted_total"),
			"Total number of instances evicted", nil, nil),
		rehydrated: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances_rehydrated_total"),
			"Total number of successful re-hydrations", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.connections
	ch <- c.rooms
	ch <- c.evicted
	ch <- c.rehydrated
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.registry.Stats()
	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(stats.Instances))
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Connections))
	ch <- prometheus.MustNewConstMetric(c.rooms, prometheus.GaugeValue, float64(stats.Rooms))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(stats.Evicted))
	ch <- prometheus.MustNewConstMetric(c.rehydrated, prometheus.CounterValue, float64(stats.Rehydrated))
}

var _ prometheus.Collector = (*RegistryCollector)(nil)
