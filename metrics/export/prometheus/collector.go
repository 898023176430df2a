// Package prometheus exposes the security core's counters to a Prometheus
// registry.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veridianerp/identity/metrics"
)

// Source supplies counter snapshots, normally *metrics.Registry.
type Source interface {
	Snapshot() map[metrics.ID]uint64
}

// Collector adapts a Source to the prometheus.Collector contract. Register
// it with any prometheus registry; scrapes read a fresh snapshot.
type Collector struct {
	source Source
	descs  map[metrics.ID]*prometheus.Desc
}

// NewCollector builds a collector with one counter per metric id, named
// identity_<id>_total.
func NewCollector(source Source) *Collector {
	descs := make(map[metrics.ID]*prometheus.Desc)
	for _, id := range metrics.IDs() {
		descs[id] = prometheus.NewDesc(
			"identity_"+id.String()+"_total",
			"Total "+id.String()+" events observed by the identity core.",
			nil, nil,
		)
	}
	return &Collector{source: source, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	for id, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(snap[id]))
	}
}
