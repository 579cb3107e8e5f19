package bridge

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/karoo-obs/katcp-exporter/internal/katcp"
)

// Collector exposes a Bridge snapshot as Prometheus metrics. The sync-state
// gauge is always emitted; per-sensor gauges appear only while synced.
// Evaluated fresh on every scrape, nothing is cached between scrapes.
type Collector struct {
	bridge   *Bridge
	syncDesc *prometheus.Desc
}

// NewCollector creates a collector over b.
func NewCollector(b *Bridge) *Collector {
	return &Collector{
		bridge: b,
		syncDesc: prometheus.NewDesc(
			"katcp_sync_state",
			fmt.Sprintf("KATCP sync state %v", katcp.SyncStates),
			nil, nil,
		),
	}
}

// Describe sends no descriptors: the per-sensor metric set changes with the
// device's sensor list, so this collector is deliberately unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect emits the sync-state gauge and, when synced, one gauge per
// metric view.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	state, records := c.bridge.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.syncDesc, prometheus.GaugeValue, float64(state))

	for _, r := range records {
		m, err := prometheus.NewConstMetric(
			prometheus.NewDesc(r.Name, r.Help, nil, nil),
			prometheus.GaugeValue,
			r.Value,
		)
		if err != nil {
			log.Warn().Err(err).Str("metric", r.Name).Msg("skipping unexportable metric")
			continue
		}
		ch <- m
	}
}

// RegisterCollector registers b's collector with the default registry,
// alongside the standard process and Go runtime collectors.
func RegisterCollector(b *Bridge) error {
	return prometheus.Register(NewCollector(b))
}

var _ prometheus.Collector = (*Collector)(nil)
