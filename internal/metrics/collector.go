// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"time"

	"grimm.is/flywall/internal/firewall"
	"grimm.is/flywall/internal/ingest"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/registry"
)

// defaultCollectInterval is how often the collector re-reads the
// components it samples.
const defaultCollectInterval = 5 * time.Second

// Collector periodically samples the ingest source, threat registry,
// and firewall driver into a Metrics instance. It owns no state of its
// own beyond the collection cadence: every value it reports is read
// fresh from its source each tick.
type Collector struct {
	metrics  *Metrics
	source   ingest.Source
	reg      *registry.Registry
	driver   firewall.Driver
	log      *logging.Logger
	interval time.Duration
}

// NewCollector builds a Collector. source, reg, or driver may be nil if
// that subsystem isn't wired yet; the corresponding metrics simply stay
// at zero.
func NewCollector(metrics *Metrics, source ingest.Source, reg *registry.Registry, driver firewall.Driver, log *logging.Logger) *Collector {
	return &Collector{
		metrics:  metrics,
		source:   source,
		reg:      reg,
		driver:   driver,
		log:      log.WithComponent("metrics"),
		interval: defaultCollectInterval,
	}
}

// Run samples on c.interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.source != nil {
		stats := c.source.Stats()
		c.metrics.PacketsCaptured.Set(float64(stats.Captured))
		c.metrics.PacketsClassified.Set(float64(stats.Classified))
		c.metrics.PacketsDropped.Set(float64(stats.Dropped))
	}

	if c.reg != nil {
		counts := make(map[registry.Kind]int)
		for _, t := range c.reg.Snapshot() {
			counts[t.Kind]++
		}
		for _, kind := range []registry.Kind{
			registry.KindARPSpoofing, registry.KindSYNFlood, registry.KindUDPFlood,
			registry.KindICMPFlood, registry.KindPortScan, registry.KindBruteforce,
		} {
			c.metrics.ThreatsOpen.WithLabelValues(string(kind)).Set(float64(counts[kind]))
		}
	}

	if c.driver != nil {
		counts := make(map[firewall.RuleKind]int)
		for _, r := range c.driver.ListActive() {
			counts[r.Kind]++
		}
		for _, kind := range []firewall.RuleKind{
			firewall.RuleKindIPDrop, firewall.RuleKindARPDrop, firewall.RuleKindIPRateLimit,
		} {
			c.metrics.ActiveBlocks.WithLabelValues(kind.String()).Set(float64(counts[kind]))
		}
	}
}
