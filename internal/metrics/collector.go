package metrics

import (
	"context"
	"runtime"
	"time"
)

// GaugeSource reports the current size of one live registry.
type GaugeSource func() int

// Sources feeds the periodic collector. Nil entries are skipped.
type Sources struct {
	Sessions         GaugeSource
	PortsInUse       GaugeSource
	ProxyTargets     GaugeSource
	CompanionClients GaugeSource
}

// Collector periodically copies registry sizes into gauges
type Collector struct {
	sources  Sources
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new registry gauge collector
func NewCollector(sources Sources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sources:  sources,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic metric collection
func (c *Collector) Start(ctx context.Context) {
	go func() {
		// Initial collection
		c.Collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect performs a single collection cycle
func (c *Collector) Collect() {
	set := func(src GaugeSource, apply func(float64)) {
		if src != nil {
			apply(float64(src()))
		}
	}
	set(c.sources.Sessions, c.metrics.SessionsActive.Set)
	set(c.sources.PortsInUse, c.metrics.PortsInUse.Set)
	set(c.sources.ProxyTargets, c.metrics.ProxyTargets.Set)
	set(c.sources.CompanionClients, c.metrics.CompanionClients.Set)
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}
