package metrics

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector periodically samples registered sources and updates their
// gauges. It keeps packages that own state (cache tiers, shared store
// client pool) from having to know about the metrics they export.
type Collector struct {
	interval time.Duration
	sources  []source
	stop     chan struct{}
}

type source struct {
	name   string
	sample func() error
}

// NewCollector creates a collector sampling at the given interval.
func NewCollector(interval time.Duration) *Collector {
	return &Collector{
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// AddGauge registers a gauge fed by value on every collection pass.
func (c *Collector) AddGauge(name string, gauge prometheus.Gauge, value func() float64) {
	c.sources = append(c.sources, source{
		name: name,
		sample: func() error {
			gauge.Set(value())
			return nil
		},
	})
}

// AddFunc registers a sampling function for sources that update several
// gauges at once or can fail.
func (c *Collector) AddFunc(name string, fn func() error) {
	c.sources = append(c.sources, source{name: name, sample: fn})
}

// Start begins the collection loop. Register all sources before calling.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect initial values
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collect() {
	for _, s := range c.sources {
		if err := s.sample(); err != nil {
			log.Printf("Error collecting %s metrics: %v", s.name, err)
			MetricsCollectionErrors.WithLabelValues(s.name).Inc()
		}
	}
}
