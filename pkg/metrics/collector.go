package metrics

import (
	"time"
)

// StatsSource provides point-in-time runtime counts for the collector.
// Implemented by runtime.Runtime.
type StatsSource interface {
	// InstanceCounts returns live instance counts keyed by entity type
	// and status.
	InstanceCounts() map[string]map[string]int

	// IsLeader reports whether this node currently holds leadership.
	IsLeader() bool

	// Peers returns the number of cluster members, including this node.
	Peers() int

	// Placements returns the size of the placement directory.
	Placements() int
}

// Collector periodically samples runtime gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectClusterMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	counts := c.source.InstanceCounts()

	InstancesLive.Reset()
	for typ, statuses := range counts {
		for status, count := range statuses {
			InstancesLive.WithLabelValues(typ, status).Set(float64(count))
		}
	}
}

func (c *Collector) collectClusterMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	RaftPeers.Set(float64(c.source.Peers()))
	PlacementsTotal.Set(float64(c.source.Placements()))
}
