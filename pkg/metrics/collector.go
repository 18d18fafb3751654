package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/types"
)

// DefaultCollectInterval is the time between history collections
const DefaultCollectInterval = 15 * time.Second

// HistoryLister is the part of the history store the collector reads
type HistoryLister interface {
	ListDeployments() ([]*types.DeploymentRecord, error)
}

// Collector periodically exports the deployment history as gauges
type Collector struct {
	history  HistoryLister
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(history HistoryLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		history:  history,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect reads the history once and replaces the history gauges
func (c *Collector) Collect() {
	records, err := c.history.ListDeployments()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to read deployment history for metrics")
		return
	}

	counts := make(map[string]map[types.DeploymentState]int)
	for _, rec := range records {
		if counts[rec.ServiceName] == nil {
			counts[rec.ServiceName] = make(map[types.DeploymentState]int)
		}
		counts[rec.ServiceName][rec.State]++
	}

	HistoryDeployments.Reset()
	for service, states := range counts {
		for state, count := range states {
			HistoryDeployments.WithLabelValues(service, string(state)).Set(float64(count))
		}
	}
}
