package metrics

import (
	"context"
	"time"

	"github.com/cuemby/almsync/pkg/log"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// UnlinkedCounter is the slice of the warehouse the collector reads
type UnlinkedCounter interface {
	ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error)
	ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error)
}

// Collector samples the warehouse backlog into gauges
type Collector struct {
	store    UnlinkedCounter
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(store UnlinkedCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
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
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	reqs, err := c.store.ListUnlinkedRequirements(ctx, 0)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to count unlinked requirements")
		UpdateComponent("warehouse", false, err.Error())
		return
	}
	issues, err := c.store.ListUnlinkedIssues(ctx, 0)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to count unlinked issues")
		UpdateComponent("warehouse", false, err.Error())
		return
	}

	UnlinkedEntities.WithLabelValues(string(types.KindRequirement)).Set(float64(len(reqs)))
	UnlinkedEntities.WithLabelValues(string(types.KindIssue)).Set(float64(len(issues)))
	UpdateComponent("warehouse", true, "")
}
