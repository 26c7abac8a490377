package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/almsync/pkg/config"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Backlog lists rows still waiting for a remote key
type Backlog interface {
	ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error)
	ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error)
}

// Announcer republishes envelopes
type Announcer interface {
	Publish(ctx context.Context, kind types.EntityKind, localID string)
}

// Report counts what one sweep republished
type Report struct {
	Requirements int `json:"requirements"`
	Issues       int `json:"issues"`
}

// Reconciler re-announces unlinked rows whose original envelope was lost
type Reconciler struct {
	backlog   Backlog
	announcer Announcer
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler
func NewReconciler(backlog Backlog, announcer Announcer, cfg config.ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{
		backlog:   backlog,
		announcer: announcer,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the loop and waits for an in-flight sweep to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// run is the main sweep loop
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Reconciliation sweep failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep republishes one batch of unlinked requirements and issues, oldest
// first. Requirements go out before issues so a defect's parent story
// tends to exist by the time the defect is linked.
func (r *Reconciler) Sweep(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	report := &Report{}

	reqs, err := r.backlog.ListUnlinkedRequirements(ctx, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list unlinked requirements: %w", err)
	}
	for _, req := range reqs {
		r.announcer.Publish(ctx, types.KindRequirement, req.ID)
		report.Requirements++
	}

	issues, err := r.backlog.ListUnlinkedIssues(ctx, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list unlinked issues: %w", err)
	}
	for _, issue := range issues {
		r.announcer.Publish(ctx, types.KindIssue, issue.ID)
		report.Issues++
	}

	metrics.ReconcileRepublished.WithLabelValues(string(types.KindRequirement)).Add(float64(report.Requirements))
	metrics.ReconcileRepublished.WithLabelValues(string(types.KindIssue)).Add(float64(report.Issues))

	if report.Requirements+report.Issues > 0 {
		r.logger.Info().
			Int("requirements", report.Requirements).
			Int("issues", report.Issues).
			Msg("Republished unlinked rows")
	}
	return report, nil
}
