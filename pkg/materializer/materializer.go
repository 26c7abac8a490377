package materializer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cuemby/almsync/pkg/config"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Evaluator checks one test case against one regulatory tag
type Evaluator interface {
	CheckCompliance(ctx context.Context, tc *types.TestCase, tag string) (*types.Evaluation, error)
}

// Store is the part of the warehouse the materializer reads and writes
type Store interface {
	ListTestCases(ctx context.Context, reqID string) ([]*types.TestCase, error)
	AppendCompliance(ctx context.Context, c *types.Compliance) error
	FindIssues(ctx context.Context, testID, tag string) ([]*types.Issue, error)
	CreateIssue(ctx context.Context, issue *types.Issue) error
}

// Announcer publishes envelopes for new issues
type Announcer interface {
	Publish(ctx context.Context, kind types.EntityKind, localID string)
}

// Outcome classifies one (test case, tag) item of a batch
type Outcome string

const (
	// Applied means an issue was written
	Applied Outcome = "applied"
	// Skipped means the compliance row was recorded and no issue was needed
	Skipped Outcome = "skipped"
	// Failed means the evaluation could not be obtained
	Failed Outcome = "failed"
)

// Item is the result for one (test case, tag) pair
type Item struct {
	TestID       string  `json:"test_id"`
	Tag          string  `json:"regulatory_tag"`
	Score        float64 `json:"score"`
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	ComplianceID string  `json:"compliance_id,omitempty"`
	IssueID      string  `json:"issue_id,omitempty"`
}

// Report is the result of one materialization run
type Report struct {
	ReqID  string         `json:"req_id"`
	Items  []Item         `json:"items"`
	Issues []*types.Issue `json:"issues"`
}

// Count returns the number of items with outcome o
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome == o {
			n++
		}
	}
	return n
}

// Materializer turns low compliance scores into issue rows
type Materializer struct {
	store     Store
	evaluator Evaluator
	announcer Announcer
	cfg       config.MaterializerConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a materializer
func New(store Store, evaluator Evaluator, announcer Announcer, cfg config.MaterializerConfig, logger zerolog.Logger) *Materializer {
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = config.DuplicateSkipOpen
	}
	return &Materializer{
		store:     store,
		evaluator: evaluator,
		announcer: announcer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

type pair struct {
	testID string
	tag    string
}

// Materialize evaluates every test case of reqID against each tag in
// order, one tag at a time. Every evaluation appends a compliance row; a
// score strictly below the threshold also writes an issue. Collaborator
// failures skip the item. A warehouse failure stops the batch and is
// returned together with the partial report.
func (m *Materializer) Materialize(ctx context.Context, reqID string, tags []string) (*Report, error) {
	report := &Report{ReqID: reqID}

	tcs, err := m.store.ListTestCases(ctx, reqID)
	if err != nil {
		return report, syncerr.Storage("list test cases", err)
	}
	if len(tcs) == 0 {
		m.logger.Info().Str("req_id", reqID).Msg("No test cases to evaluate")
		return report, nil
	}

	seen := make(map[pair]bool)
	for _, tag := range tags {
		for _, tc := range tcs {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			key := pair{testID: tc.ID, tag: tag}
			if seen[key] {
				continue
			}
			seen[key] = true

			item, issue, err := m.evaluate(ctx, reqID, tc, tag)
			if item != nil {
				report.Items = append(report.Items, *item)
				metrics.MaterializeItems.WithLabelValues(string(item.Outcome)).Inc()
			}
			if issue != nil {
				report.Issues = append(report.Issues, issue)
			}
			if err != nil {
				return report, err
			}
		}
	}

	m.logger.Info().
		Str("req_id", reqID).
		Int("applied", report.Count(Applied)).
		Int("skipped", report.Count(Skipped)).
		Int("failed", report.Count(Failed)).
		Msg("Materialization complete")

	return report, nil
}

// evaluate processes one pair. A non-nil error is fatal for the batch.
func (m *Materializer) evaluate(ctx context.Context, reqID string, tc *types.TestCase, tag string) (*Item, *types.Issue, error) {
	item := &Item{TestID: tc.ID, Tag: tag}
	logger := m.logger.With().Str("req_id", reqID).Str("test_id", tc.ID).Str("tag", tag).Logger()

	eval, err := m.check(ctx, tc, tag)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		logger.Warn().Err(err).Msg("Compliance check failed; skipping test case")
		item.Outcome = Failed
		item.Reason = err.Error()
		return item, nil, nil
	}

	score := m.normalize(eval.Score, logger)
	item.Score = score

	compliance := &types.Compliance{
		ID:              uuid.NewString(),
		TestID:          tc.ID,
		ReqID:           reqID,
		RegulatoryTag:   tag,
		Score:           score,
		Status:          eval.Status,
		Violations:      eval.Violations,
		Recommendations: eval.Recommendations,
		Citations:       eval.Citations,
		CreatedAt:       m.now(),
	}
	if err := m.store.AppendCompliance(ctx, compliance); err != nil {
		return nil, nil, syncerr.Storage("append compliance", err)
	}
	item.ComplianceID = compliance.ID
	metrics.ComplianceScores.Observe(score)

	if score >= m.cfg.Threshold {
		item.Outcome = Skipped
		item.Reason = fmt.Sprintf("score %.2f meets threshold %.2f", score, m.cfg.Threshold)
		return item, nil, nil
	}

	if m.cfg.DuplicatePolicy == config.DuplicateSkipOpen {
		existing, err := m.store.FindIssues(ctx, tc.ID, tag)
		if err != nil {
			return nil, nil, syncerr.Storage("find issues", err)
		}
		for _, issue := range existing {
			if issue.Open() {
				logger.Info().Str("issue_id", issue.ID).Msg("Open issue already tracks this test case")
				item.Outcome = Skipped
				item.Reason = "open issue " + issue.ID + " exists"
				item.IssueID = issue.ID
				return item, nil, nil
			}
		}
	}

	issue := &types.Issue{
		ID:            uuid.NewString(),
		TestID:        tc.ID,
		ReqID:         reqID,
		RegulatoryTag: tag,
		Score:         score,
		Notes:         Notes(eval),
		CreatedAt:     m.now(),
	}
	if err := m.store.CreateIssue(ctx, issue); err != nil {
		return nil, nil, syncerr.Storage("create issue", err)
	}
	metrics.IssuesCreated.Inc()
	logger.Info().Str("issue_id", issue.ID).Float64("score", score).Msg("Issue created")

	m.announcer.Publish(ctx, types.KindIssue, issue.ID)

	item.Outcome = Applied
	item.IssueID = issue.ID
	return item, issue, nil
}

func (m *Materializer) check(ctx context.Context, tc *types.TestCase, tag string) (*types.Evaluation, error) {
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}
	eval, err := m.evaluator.CheckCompliance(ctx, tc, tag)
	if err != nil {
		return nil, err
	}
	if eval == nil {
		return nil, errors.New("evaluator returned no result")
	}
	return eval, nil
}

// normalize maps a missing or out-of-range score into [0,1]
func (m *Materializer) normalize(score *float64, logger zerolog.Logger) float64 {
	switch {
	case score == nil || math.IsNaN(*score):
		logger.Warn().Msg("Compliance check returned no score; using 0.0")
		return 0
	case *score < 0:
		logger.Warn().Float64("score", *score).Msg("Compliance score below 0; clamping")
		return 0
	case *score > 1:
		logger.Warn().Float64("score", *score).Msg("Compliance score above 1; clamping")
		return 1
	}
	return *score
}

// Notes returns the evaluation notes, or a summary of its recommendations
// and violations when the evaluator wrote none
func Notes(eval *types.Evaluation) string {
	if strings.TrimSpace(eval.Notes) != "" {
		return eval.Notes
	}

	var b strings.Builder
	writeSection(&b, "Recommendations", eval.Recommendations)
	b.WriteString("\n")
	writeSection(&b, "Violations", eval.Violations)
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	b.WriteString(title + ":")
	if len(lines) == 0 {
		b.WriteString("\n- none")
		return
	}
	for _, line := range lines {
		b.WriteString("\n- " + line)
	}
}
