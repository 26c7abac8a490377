// Package intake records new requirements. Test cases are generated before
// anything is written, so a failed generation leaves no partial rows.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEmptyRequirement is returned for a submission without text
var ErrEmptyRequirement = errors.New("requirement text is empty")

// Generator produces test cases for a requirement
type Generator interface {
	GenerateTestCases(ctx context.Context, text string, tags []string) ([]types.TestCasePayload, error)
}

// Store is the part of the warehouse intake writes
type Store interface {
	CreateRequirement(ctx context.Context, req *types.Requirement) error
	CreateTestCases(ctx context.Context, tcs []*types.TestCase) error
}

// Announcer publishes envelopes
type Announcer interface {
	Publish(ctx context.Context, kind types.EntityKind, localID string)
}

// Submission is what one intake call stored
type Submission struct {
	Requirement *types.Requirement `json:"requirement"`
	TestCases   []*types.TestCase  `json:"test_cases"`
}

// Service records requirements and their generated test cases
type Service struct {
	store     Store
	generator Generator
	announcer Announcer
	now       func() time.Time
	logger    zerolog.Logger
}

// NewService creates an intake service
func NewService(store Store, generator Generator, announcer Announcer, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		generator: generator,
		announcer: announcer,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Submit stores a requirement with its test cases, numbered from 1, and
// announces the requirement for mirroring
func (s *Service) Submit(ctx context.Context, text string, tags []string) (*Submission, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, syncerr.Permanent("submit", ErrEmptyRequirement)
	}
	tags = normalizeTags(tags)

	payloads, err := s.generator.GenerateTestCases(ctx, text, tags)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req := &types.Requirement{
		ID:             uuid.NewString(),
		Text:           text,
		RegulatoryTags: tags,
		CreatedAt:      now,
	}
	if err := s.store.CreateRequirement(ctx, req); err != nil {
		return nil, syncerr.Storage("create requirement", err)
	}

	tcs := make([]*types.TestCase, 0, len(payloads))
	for i, p := range payloads {
		if p.TraceabilityID == "" {
			p.TraceabilityID = req.ID
		}
		tcs = append(tcs, &types.TestCase{
			ID:        uuid.NewString(),
			ReqID:     req.ID,
			Sequence:  i + 1,
			Payload:   p,
			CreatedAt: now,
		})
	}
	if len(tcs) > 0 {
		if err := s.store.CreateTestCases(ctx, tcs); err != nil {
			return nil, syncerr.Storage("create test cases", err)
		}
	}

	s.announcer.Publish(ctx, types.KindRequirement, req.ID)

	s.logger.Info().
		Str("req_id", req.ID).
		Strs("tags", tags).
		Int("test_cases", len(tcs)).
		Msg("Requirement recorded")
	return &Submission{Requirement: req, TestCases: tcs}, nil
}

// normalizeTags trims tags and drops blanks and repeats, keeping order
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
