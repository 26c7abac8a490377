package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/almsync/pkg/log"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/storage"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// Remote is the tracker surface the lifecycle drives
type Remote interface {
	CreateIssue(ctx context.Context, in tracker.IssueInput) (string, error)
	UpdateIssue(ctx context.Context, key string, in tracker.IssueInput) error
	CreateLink(ctx context.Context, linkType, inwardKey, outwardKey string) error
	SearchByLabel(ctx context.Context, label string) ([]tracker.Issue, error)
}

// Store is the part of the warehouse the lifecycle reads and writes
type Store interface {
	GetRequirement(ctx context.Context, id string) (*types.Requirement, error)
	SetRequirementRemoteKey(ctx context.Context, id, key string, at time.Time) error
	ListTestCases(ctx context.Context, reqID string) ([]*types.TestCase, error)
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, reqID string) ([]*types.Issue, error)
	SetIssueRemoteKey(ctx context.Context, id, key string, at time.Time) error
}

// Action is the transition a sync performed
type Action string

const (
	// ActionUpdated pushed local content to the linked remote record
	ActionUpdated Action = "updated"
	// ActionCreated created the first remote record
	ActionCreated Action = "created"
	// ActionRepaired replaced a stale remote key with a new record
	ActionRepaired Action = "repaired"
	// ActionAdopted found a record carrying our idempotency label and stored its key
	ActionAdopted Action = "adopted"
)

// Result describes one sync
type Result struct {
	Ref         types.EntityRef `json:"ref"`
	Action      Action          `json:"action"`
	RemoteKey   string          `json:"remote_key"`
	PreviousKey string          `json:"previous_key,omitempty"`
	// LinkError is set when the record was created but linking it failed
	LinkError string `json:"link_error,omitempty"`
}

// Config configures the lifecycle
type Config struct {
	LinkType           string
	SearchBeforeCreate bool
}

// Lifecycle links local rows to remote records. Callers must serialize
// syncs of the same entity; the read-then-write of remote_key is not safe
// under concurrent execution on one row.
type Lifecycle struct {
	store  Store
	remote Remote
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a lifecycle
func New(store Store, remote Remote, cfg Config, logger zerolog.Logger) *Lifecycle {
	if cfg.LinkType == "" {
		cfg.LinkType = "Relates"
	}
	return &Lifecycle{
		store:  store,
		remote: remote,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SyncRequirement mirrors a requirement to a remote story. When the story
// is newly linked, defects synced before it are linked to it.
func (l *Lifecycle) SyncRequirement(ctx context.Context, id string) (*Result, error) {
	req, err := l.store.GetRequirement(ctx, id)
	if err != nil {
		return nil, loadError("requirement", id, err)
	}

	ref := types.EntityRef{Kind: types.KindRequirement, ID: id}
	input := requirementInput(req)
	var current string
	if req.Linked() {
		current = *req.RemoteKey
	}

	result, err := l.sync(ctx, ref, current, input, updateInput(input, req.Mirror, id), func(ctx context.Context, key string, at time.Time) error {
		return l.store.SetRequirementRemoteKey(ctx, id, key, at)
	})
	if err != nil {
		return nil, err
	}

	if result.Action != ActionUpdated {
		l.linkDefects(ctx, req.ID, result)
	}
	return l.finish(result), nil
}

// SyncIssue mirrors an issue to a remote bug and, on creation, links it
// to the parent requirement's story when that is already linked
func (l *Lifecycle) SyncIssue(ctx context.Context, id string) (*Result, error) {
	issue, err := l.store.GetIssue(ctx, id)
	if err != nil {
		return nil, loadError("issue", id, err)
	}

	ref := types.EntityRef{Kind: types.KindIssue, ID: id}
	input := issueInput(issue, l.testCaseTitle(ctx, issue))
	var current string
	if issue.Linked() {
		current = *issue.RemoteKey
	}

	result, err := l.sync(ctx, ref, current, input, updateInput(input, issue.Mirror, id), func(ctx context.Context, key string, at time.Time) error {
		return l.store.SetIssueRemoteKey(ctx, id, key, at)
	})
	if err != nil {
		return nil, err
	}

	if result.Action != ActionUpdated {
		l.linkToRequirement(ctx, issue, result)
	}
	return l.finish(result), nil
}

type keyWriter func(ctx context.Context, key string, at time.Time) error

// sync runs the Unlinked -> Linked -> Stale state machine for one row.
// input is written when a record is created, update when one is linked.
func (l *Lifecycle) sync(ctx context.Context, ref types.EntityRef, current string, input, update tracker.IssueInput, write keyWriter) (*Result, error) {
	logger := log.WithEntity(l.logger, string(ref.Kind), ref.ID)
	result := &Result{Ref: ref, Action: ActionCreated}

	if current != "" {
		err := l.remote.UpdateIssue(ctx, current, update)
		switch {
		case err == nil:
			result.Action = ActionUpdated
			result.RemoteKey = current
			return result, nil
		case syncerr.IsStale(err):
			logger.Warn().Str("remote_key", current).Msg("Remote record is gone; recreating")
			result.Action = ActionRepaired
			result.PreviousKey = current
		default:
			return nil, err
		}
	}

	key, adopted, err := l.createOrAdopt(ctx, ref, current, input)
	if err != nil {
		return nil, err
	}
	if adopted && result.Action == ActionCreated {
		result.Action = ActionAdopted
	}
	result.RemoteKey = key

	// a caller that has given up must see the row unchanged
	if err := ctx.Err(); err != nil {
		logger.Warn().Str("remote_key", key).Msg("Deadline passed before key write-back; leaving row unlinked")
		return nil, syncerr.Transient("store remote key", err)
	}

	if err := write(ctx, key, l.now()); err != nil {
		return nil, syncerr.Storage("store remote key", err)
	}

	linked := log.WithRemoteKey(logger, key)
	linked.Info().Str("action", string(result.Action)).Msg("Remote record linked")
	return result, nil
}

// createOrAdopt creates the remote record unless one carrying the row's
// idempotency label already exists. stale is never adopted.
func (l *Lifecycle) createOrAdopt(ctx context.Context, ref types.EntityRef, stale string, input tracker.IssueInput) (string, bool, error) {
	if l.cfg.SearchBeforeCreate {
		found, err := l.remote.SearchByLabel(ctx, types.IDLabel(ref.ID))
		if err != nil {
			return "", false, err
		}
		for _, issue := range found {
			if issue.Key != "" && issue.Key != stale {
				return issue.Key, true, nil
			}
		}
	}

	key, err := l.remote.CreateIssue(ctx, input)
	if err != nil {
		return "", false, err
	}
	return key, false, nil
}

func (l *Lifecycle) linkToRequirement(ctx context.Context, issue *types.Issue, result *Result) {
	logger := log.WithEntity(l.logger, string(types.KindIssue), issue.ID)

	if issue.ReqID == "" {
		return
	}
	req, err := l.store.GetRequirement(ctx, issue.ReqID)
	if err != nil {
		result.LinkError = err.Error()
		logger.Warn().Err(err).Str("req_id", issue.ReqID).Msg("Cannot load parent requirement for link")
		return
	}
	if !req.Linked() {
		// SyncRequirement links this defect once the story exists
		logger.Debug().Str("req_id", req.ID).Msg("Parent requirement not linked yet; skipping link")
		return
	}

	if err := l.link(ctx, logger, result.RemoteKey, *req.RemoteKey); err != nil {
		result.LinkError = err.Error()
	}
}

// linkDefects links the already linked issues of a requirement to its
// story. The defect side and this side each check the other after their
// own key write-back, so whichever finishes last creates the link.
func (l *Lifecycle) linkDefects(ctx context.Context, reqID string, result *Result) {
	logger := log.WithEntity(l.logger, string(types.KindRequirement), reqID)

	issues, err := l.store.ListIssues(ctx, reqID)
	if err != nil {
		result.LinkError = err.Error()
		logger.Warn().Err(err).Msg("Cannot list defects to link")
		return
	}
	for _, issue := range issues {
		if !issue.Linked() {
			continue
		}
		if err := l.link(ctx, log.WithEntity(l.logger, string(types.KindIssue), issue.ID), *issue.RemoteKey, result.RemoteKey); err != nil && result.LinkError == "" {
			result.LinkError = err.Error()
		}
	}
}

func (l *Lifecycle) link(ctx context.Context, logger zerolog.Logger, defectKey, storyKey string) error {
	if err := l.remote.CreateLink(ctx, l.cfg.LinkType, defectKey, storyKey); err != nil {
		logger.Warn().
			Err(err).
			Str("remote_key", defectKey).
			Str("requirement_key", storyKey).
			Msg("Failed to link defect to requirement; keeping defect")
		return err
	}
	logger.Debug().Str("remote_key", defectKey).Str("requirement_key", storyKey).Msg("Linked defect to requirement")
	return nil
}

func (l *Lifecycle) testCaseTitle(ctx context.Context, issue *types.Issue) string {
	if issue.ReqID == "" || issue.TestID == "" {
		return ""
	}
	tcs, err := l.store.ListTestCases(ctx, issue.ReqID)
	if err != nil {
		return ""
	}
	for _, tc := range tcs {
		if tc.ID == issue.TestID {
			return tc.Payload.Title
		}
	}
	return ""
}

func (l *Lifecycle) finish(result *Result) *Result {
	metrics.LifecycleSyncs.WithLabelValues(string(result.Ref.Kind), string(result.Action)).Inc()
	return result
}

// loadError classifies a failed row read. A missing row cannot heal on retry.
func loadError(table, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return syncerr.Permanent("load "+table, fmt.Errorf("%s %s: %w", table, id, err))
	}
	return syncerr.Storage("load "+table, err)
}
