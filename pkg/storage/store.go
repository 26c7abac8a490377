package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a point lookup has no row
var ErrNotFound = errors.New("row not found")

// Store defines the warehouse: typed accessors over the requirement,
// test case, compliance and issue tables
type Store interface {
	// Requirements
	CreateRequirement(ctx context.Context, req *types.Requirement) error
	GetRequirement(ctx context.Context, id string) (*types.Requirement, error)
	// ListUnlinkedRequirements returns requirements without a remote key, oldest first
	ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error)
	SetRequirementRemoteKey(ctx context.Context, id, key string, at time.Time) error

	// Test cases
	CreateTestCases(ctx context.Context, tcs []*types.TestCase) error
	// ListTestCases returns the test cases of a requirement ordered by sequence
	ListTestCases(ctx context.Context, reqID string) ([]*types.TestCase, error)

	// Compliance (append-only)
	AppendCompliance(ctx context.Context, c *types.Compliance) error
	// ListCompliance returns every evaluation of a requirement ordered by created_at
	ListCompliance(ctx context.Context, reqID string) ([]*types.Compliance, error)
	// LatestCompliance returns the current evaluation of a (test, tag) pair
	LatestCompliance(ctx context.Context, testID, tag string) (*types.Compliance, error)

	// Issues
	CreateIssue(ctx context.Context, issue *types.Issue) error
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	// FindIssues returns the issues raised for a (test, tag) pair ordered by created_at
	FindIssues(ctx context.Context, testID, tag string) ([]*types.Issue, error)
	// ListIssues returns the issues raised against a requirement ordered by created_at
	ListIssues(ctx context.Context, reqID string) ([]*types.Issue, error)
	// ListUnlinkedIssues returns issues without a remote key, oldest first
	ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error)
	SetIssueRemoteKey(ctx context.Context, id, key string, at time.Time) error

	// UpsertRemote applies a tracker edit as one atomic conditional write.
	// The row is resolved by key.LocalID, then by key.RemoteKey; when neither
	// matches a row is inserted under RemoteRowID(table, key.RemoteKey).
	UpsertRemote(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error)

	// Utility
	Close() error
}

// remoteRowNamespace seeds name-based ids for rows that originate in the tracker
var remoteRowNamespace = uuid.MustParse("7d9b1c1e-3f5a-4c1b-9a0e-5b8f2d6c4e21")

// RemoteRowID derives the local id for a row first seen through the tracker.
// Two deliveries of the same creation event resolve to the same id.
func RemoteRowID(table types.Table, remoteKey string) string {
	return uuid.NewSHA1(remoteRowNamespace, []byte(string(table)+"/"+remoteKey)).String()
}

// staleEdit reports whether an incoming edit is older than what the row holds
func staleEdit(stored, incoming *time.Time) bool {
	if stored == nil || incoming == nil {
		return false
	}
	return incoming.Before(*stored)
}

// mergeMirror overlays the non-empty incoming fields onto the stored mirror
func mergeMirror(dst *types.RemoteMirror, src types.RemoteMirror) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.IssueType != "" {
		dst.IssueType = src.IssueType
	}
	if src.Priority != "" {
		dst.Priority = src.Priority
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	// an unassigned remote issue clears the assignee
	dst.Assignee = src.Assignee
	if src.RemoteCreatedAt != nil {
		dst.RemoteCreatedAt = src.RemoteCreatedAt
	}
	if src.RemoteUpdatedAt != nil {
		dst.RemoteUpdatedAt = src.RemoteUpdatedAt
	}
	if src.SyncedAt != nil {
		dst.SyncedAt = src.SyncedAt
	}
}

// newRemoteRequirement builds the row for a story created directly in the tracker
func newRemoteRequirement(id, remoteKey string, fields types.RemoteFields, now time.Time) *types.Requirement {
	text := fields.Mirror.Title
	if fields.Mirror.Description != "" {
		text = fields.Mirror.Title + "\n\n" + fields.Mirror.Description
	}
	req := &types.Requirement{
		ID:                 id,
		Text:               text,
		RegulatoryTags:     regulatoryTagsFromLabels(fields.Labels),
		RemoteKey:          types.StringPtr(remoteKey),
		RemoteKeyCreatedAt: types.TimePtr(now),
		CreatedAt:          now,
	}
	mergeMirror(&req.Mirror, fields.Mirror)
	return req
}

// newRemoteIssue builds the row for a bug created directly in the tracker
func newRemoteIssue(id, remoteKey string, fields types.RemoteFields, now time.Time) *types.Issue {
	issue := &types.Issue{
		ID:                 id,
		Notes:              fields.Mirror.Description,
		RemoteKey:          types.StringPtr(remoteKey),
		RemoteKeyCreatedAt: types.TimePtr(now),
		CreatedAt:          now,
	}
	if tags := regulatoryTagsFromLabels(fields.Labels); len(tags) > 0 {
		issue.RegulatoryTag = tags[0]
	}
	mergeMirror(&issue.Mirror, fields.Mirror)
	return issue
}

func regulatoryTagsFromLabels(labels []string) []string {
	var tags []string
	for _, l := range labels {
		if types.SystemLabel(l) {
			continue
		}
		tags = append(tags, l)
	}
	return tags
}
