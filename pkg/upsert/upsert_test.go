package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/almsync/pkg/storage"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func webhook(t *testing.T, event, key, issueType, status, updated string, labels ...string) *tracker.WebhookEvent {
	t.Helper()
	if labels == nil {
		labels = []string{}
	}
	labelJSON, err := json.Marshal(labels)
	require.NoError(t, err)
	body := fmt.Sprintf(`{
		"webhookEvent": %q,
		"timestamp": 1701500400000,
		"issue": {
			"id": "10001",
			"key": %q,
			"fields": {
				"summary": "Audit log retention",
				"description": {"type":"doc","version":1,"content":[{"type":"paragraph","content":[{"type":"text","text":"Retain logs for six years."}]}]},
				"issuetype": {"name": %q},
				"priority": {"name": "High"},
				"status": {"name": %q},
				"assignee": {"displayName": "Dana Reviewer"},
				"labels": %s,
				"created": "2023-12-01T10:00:00.000+0000",
				"updated": %q
			}
		}
	}`, event, key, issueType, status, labelJSON, updated)

	var ev tracker.WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	return &ev
}

func TestApplyWebhookIsIdempotent(t *testing.T) {
	s := newStore(t)
	r := New(s, zerolog.Nop())
	ev := webhook(t, EventIssueCreated, "HC-9", "Bug", "To Do", "2023-12-02T07:00:00.000+0000", "HIPAA")

	first, err := r.ApplyWebhook(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.UpsertInserted, first.Outcome)
	assert.Equal(t, types.TableIssue, first.Target.Table)

	second, err := r.ApplyWebhook(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.UpsertUpdated, second.Outcome)

	issue, err := s.GetIssue(context.Background(), storage.RemoteRowID(types.TableIssue, "HC-9"))
	require.NoError(t, err)
	assert.Equal(t, "HC-9", *issue.RemoteKey)
	assert.Equal(t, "HIPAA", issue.RegulatoryTag)
	assert.Equal(t, "Audit log retention", issue.Mirror.Title)
	assert.Equal(t, "Retain logs for six years.", issue.Mirror.Description)
	assert.Equal(t, "Dana Reviewer", issue.Mirror.Assignee)
	assert.NotNil(t, issue.Mirror.SyncedAt)
}

func TestApplyWebhookConcurrentDeliveries(t *testing.T) {
	s := newStore(t)
	r := New(s, zerolog.Nop())
	ev := webhook(t, EventCreated, "HC-31", "Story", "To Do", "2023-12-02T07:00:00.000+0000")

	var wg sync.WaitGroup
	outcomes := make([]types.UpsertOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ApplyWebhook(context.Background(), ev)
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, o := range outcomes {
		if o == types.UpsertInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	linked, err := s.ListUnlinkedRequirements(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestApplyWebhookRoutesLabelledStoryToLocalRow(t *testing.T) {
	s := newStore(t)
	r := New(s, zerolog.Nop())
	req := &types.Requirement{ID: "8b0f7c52-5a4e-4d8e-9f0a-0e7e7c1d2a11", Text: "Encrypt PHI at rest", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRequirement(context.Background(), req))

	ev := webhook(t, EventIssueUpdated, "HC-4", "Story", "In Progress", "2023-12-02T07:00:00.000+0000",
		"automated-testing", types.IDLabel(req.ID))

	res, err := r.ApplyWebhook(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.UpsertUpdated, res.Outcome)
	assert.Equal(t, req.ID, res.Target.LockKey())

	got, err := s.GetRequirement(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "In Progress", got.Mirror.Status)
	assert.Equal(t, "Encrypt PHI at rest", got.Text)
}

func TestApplyWebhookSkipsOlderEdit(t *testing.T) {
	s := newStore(t)
	r := New(s, zerolog.Nop())

	_, err := r.ApplyWebhook(context.Background(), webhook(t, EventUpdated, "HC-2", "Bug", "Done", "2023-12-03T07:00:00.000+0000"))
	require.NoError(t, err)

	res, err := r.ApplyWebhook(context.Background(), webhook(t, EventUpdated, "HC-2", "Bug", "To Do", "2023-12-02T07:00:00.000+0000"))
	require.NoError(t, err)
	assert.Equal(t, types.UpsertSkipped, res.Outcome)

	issue, err := s.GetIssue(context.Background(), storage.RemoteRowID(types.TableIssue, "HC-2"))
	require.NoError(t, err)
	assert.Equal(t, "Done", issue.Mirror.Status)
}

func TestApplyWebhookRejections(t *testing.T) {
	r := New(newStore(t), zerolog.Nop())

	t.Run("ignored event", func(t *testing.T) {
		res, err := r.ApplyWebhook(context.Background(), webhook(t, "jira:issue_deleted", "HC-1", "Bug", "Done", "2023-12-02T07:00:00.000+0000"))
		require.NoError(t, err)
		assert.True(t, res.Ignored)
	})

	t.Run("missing issue", func(t *testing.T) {
		_, err := r.ApplyWebhook(context.Background(), &tracker.WebhookEvent{WebhookEvent: EventUpdated})
		assert.True(t, syncerr.IsPermanent(err))
	})

	t.Run("nil event", func(t *testing.T) {
		_, err := r.ApplyWebhook(context.Background(), nil)
		assert.True(t, syncerr.IsPermanent(err))
	})
}

type failingWriter struct{}

func (failingWriter) UpsertRemote(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	return "", errors.New("disk full")
}

func TestUpsertErrorClasses(t *testing.T) {
	tests := []struct {
		name  string
		store Writer
		table types.Table
		key   types.NaturalKey
		want  syncerr.Class
	}{
		{name: "immutable table", table: types.TableTestCase, key: types.NaturalKey{RemoteKey: "HC-1"}, want: syncerr.ClassPermanent},
		{name: "no remote key", table: types.TableIssue, want: syncerr.ClassPermanent},
		{name: "warehouse failure", store: failingWriter{}, table: types.TableIssue, key: types.NaturalKey{RemoteKey: "HC-1"}, want: syncerr.ClassStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			if store == nil {
				store = newStore(t)
			}
			_, err := New(store, zerolog.Nop()).Upsert(context.Background(), tt.table, tt.key, types.RemoteFields{})
			require.Error(t, err)
			assert.Equal(t, tt.want, syncerr.ClassOf(err))
		})
	}
}

func TestTargetLockKey(t *testing.T) {
	assert.Equal(t, "remote:HC-3", Target{Key: types.NaturalKey{RemoteKey: "HC-3"}}.LockKey())
	assert.Equal(t, "abc", Target{Key: types.NaturalKey{RemoteKey: "HC-3", LocalID: "abc"}}.LockKey())
	assert.True(t, Accepts(EventIssueCreated))
	assert.False(t, Accepts("comment_created"))
}
