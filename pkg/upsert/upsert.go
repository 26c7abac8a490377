// Package upsert reflects tracker-side edits into the warehouse. Every
// write is keyed on the tracker's natural key so redelivered events land
// on one row.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// Writer applies one atomic conditional write
type Writer interface {
	UpsertRemote(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error)
}

// Webhook event names the resolver applies
const (
	EventCreated      = "created"
	EventUpdated      = "updated"
	EventIssueCreated = "jira:issue_created"
	EventIssueUpdated = "jira:issue_updated"
)

var errNoIssue = errors.New("webhook carries no issue key")

// Target is the row a webhook event addresses
type Target struct {
	Table types.Table
	Key   types.NaturalKey
}

// LockKey identifies the entity for per-entity serialization. Rows created
// by almsync carry their local id; others are addressed by remote key.
func (t Target) LockKey() string {
	if t.Key.LocalID != "" {
		return t.Key.LocalID
	}
	return "remote:" + t.Key.RemoteKey
}

// WebhookResult describes what a webhook did
type WebhookResult struct {
	Event   string              `json:"event"`
	Ignored bool                `json:"ignored,omitempty"`
	Target  Target              `json:"target"`
	Outcome types.UpsertOutcome `json:"outcome,omitempty"`
}

// Resolver turns tracker edits into warehouse upserts
type Resolver struct {
	store  Writer
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a resolver
func New(store Writer, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Upsert writes fields to the row addressed by key, inserting it when no
// row matches
func (r *Resolver) Upsert(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	if table != types.TableRequirement && table != types.TableIssue {
		metrics.UpsertsTotal.WithLabelValues(string(table), "rejected").Inc()
		return "", syncerr.Permanent("upsert", fmt.Errorf("table %s does not accept remote writes", table))
	}
	if key.RemoteKey == "" {
		metrics.UpsertsTotal.WithLabelValues(string(table), "rejected").Inc()
		return "", syncerr.Permanent("upsert", errNoIssue)
	}

	outcome, err := r.store.UpsertRemote(ctx, table, key, fields)
	if err != nil {
		metrics.UpsertsTotal.WithLabelValues(string(table), "error").Inc()
		if ctx.Err() != nil {
			return "", syncerr.Transient("upsert", err)
		}
		return "", syncerr.Storage("upsert", err)
	}
	metrics.UpsertsTotal.WithLabelValues(string(table), string(outcome)).Inc()

	r.logger.Debug().
		Str("table", string(table)).
		Str("remote_key", key.RemoteKey).
		Str("local_id", key.LocalID).
		Str("outcome", string(outcome)).
		Msg("Applied remote edit")
	return outcome, nil
}

// Accepts reports whether the resolver applies events of this name
func Accepts(event string) bool {
	switch event {
	case EventCreated, EventUpdated, EventIssueCreated, EventIssueUpdated:
		return true
	}
	return false
}

// TargetOf maps a webhook to the row it edits. Bugs are issues; every
// other issue type mirrors a requirement.
func TargetOf(ev *tracker.WebhookEvent) (Target, error) {
	if ev == nil || ev.Issue == nil || ev.Issue.Key == "" {
		return Target{}, syncerr.Permanent("webhook", errNoIssue)
	}
	t := Target{Table: types.TableRequirement, Key: types.NaturalKey{RemoteKey: ev.Issue.Key}}
	if ev.Issue.TypeName() == tracker.TypeBug {
		t.Table = types.TableIssue
	}
	if id, ok := types.LocalIDFromLabels(ev.Issue.Fields.Labels); ok {
		t.Key.LocalID = id
	}
	return t, nil
}

// ApplyWebhook applies a created or updated event. Other events are
// reported as ignored without touching the warehouse.
func (r *Resolver) ApplyWebhook(ctx context.Context, ev *tracker.WebhookEvent) (*WebhookResult, error) {
	if ev == nil {
		return nil, syncerr.Permanent("webhook", errNoIssue)
	}
	result := &WebhookResult{Event: ev.WebhookEvent}
	if !Accepts(ev.WebhookEvent) {
		result.Ignored = true
		metrics.WebhookEvents.WithLabelValues(ev.WebhookEvent, "ignored").Inc()
		r.logger.Debug().Str("event", ev.WebhookEvent).Msg("Ignoring webhook event")
		return result, nil
	}

	target, err := TargetOf(ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.WebhookEvent, "rejected").Inc()
		return nil, err
	}
	result.Target = target

	fields := types.RemoteFields{
		Mirror: ev.Issue.Mirror(r.now()),
		Labels: ev.Issue.Fields.Labels,
	}
	outcome, err := r.Upsert(ctx, target.Table, target.Key, fields)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.WebhookEvent, "error").Inc()
		return nil, err
	}
	result.Outcome = outcome
	metrics.WebhookEvents.WithLabelValues(ev.WebhookEvent, string(outcome)).Inc()
	return result, nil
}
