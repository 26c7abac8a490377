package tracker

import (
	"encoding/json"
	"time"

	"github.com/cuemby/almsync/pkg/types"
)

// dateLayout is the tracker's timestamp format, e.g. 2023-12-01T10:30:00.000+0000
const dateLayout = "2006-01-02T15:04:05.000-0700"

// Remote issue types
const (
	TypeStory = "Story"
	TypeBug   = "Bug"
)

// IssueInput is the content written on create and update. On update an
// empty Summary, Priority or nil Labels leaves the remote value alone, and
// AddLabels are added without touching labels set by people.
type IssueInput struct {
	Summary     string
	Description Node
	IssueType   string
	Priority    string
	Labels      []string
	AddLabels   []string
}

// Named is a {"name": ...} reference such as an issue type or status
type Named struct {
	Name string `json:"name"`
}

// User is a tracker account
type User struct {
	DisplayName string `json:"displayName"`
}

// Fields is the subset of remote issue fields mirrored locally
type Fields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description,omitempty"`
	IssueType   *Named          `json:"issuetype,omitempty"`
	Priority    *Named          `json:"priority,omitempty"`
	Status      *Named          `json:"status,omitempty"`
	Assignee    *User           `json:"assignee,omitempty"`
	Labels      []string        `json:"labels,omitempty"`
	Created     string          `json:"created,omitempty"`
	Updated     string          `json:"updated,omitempty"`
}

// Issue is a remote record as returned by get, search and webhooks
type Issue struct {
	ID     string `json:"id,omitempty"`
	Key    string `json:"key"`
	Fields Fields `json:"fields"`
}

// TypeName returns the issue type name, or "" when absent
func (i *Issue) TypeName() string {
	if i.Fields.IssueType == nil {
		return ""
	}
	return i.Fields.IssueType.Name
}

// Mirror converts the remote fields into warehouse mirror columns.
// Unparseable timestamps are left unset.
func (i *Issue) Mirror(syncedAt time.Time) types.RemoteMirror {
	m := types.RemoteMirror{
		Title:           i.Fields.Summary,
		Description:     PlainText(i.Fields.Description),
		IssueType:       i.TypeName(),
		RemoteCreatedAt: parseTimeOrNil(i.Fields.Created),
		RemoteUpdatedAt: parseTimeOrNil(i.Fields.Updated),
		SyncedAt:        types.TimePtr(syncedAt.UTC()),
	}
	if i.Fields.Priority != nil {
		m.Priority = i.Fields.Priority.Name
	}
	if i.Fields.Status != nil {
		m.Status = i.Fields.Status.Name
	}
	if i.Fields.Assignee != nil {
		m.Assignee = i.Fields.Assignee.DisplayName
	}
	return m
}

// WebhookEvent is the body the tracker posts on issue changes
type WebhookEvent struct {
	WebhookEvent string `json:"webhookEvent"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	Issue        *Issue `json:"issue,omitempty"`
}

// ParseTime parses a tracker timestamp, accepting RFC 3339 as well.
// The result is in UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		var rfcErr error
		if t, rfcErr = time.Parse(time.RFC3339Nano, s); rfcErr != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

func parseTimeOrNil(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}
