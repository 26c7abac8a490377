package types

import (
	"fmt"
	"time"
)

// EntityKind names the kind of local entity an envelope refers to
type EntityKind string

const (
	KindRequirement EntityKind = "Requirement"
	KindIssue       EntityKind = "Issue"
)

// Valid reports whether k is one of the known entity kinds
func (k EntityKind) Valid() bool {
	switch k {
	case KindRequirement, KindIssue:
		return true
	}
	return false
}

// EntityRef identifies a single local entity
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"local_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// Envelope is the notification carried over the message channel.
// AttemptCount is maintained by the transport and starts at 1 on first delivery.
type Envelope struct {
	Kind         EntityKind `json:"kind"`
	LocalID      string     `json:"local_id"`
	AttemptCount int        `json:"attempt_count,omitempty"`
}

// Ref returns the entity the envelope points at
func (e Envelope) Ref() EntityRef {
	return EntityRef{Kind: e.Kind, ID: e.LocalID}
}

// Table names a warehouse table that accepts remote-originated writes
type Table string

const (
	TableRequirement Table = "requirement"
	TableTestCase    Table = "test_case"
	TableCompliance  Table = "compliance"
	TableIssue       Table = "issue"
)

// RemoteMirror holds the fields copied from the tracker when a human
// edits the remote record. Zero values mean the tracker has not reported them.
type RemoteMirror struct {
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	IssueType       string     `json:"issue_type,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	Status          string     `json:"status,omitempty"`
	Assignee        string     `json:"assignee,omitempty"`
	RemoteCreatedAt *time.Time `json:"remote_created_at,omitempty"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

// Requirement is a healthcare software requirement under test
type Requirement struct {
	ID                 string       `json:"req_id"`
	Text               string       `json:"text"`
	RegulatoryTags     []string     `json:"regulatory_tags"`
	RemoteKey          *string      `json:"remote_key,omitempty"`
	RemoteKeyCreatedAt *time.Time   `json:"remote_key_created_at,omitempty"`
	Mirror             RemoteMirror `json:"mirror"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Linked reports whether the requirement carries a remote key
func (r *Requirement) Linked() bool {
	return r.RemoteKey != nil && *r.RemoteKey != ""
}

// TestStep is a single action in a generated test case
type TestStep struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
}

// TestCasePayload is the structured document produced by the generator
type TestCasePayload struct {
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Preconditions   []string   `json:"preconditions,omitempty"`
	Steps           []TestStep `json:"steps,omitempty"`
	ExpectedResults []string   `json:"expected_results,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	TraceabilityID  string     `json:"traceability_id,omitempty"`
}

// TestCase is immutable after creation and never mirrored to the tracker
type TestCase struct {
	ID        string          `json:"test_id"`
	ReqID     string          `json:"req_id"`
	Sequence  int             `json:"sequence"`
	Payload   TestCasePayload `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Compliance is one append-only evaluation of a test case against a tag
type Compliance struct {
	ID              string    `json:"compliance_id"`
	TestID          string    `json:"test_id"`
	ReqID           string    `json:"req_id"`
	RegulatoryTag   string    `json:"regulatory_tag"`
	Score           float64   `json:"score"`
	Status          string    `json:"status,omitempty"`
	Violations      []string  `json:"violations,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Citations       []string  `json:"citations,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Issue is a compliance defect candidate mirrored to the tracker as a bug
type Issue struct {
	ID                 string       `json:"issue_id"`
	TestID             string       `json:"test_id"`
	ReqID              string       `json:"req_id"`
	RegulatoryTag      string       `json:"regulatory_tag"`
	Score              float64      `json:"score"`
	Notes              string       `json:"notes"`
	RemoteKey          *string      `json:"remote_key,omitempty"`
	RemoteKeyCreatedAt *time.Time   `json:"remote_key_created_at,omitempty"`
	Mirror             RemoteMirror `json:"mirror"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Linked reports whether the issue carries a remote key
func (i *Issue) Linked() bool {
	return i.RemoteKey != nil && *i.RemoteKey != ""
}

// Open reports whether the issue is still awaiting triage. An issue the
// tracker has never reported a status for counts as open.
func (i *Issue) Open() bool {
	switch i.Mirror.Status {
	case "Done", "Closed", "Resolved", "Won't Fix", "Cancelled":
		return false
	}
	return true
}

// Evaluation is what the generation collaborator returns for one
// (test case, tag) compliance check. Score is nil when the collaborator
// produced no score.
type Evaluation struct {
	Score           *float64 `json:"compliance_score"`
	Status          string   `json:"compliance_status,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Violations      []string `json:"violations,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Citations       []string `json:"regulatory_citations,omitempty"`
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
