package types

// UpsertOutcome reports what a remote-originated write did to the warehouse
type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
	// UpsertSkipped means the stored row already reflects a newer remote edit
	UpsertSkipped UpsertOutcome = "skipped"
)

// NaturalKey addresses a row by the tracker's key. LocalID is set when the
// remote record carries our idempotency label, which lets an edit land on
// the row that created the remote record even before its key is stored.
type NaturalKey struct {
	RemoteKey string
	LocalID   string
}

// RemoteFields is the content a tracker edit carries into the warehouse
type RemoteFields struct {
	Mirror RemoteMirror
	// Labels are the remote labels; regulatory tags on remote-created
	// requirements are recovered from them.
	Labels []string
}
