/*
Package storage provides the warehouse: durable tables for requirements,
generated test cases, compliance evaluations and issues.

Two backends implement the Store interface. BoltStore keeps every table in
its own bbolt bucket as JSON, which suits a single-node deployment with no
external services. SQLStore maps the same tables onto sqlite or postgres
through gorm for deployments that share the warehouse with reporting tools.

# Architecture

	┌──────────────────── WAREHOUSE ───────────────────────────┐
	│                                                            │
	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐  │
	│  │ requirement  │──▶│  test_case   │──▶│  compliance  │  │
	│  │  remote_key  │   │  immutable   │   │ append-only  │  │
	│  └──────┬───────┘   └──────┬───────┘   └──────────────┘  │
	│         │                  │                               │
	│         │           ┌──────▼───────┐                       │
	│         │           │    issue     │                       │
	│         │           │  remote_key  │                       │
	│         │           └──────┬───────┘                       │
	│  ┌──────▼──────────────────▼─────────────────────┐        │
	│  │     remote_key index (unique per table)        │        │
	│  └────────────────────────────────────────────────┘        │
	└────────────────────────────────────────────────────────────┘

BoltStore keeps the remote_key index in its own buckets
(requirement_remote_keys, issue_remote_keys). SQLStore uses a unique index
on the remote_key column; NULL keys do not collide.

# Remote writes

UpsertRemote is the only entry point for tracker-originated edits. It
resolves the target row by the local id recovered from the idempotency
label, then by remote key, and inserts a new row when neither matches. The
inserted row's id is derived from the table and remote key
(RemoteRowID), so redelivered creation events land on the same row.

An edit whose remote updated timestamp is older than the stored one is
reported as UpsertSkipped and leaves the row untouched. Equal timestamps are
applied, which makes replaying an edit idempotent.

UpsertRemote never touches remote_key on an existing row. Only the
lifecycle writes remote keys for locally created rows, through
SetRequirementRemoteKey and SetIssueRemoteKey.

# Usage

	store, err := storage.NewBoltStore("/var/lib/almsync")
	if err != nil {
		return err
	}
	defer store.Close()

	outcome, err := store.UpsertRemote(ctx, types.TableIssue,
		types.NaturalKey{RemoteKey: "HC-42"}, fields)

For a relational warehouse:

	store, err := storage.OpenSQLStore("postgres", dsn)
*/
package storage
