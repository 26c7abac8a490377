/*
Package reconciler re-announces warehouse rows that never reached the
tracker.

Publishing is best effort, so an envelope can be lost between a warehouse
write and the message channel. The reconciler closes that gap by scanning
for rows whose remote_key is still null and publishing their envelopes
again:

	┌──────────────── every interval ────────────────┐
	│                                                 │
	│  ListUnlinkedRequirements(batch) ──▶ Publish   │
	│  ListUnlinkedIssues(batch)       ──▶ Publish   │
	│                                                 │
	└─────────────────────────────────────────────────┘

Rows already in flight may be announced twice. The dispatcher's per-entity
lock and the lifecycle's search-before-create make the duplicate harmless.
A sweep can also be run once with Sweep, which is what `almsync sweep`
does.
*/
package reconciler
