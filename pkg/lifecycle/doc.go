/*
Package lifecycle links warehouse rows to tracker records.

Each requirement becomes a story and each issue becomes a bug. A row moves
through three states:

	  Unlinked ──create/adopt──▶ Linked ──update──▶ Linked
	                               │
	                           404 on update
	                               │
	                               ▼
	                             Stale ──create──▶ Linked (new key)

A sync on a linked row pushes local content with an update. The tracker
owns priority and labels once the record exists, and the summary once it
has reported one back, so an update writes the description, re-adds the
idempotency label and leaves triage edits in place. If the tracker
reports the key as gone, the row is repaired by creating a fresh record and
replacing remote_key. Every record carries an idempotency label
(almsync-id-<local id>) so that, when search-before-create is enabled, a
retry after a lost key write-back adopts the record created by the failed
attempt instead of filing a duplicate.

The key write-back is skipped once the caller's context is done, so a
timed-out sync always leaves the row as it found it and the redelivered
envelope picks up from the same state.

Newly created bugs are linked to the parent requirement's story when that
story exists. A story that is linked after some of its bugs links those
bugs itself. A failed link is logged and reported in Result.LinkError; the
bug and its stored key are kept.

Concurrent syncs of the same entity are not safe. The dispatcher serializes
them with a per-entity lock.
*/
package lifecycle
