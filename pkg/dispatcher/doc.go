/*
Package dispatcher routes envelopes from the message channel and webhook
events from the tracker to their handlers.

	Transport ──▶ Runner (N consumers) ──▶ Dispatcher.Handle
	                                           │
	                      ┌────────────────────┼───────────────────┐
	                      ▼                    ▼                   ▼
	            Requirement envelope     Issue envelope       unknown kind
	            SyncRequirement          SyncIssue            ack + warn

	Webhook API ──▶ Dispatcher.HandleWebhook ──▶ upsert.Resolver

Every handler runs under a per-entity lock with a bounded timeout. Envelopes
lock on the local id; webhooks lock on the idempotency label's local id
when the record carries one and on "remote:<key>" otherwise. The lifecycle
and the upsert resolver therefore never write the same row concurrently,
while different entities proceed in parallel.

Failures map to dispositions by class:

	transient, storage, stale   Retry (transport redelivers, then dead-letters)
	permanent                   Ack, logged at error level

A handler that runs past its deadline fails with a context error, which
classifies as transient.
*/
package dispatcher
