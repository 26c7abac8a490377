/*
Package events provides the at-least-once message channel that carries
entity envelopes from the publisher to the dispatcher.

Two transports implement Transport:

	┌──────────────────── TRANSPORTS ──────────────────────────┐
	│                                                            │
	│  MemoryBroker                 RedisStream                  │
	│  - buffered channel           - XADD / XREADGROUP          │
	│  - single process             - consumer group per fleet   │
	│  - lost on restart            - durable, XAUTOCLAIM for    │
	│                                 crashed consumers          │
	└────────────────────────────────────────────────────────────┘

A consumer answers every delivery with a Disposition. Ack removes the
envelope. Retry redelivers it with AttemptCount incremented after
RetryBackoff, doubled per attempt and capped at 30s; once the count
reaches MaxAttempts the envelope is dead-lettered instead: counted in
almsync_dead_letters_total, logged, and acknowledged. Nothing stays
unacknowledged forever.

RedisStream also counts deliveries that were never answered. An entry
reclaimed with XAUTOCLAIM carries its XPENDING delivery count into
AttemptCount, so a handler that keeps taking the process down still ends
in the dead letter.

Envelopes are JSON:

	{"kind": "Issue", "local_id": "6f0c...", "attempt_count": 2}

Deliveries are not deduplicated by message id. Handlers are idempotent and
the dispatcher serializes work per entity.
*/
package events
