/*
Package metrics provides Prometheus instrumentation and health reporting
for almsync.

All metrics are package-level collectors registered with the default
Prometheus registry at init and exposed by Handler on /metrics.

# Metric Families

	┌──────────────────── METRICS ─────────────────────────────┐
	│                                                            │
	│  Warehouse    almsync_unlinked_entities{kind}              │
	│               almsync_upserts_total{table,outcome}         │
	│                                                            │
	│  Tracker      almsync_tracker_requests_total{op,result}    │
	│               almsync_tracker_request_duration_seconds     │
	│                                                            │
	│  Transport    almsync_envelopes_published_total            │
	│               almsync_envelopes_handled_total              │
	│               almsync_dead_letters_total{kind}             │
	│               almsync_handler_duration_seconds{kind}       │
	│                                                            │
	│  Lifecycle    almsync_lifecycle_syncs_total{kind,action}   │
	│               almsync_webhook_events_total{event,result}   │
	│                                                            │
	│  Materialize  almsync_materialize_items_total{outcome}     │
	│               almsync_compliance_score                     │
	│               almsync_issues_created_total                 │
	│                                                            │
	│  Reconciler   almsync_reconcile_duration_seconds           │
	│               almsync_reconcile_republished_total{kind}    │
	│                                                            │
	│  API          almsync_api_requests_total                   │
	│               almsync_api_request_duration_seconds         │
	└────────────────────────────────────────────────────────────┘

# Timing

	timer := metrics.NewTimer()
	resp, err := c.do(req)
	timer.ObserveDurationVec(metrics.TrackerRequestDuration, "create_issue")

# Health

Components report their state with UpdateComponent. GetReadiness waits on
the critical set (warehouse, transport and api by default, see
SetCriticalComponents). GetHealth returns degraded when only a non-critical
component such as the tracker is failing, so a tracker outage does not pull
the process out of a load balancer.

The Collector samples the number of unlinked rows into
almsync_unlinked_entities and flags the warehouse component when the
sample fails.
*/
package metrics
