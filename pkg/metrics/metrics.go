package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Warehouse metrics
	UnlinkedEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "almsync_unlinked_entities",
			Help: "Number of local entities without a remote key by kind",
		},
		[]string{"kind"},
	)

	UpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_upserts_total",
			Help: "Remote-originated warehouse writes by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	// Tracker metrics
	TrackerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_tracker_requests_total",
			Help: "Tracker API calls by operation and result class",
		},
		[]string{"operation", "result"},
	)

	TrackerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "almsync_tracker_request_duration_seconds",
			Help:    "Tracker API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transport metrics
	EnvelopesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_envelopes_published_total",
			Help: "Envelopes handed to the transport by kind and result",
		},
		[]string{"kind", "result"},
	)

	EnvelopesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_envelopes_handled_total",
			Help: "Envelopes processed by the dispatcher by kind and disposition",
		},
		[]string{"kind", "disposition"},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_dead_letters_total",
			Help: "Envelopes dropped after exhausting redelivery",
		},
		[]string{"kind"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "almsync_handler_duration_seconds",
			Help:    "Time spent handling one envelope in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Lifecycle metrics
	LifecycleSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_lifecycle_syncs_total",
			Help: "Remote reference transitions by kind and action",
		},
		[]string{"kind", "action"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_webhook_events_total",
			Help: "Tracker webhook deliveries by event type and result",
		},
		[]string{"event", "result"},
	)

	// Materializer metrics
	MaterializeItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_materialize_items_total",
			Help: "Materializer batch items by outcome",
		},
		[]string{"outcome"},
	)

	ComplianceScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "almsync_compliance_score",
			Help:    "Distribution of compliance scores written to the warehouse",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	IssuesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "almsync_issues_created_total",
			Help: "Issues raised for scores below the threshold",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "almsync_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileRepublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_reconcile_republished_total",
			Help: "Unlinked entities re-announced by the reconciler",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almsync_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "almsync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UnlinkedEntities)
	prometheus.MustRegister(UpsertsTotal)
	prometheus.MustRegister(TrackerRequestsTotal)
	prometheus.MustRegister(TrackerRequestDuration)
	prometheus.MustRegister(EnvelopesPublished)
	prometheus.MustRegister(EnvelopesHandled)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(LifecycleSyncs)
	prometheus.MustRegister(WebhookEvents)
	prometheus.MustRegister(MaterializeItems)
	prometheus.MustRegister(ComplianceScores)
	prometheus.MustRegister(IssuesCreated)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileRepublished)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
