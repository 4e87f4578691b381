package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var EventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_published_total",
		Help: "Total number of events accepted by the publisher",
	},
	[]string{"event_type"},
)

var DeliveriesCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_created_total",
		Help: "Total number of delivery records created for matched subscriptions",
	},
	[]string{"event_type"},
)

var PublishErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_publish_errors_total",
		Help: "Total number of registry or store errors swallowed by the publisher",
	},
	[]string{"stage"},
)

var AttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_attempts_total",
		Help: "Total number of dispatcher passes by resulting status",
	},
	[]string{"status", "reason"},
)

var AttemptDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "webhook_attempt_duration_seconds",
		Help:    "Duration of outbound webhook HTTP calls in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"class"},
)

var DeferredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deferred_total",
		Help: "Total number of deliveries deferred without an HTTP call",
	},
	[]string{"cause"},
)

var StaleWritesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_stale_writes_total",
		Help: "Total number of delivery writes discarded after losing a compare-and-set",
	},
)

var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "webhook_queue_depth",
		Help: "Number of first attempts waiting in the worker pool queue",
	},
)

var QueueRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_queue_rejections_total",
		Help: "Total number of first attempts left to the scheduler because the queue was full",
	},
)

var SchedulerClaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_scheduler_claimed_total",
		Help: "Total number of deliveries claimed by the retry scheduler",
	},
)

var SchedulerPassDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "webhook_scheduler_pass_duration_seconds",
		Help:    "Duration of one retry scheduler pass in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

var SideEffectFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_side_effect_failures_total",
		Help: "Total number of best-effort side effects dropped after exhausting retries",
	},
	[]string{"name"},
)

var ArchivedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_archived_total",
		Help: "Total number of terminal deliveries written to the archive",
	},
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of producer requests rejected by the per-tenant throttle",
	},
)

var WebSocketClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "webhook_websocket_clients",
		Help: "Number of connected dashboard websocket clients",
	},
)

var registerOnce sync.Once

// Register adds every collector to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsPublishedTotal,
			DeliveriesCreatedTotal,
			PublishErrorsTotal,
			AttemptsTotal,
			AttemptDuration,
			DeferredTotal,
			StaleWritesTotal,
			QueueDepth,
			QueueRejectionsTotal,
			SchedulerClaimedTotal,
			SchedulerPassDuration,
			SideEffectFailuresTotal,
			ArchivedTotal,
			HttpRequestsTotal,
			HttpRequestDuration,
			HttpRateLimitRejectionsTotal,
			WebSocketClients,
		)
	})
}
