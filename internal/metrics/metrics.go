// Package metrics holds the Prometheus collectors shared by the pipeline,
// the scheduler and the HTTP layer. Labels are kept to bounded sets: job
// names, channels, outcomes, test types, regions and registered routes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
)

var (
	// NotificationsTotal counts dispatch outcomes by channel (push, email).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotwatch_notifications_total",
			Help: "Notifications attempted, by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// JobRunsTotal counts scheduler runs by job and outcome.
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotwatch_job_runs_total",
			Help: "Scheduled job runs, by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	// JobSkipsTotal counts ticks dropped because the job was still running or
	// its gate was closed.
	JobSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotwatch_job_skips_total",
			Help: "Scheduler ticks skipped, by job and reason.",
		},
		[]string{"job", "reason"},
	)

	// JobDuration records run duration in seconds.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slotwatch_job_duration_seconds",
			Help:    "Duration of scheduled job runs in seconds.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	// MatchCandidatesTotal counts (subscription, slot) pairs produced by the
	// matcher.
	MatchCandidatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slotwatch_match_pairs_total",
			Help: "Subscription-slot pairs produced by the matcher.",
		},
	)

	// ObservedBatchesTotal counts slot observation batches by source and
	// outcome.
	ObservedBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotwatch_observed_batches_total",
			Help: "Slot observation batches consumed, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// ActiveSubscriptions gauges active subscriptions by test type.
	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slotwatch_active_subscriptions",
			Help: "Active subscriptions of active users, by test type.",
		},
		[]string{"test_type"},
	)

	// AvailableSlots gauges live slots by region and test type.
	AvailableSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slotwatch_available_slots",
			Help: "Live available slots, by region and test type.",
		},
		[]string{"region", "test_type"},
	)

	// AlertsSent24h gauges alerts acknowledged by a provider in the last day.
	AlertsSent24h = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotwatch_alerts_sent_24h",
			Help: "Alerts sent in the trailing 24 hours.",
		},
	)

	// LastObservationTimestamp is the unix time of the last successful
	// observation cycle.
	LastObservationTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotwatch_last_observation_timestamp_seconds",
			Help: "Unix time of the last successful observation cycle.",
		},
	)

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NotificationsTotal, JobRunsTotal, JobSkipsTotal, JobDuration,
		MatchCandidatesTotal, ObservedBatchesTotal,
		ActiveSubscriptions, AvailableSlots, AlertsSent24h, LastObservationTimestamp,
		httpReqs, httpLat, httpInflight,
	)
}

// ObserveJob records one finished run.
func ObserveJob(job, outcome string, d time.Duration) {
	JobRunsTotal.WithLabelValues(job, outcome).Inc()
	JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Middleware instruments requests. The path label is the matched chi route
// pattern; unmatched requests fall back to the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpReqs.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpLat.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
