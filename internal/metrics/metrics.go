// Package metrics exposes the Prometheus collectors for the gateway and the
// dispatch pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded by the dispatcher.
const (
	OutcomeSent     = "sent"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeDryRun   = "dry_run"
	OutcomeHeld     = "claim_held"
	OutcomeGaveUp   = "gave_up"
	OutcomeConflict = "already_delivered"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partyline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_deliveries_total",
			Help: "Delivery attempts by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partyline_send_duration_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 15},
		},
		[]string{"channel"},
	)

	dispatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_dispatch_runs_total",
			Help: "Dispatch runs by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	webhookStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_webhook_status_total",
			Help: "Provider status callbacks by reported status",
		},
		[]string{"status"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_commands_total",
			Help: "Inbound replies by recognised command",
		},
		[]string{"command"},
	)

	templateApprovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_template_approvals_total",
			Help: "Template approval state changes observed by the poller",
		},
		[]string{"status"},
	)

	queueMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_queue_messages_in_flight",
			Help: "Dispatch requests currently being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partyline_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDelivery counts one delivery attempt.
func RecordDelivery(outcome, channel string) {
	deliveriesTotal.WithLabelValues(outcome, channel).Inc()
}

// RecordSendDuration records how long a provider call took.
func RecordSendDuration(channel string, d time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordDispatchRun counts a finished dispatch run.
func RecordDispatchRun(trigger, result string) {
	dispatchRunsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordWebhookStatus counts a provider status callback.
func RecordWebhookStatus(status string) {
	webhookStatusTotal.WithLabelValues(status).Inc()
}

// RecordCommand counts an inbound reply.
func RecordCommand(command string) {
	commandsTotal.WithLabelValues(command).Inc()
}

// RecordTemplateApproval counts a template status change.
func RecordTemplateApproval(status string) {
	templateApprovals.WithLabelValues(status).Inc()
}

// SetQueueMessagesInFlight sets the current in-flight message count
func SetQueueMessagesInFlight(count int) {
	queueMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetBreakerState publishes a circuit breaker state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
