package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/circuitbreaker"
	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/inbound"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/redis"
	"github.com/lalithlochan/partyline/internal/sqs"
)

// Repository is the read access the handlers need.
type Repository interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.MessageTemplate, error)
}

// Inbound applies provider callbacks.
type Inbound interface {
	HandleStatus(ctx context.Context, cb inbound.StatusCallback) (*db.Delivery, error)
	HandleReply(ctx context.Context, r inbound.Reply) (inbound.Command, error)
}

// Dispatcher runs dispatch passes synchronously.
type Dispatcher interface {
	Run(ctx context.Context, opts dispatch.Options) (*dispatch.Report, error)
}

// Workflows are the orchestration steps exposed over HTTP.
type Workflows interface {
	CreateEvent(ctx context.Context, event *db.Event) (int, error)
	Invite(ctx context.Context, eventID, personID uuid.UUID) (*db.Invitation, bool, error)
	SubmitTemplate(ctx context.Context, t *db.MessageTemplate) error
}

// Enqueuer hands dispatch requests to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req sqs.DispatchRequest) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	inbound     Inbound
	dispatcher  Dispatcher
	workflows   Workflows
	idempotency *redis.IdempotencyService // nil if Redis not configured
	queue       Enqueuer                  // nil if SQS not configured
	signatures  *signatureConfig          // nil skips webhook signature checks
	checks      map[string]HealthCheck
	breakers    []*circuitbreaker.CircuitBreaker
}

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

type signatureConfig struct {
	authToken string
	publicURL string
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, in Inbound, dispatcher Dispatcher, workflows Workflows) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		inbound:    in,
		dispatcher: dispatcher,
		workflows:  workflows,
	}
}

// WithIdempotency replays responses of requests retried with the same
// Idempotency-Key header.
func (h *Handler) WithIdempotency(s *redis.IdempotencyService) *Handler {
	h.idempotency = s
	return h
}

// WithQueue allows asynchronous dispatch requests.
func (h *Handler) WithQueue(q Enqueuer) *Handler {
	h.queue = q
	return h
}

// WithSignatures rejects webhooks not signed with authToken. publicURL is the
// externally visible base URL the provider signs against.
func (h *Handler) WithSignatures(authToken, publicURL string) *Handler {
	h.signatures = &signatureConfig{authToken: authToken, publicURL: publicURL}
	return h
}

// WithHealthCheck adds a dependency to the /ready probe.
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	if h.checks == nil {
		h.checks = make(map[string]HealthCheck)
	}
	h.checks[name] = check
	return h
}

// WithBreakers lists the provider circuit breakers on the /ready probe.
func (h *Handler) WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = append(h.breakers, breakers...)
	return h
}

// ReadyResponse is the body of GET /ready
type ReadyResponse struct {
	Checks   map[string]string      `json:"checks"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// Ready handles GET /ready. It returns 503 when any dependency fails. An open
// breaker is reported but does not fail the probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := ReadyResponse{Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	for _, b := range h.breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}
	h.write(w, response{status: status, body: resp})
}

// Mount registers the /v1 routes on r. Webhooks are rate limited per client
// IP when limiter is set.
func (h *Handler) Mount(r chi.Router, limiter *redis.RateLimiter) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(RateLimitMiddleware(limiter, h.logger, IPKeyFunc))
			r.Use(h.verifySignature)

			r.Post("/status", h.StatusWebhook)
			r.Post("/inbound", h.InboundWebhook)
		})

		r.Post("/events", h.CreateEvent)
		r.Post("/events/{id}/dispatch", h.Dispatch)
		r.Post("/events/{id}/invitations/{personID}", h.Invite)
		r.Post("/templates/{id}/submit", h.SubmitTemplate)
	})
}

// response is a status and a JSON body; bodies of type ErrorResponse are
// written as problem+json.
type response struct {
	status int
	body   any
}

func problem(status int, errType, title, detail string) response {
	return response{status: status, body: ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	}}
}

func (h *Handler) write(w http.ResponseWriter, resp response) {
	if _, ok := resp.body.(ErrorResponse); ok {
		w.Header().Set("Content-Type", "application/problem+json")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.status)
	if resp.body != nil {
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	h.write(w, problem(status, errType, title, detail))
}

// idempotent runs fn once per Idempotency-Key within scope. Successful
// responses are cached and replayed; failed ones release the key so the
// client can retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, scope string, fn func() response) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		h.write(w, fn())
		return
	}
	ctx := r.Context()

	cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
	switch {
	case errors.Is(err, redis.ErrDuplicateRequest):
		h.writeError(w, http.StatusConflict, "duplicate_request",
			"Request is already being processed",
			"Another request with this idempotency key is in progress")
		return
	case err != nil:
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		h.write(w, fn())
		return
	case cached != nil:
		metrics.RecordIdempotencyHit()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return
	}

	resp := fn()
	// the reservation must not outlive a cancelled request
	storeCtx := context.WithoutCancel(ctx)

	if resp.status >= 400 {
		if err := h.idempotency.Release(storeCtx, scope, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
		h.write(w, resp)
		return
	}

	body, err := json.Marshal(resp.body)
	if err == nil {
		err = h.idempotency.Store(storeCtx, scope, key, &redis.CachedResponse{
			StatusCode: resp.status,
			Body:       body,
			CreatedAt:  time.Now().Unix(),
		})
	}
	if err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
	h.write(w, resp)
}

func parseID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	return id, err == nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
