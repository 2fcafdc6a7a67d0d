// Package ingest brings problems into the pipeline: the webhook pushed by the
// platform and the single-shot feed poller.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
	"github.com/bissquit/problem-relay/internal/pkg/httputil"
	"github.com/bissquit/problem-relay/internal/store"
)

const (
	defaultProcessTimeout = 60 * time.Second
	defaultMaxBodyBytes   = 1 << 20

	// Rejected deliveries have no (ProblemID, State) and are archived as
	// invalid-{delivery id} with this state.
	invalidPrefix = "invalid-"
	invalidState  = "INVALID"
)

// ProblemHandler runs the notification pipeline for one problem id.
type ProblemHandler interface {
	HandleProblemID(ctx context.Context, problemID string) (*notifications.Result, error)
}

// Config holds webhook handler configuration.
type Config struct {
	ProcessTimeout time.Duration
	MaxBodyBytes   int64
}

// Stats counts webhook deliveries for the status page.
type Stats struct {
	received     atomic.Int64
	lastReceived atomic.Int64
}

// Received returns the number of deliveries since start.
func (s *Stats) Received() int64 {
	return s.received.Load()
}

// LastReceived returns the time of the latest delivery, zero if none.
func (s *Stats) LastReceived() time.Time {
	ns := s.lastReceived.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Stats) record() {
	s.received.Add(1)
	s.lastReceived.Store(time.Now().UnixNano())
}

// Handler receives problem notifications pushed by the platform.
type Handler struct {
	pipeline  ProblemHandler
	archive   store.PayloadArchive
	validator *validator.Validate
	config    Config
	stats     *Stats
}

// NewHandler creates a webhook handler. archive may be nil.
func NewHandler(pipeline ProblemHandler, archive store.PayloadArchive, config Config) *Handler {
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = defaultProcessTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &Handler{
		pipeline:  pipeline,
		archive:   archive,
		validator: validator.New(),
		config:    config,
		stats:     &Stats{},
	}
}

// Stats returns the delivery counters.
func (h *Handler) Stats() *Stats {
	return h.stats
}

// RegisterRoutes registers the webhook route. Authentication is applied by the caller.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Receive)
}

// Receive handles POST /. The platform always gets 200 OK; failures are only logged.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	ctx, logger := ctxlog.With(r.Context(), "delivery_id", deliveryID)

	defer func() {
		if rec := recover(); rec != nil {
			recordWebhook(webhookFailed)
			logger.Error("webhook processing panicked", "panic", rec, "stack", string(debug.Stack()))
			httputil.Text(w, http.StatusOK, "OK")
		}
	}()

	h.stats.record()

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodyBytes+1))
	switch {
	case err != nil:
		err = &ValidationError{Field: "body", Reason: "read failed", Err: err}
	case int64(len(raw)) > h.config.MaxBodyBytes:
		recordWebhook(webhookInvalid)
		h.archiveInvalid(ctx, deliveryID, raw[:h.config.MaxBodyBytes])
		err = &ValidationError{Field: "body", Reason: fmt.Sprintf("larger than %d bytes", h.config.MaxBodyBytes)}
	default:
		err = h.process(ctx, deliveryID, raw)
	}

	var verr *ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		logger.Warn("webhook payload rejected", "error", err)
	default:
		logger.Error("webhook processing failed", "error", err)
	}

	httputil.Text(w, http.StatusOK, "OK")
}

// Process handles one raw delivery: decode, validate, archive, then run the
// pipeline for its PID under a timeout detached from the caller's cancellation.
// Rejected payloads are archived under a generated delivery id.
func (h *Handler) Process(ctx context.Context, raw []byte) error {
	return h.process(ctx, uuid.NewString(), raw)
}

func (h *Handler) process(ctx context.Context, deliveryID string, raw []byte) error {
	logger := ctxlog.FromContext(ctx)

	var payload domain.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		recordWebhook(webhookInvalid)
		h.archiveInvalid(ctx, deliveryID, raw)
		return &ValidationError{Field: "body", Reason: "invalid JSON", Err: err}
	}

	if err := h.validator.Struct(payload); err != nil {
		recordWebhook(webhookInvalid)
		h.archiveInvalid(ctx, deliveryID, raw)
		return toValidationError(err)
	}

	ctx, logger = ctxlog.With(ctx, "webhook_problem_id", payload.ProblemID, "state", payload.State)
	logger.Info("webhook received", "pid", payload.PID, "title", payload.ProblemTitle)

	if h.archive != nil {
		if err := h.archive.SavePayload(ctx, payload.ProblemID, payload.State, raw); err != nil {
			logger.Error("failed to archive webhook payload", "error", err)
		}
	}

	if payload.IsTest() {
		recordWebhook(webhookTest)
		logger.Info("test notification received, nothing to do")
		return nil
	}

	if payload.PID == "" {
		recordWebhook(webhookInvalid)
		return &ValidationError{Field: "PID", Reason: "required"}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.ProcessTimeout)
	defer cancel()

	result, err := h.pipeline.HandleProblemID(pctx, payload.PID)
	if err != nil {
		recordWebhook(webhookFailed)
		return fmt.Errorf("handle problem %s: %w", payload.PID, err)
	}

	if result.Skipped {
		recordWebhook(webhookSkipped)
	} else {
		recordWebhook(webhookProcessed)
	}
	return nil
}

func (h *Handler) archiveInvalid(ctx context.Context, deliveryID string, raw []byte) {
	if h.archive == nil {
		return
	}
	key := invalidPrefix + deliveryID
	if err := h.archive.SavePayload(ctx, key, invalidState, raw); err != nil {
		ctxlog.FromContext(ctx).Error("failed to archive rejected payload", "key", key, "error", err)
		return
	}
	ctxlog.FromContext(ctx).Info("rejected payload archived", "key", key)
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag(), Err: err}
	}
	return &ValidationError{Field: "body", Reason: "validation failed", Err: err}
}
