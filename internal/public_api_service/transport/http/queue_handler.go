package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/platform/phone"
	"github.com/aradsms/queue_services/internal/public_api_service/middleware"
	queueapp "github.com/aradsms/queue_services/internal/queue_service/app"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
	ratelimitapp "github.com/aradsms/queue_services/internal/ratelimit_service/app"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

const maxJSONBodySize = 32 << 10

// QueueService is the queue engine surface exposed over HTTP.
type QueueService interface {
	Join(ctx context.Context, req queueapp.JoinRequest) (*domain.QueueEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	Advance(ctx context.Context, locationCode string) (*domain.QueueEntry, error)
	SetServing(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	Complete(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	MarkNoShow(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	ReturnToQueue(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	Move(ctx context.Context, id uuid.UUID, targetLocationCode string) (*domain.QueueEntry, error)
	Delete(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.EntryPatch) (*domain.QueueEntry, error)
	SendStaffMessage(ctx context.Context, id uuid.UUID, body, requestKey string) (*outboxdomain.OutboxMessage, bool, error)
}

// JoinLimits caps public joins per client address and per phone.
type JoinLimits struct {
	PerIPPerMinute  int
	PerPhonePerHour int
}

func DefaultJoinLimits() JoinLimits {
	return JoinLimits{PerIPPerMinute: 10, PerPhonePerHour: 5}
}

type QueueHandler struct {
	queue      QueueService
	limiter    middleware.RateChecker
	limits     JoinLimits
	normalizer *phone.Normalizer
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewQueueHandler builds the queue routes. normalizer must match the one the queue
// engine uses so the per-phone join bucket is keyed by the same E.164 number.
func NewQueueHandler(queue QueueService, limiter middleware.RateChecker, limits JoinLimits, normalizer *phone.Normalizer, validate *validator.Validate, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:      queue,
		limiter:    limiter,
		limits:     limits,
		normalizer: normalizer,
		validate:   validate,
		logger:     logger.With("handler", "queue"),
	}
}

// RegisterPublicRoutes registers the customer-facing routes.
func (h *QueueHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/locations/{code}/entries", h.handleJoin)
	r.Get("/entries/{id}", h.handleGet)
}

// RegisterStaffRoutes registers routes that require an employee or admin.
func (h *QueueHandler) RegisterStaffRoutes(r chi.Router) {
	r.Post("/locations/{code}/advance", h.handleAdvance)
	r.Post("/entries/{id}/serve", h.transition((QueueService).SetServing))
	r.Post("/entries/{id}/complete", h.transition((QueueService).Complete))
	r.Post("/entries/{id}/cancel", h.transition((QueueService).Cancel))
	r.Post("/entries/{id}/no-show", h.transition((QueueService).MarkNoShow))
	r.Post("/entries/{id}/return", h.transition((QueueService).ReturnToQueue))
	r.Post("/entries/{id}/move", h.handleMove)
	r.Patch("/entries/{id}", h.handleUpdate)
	r.Delete("/entries/{id}", h.handleDelete)
	r.Post("/entries/{id}/messages", h.handleStaffMessage)
}

func (h *QueueHandler) requestLogger(r *http.Request) *slog.Logger {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	if u, ok := middleware.UserFromContext(r.Context()); ok {
		logger = logger.With("auth_user_id", u.ID)
	}
	return logger
}

func (h *QueueHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	code := chi.URLParam(r, "code")

	var req JoinEntryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	consentID, _ := uuid.Parse(req.ConsentVersionID)

	if h.limiter != nil {
		rules := []ratelimitdomain.Rule{
			ratelimitapp.ByIP("join", middleware.ClientIP(r), h.limits.PerIPPerMinute, ratelimitapp.Minute),
		}
		// An unparseable phone is rejected by Join itself.
		if e164, err := h.normalizer.Normalize(req.Phone); err == nil {
			rules = append(rules, ratelimitapp.ByPhone("join", e164, h.limits.PerPhonePerHour, ratelimitapp.Hour))
		}
		decision, err := h.limiter.Check(ctx, ratelimitdomain.FailOpen, rules...)
		if err != nil {
			logger.ErrorContext(ctx, "Join rate limit rules rejected", "error", err)
		} else if !decision.Allowed {
			middleware.WriteRateLimited(w, decision.RetryAfter)
			return
		}
	}

	entry, err := h.queue.Join(ctx, queueapp.JoinRequest{
		LocationCode:     code,
		Name:             req.Name,
		Email:            req.Email,
		Phone:            req.Phone,
		CustomerType:     req.CustomerType,
		ConsentVersionID: consentID,
		ServiceName:      req.ServiceName,
	})
	var already *domain.JoinConflictError
	if errors.As(err, &already) {
		logger.InfoContext(ctx, "Join repeated for active entry", "entry_id", already.Existing.ID)
		resp := toEntryResponse(already.Existing)
		resp.AlreadyQueued = true
		writeJSON(w, logger, http.StatusOK, resp)
		return
	}
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusCreated, toEntryResponse(entry))
}

func (h *QueueHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, err := entryID(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	entry, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, toEntryResponse(entry))
}

func (h *QueueHandler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	entry, err := h.queue.Advance(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, toEntryResponse(entry))
}

type transitionFunc func(QueueService, context.Context, uuid.UUID) (*domain.QueueEntry, error)

func (h *QueueHandler) transition(apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.requestLogger(r)
		id, err := entryID(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		entry, err := apply(h.queue, r.Context(), id)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, toEntryResponse(entry))
	}
}

func (h *QueueHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, err := entryID(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	var req MoveEntryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	entry, err := h.queue.Move(r.Context(), id, req.TargetLocationCode)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, toEntryResponse(entry))
}

func (h *QueueHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, err := entryID(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	var req UpdateEntryRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	entry, err := h.queue.Update(r.Context(), id, domain.EntryPatch{
		Name:        req.Name,
		Email:       req.Email,
		ServiceName: req.ServiceName,
	})
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, toEntryResponse(entry))
}

func (h *QueueHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, err := entryID(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	if _, err := h.queue.Delete(r.Context(), id); err != nil {
		writeError(w, r, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) handleStaffMessage(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, err := entryID(r)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	var req StaffMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	msg, created, err := h.queue.SendStaffMessage(r.Context(), id, req.Body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, logger, status, StaffMessageResponse{MessageID: msg.ID, Status: string(msg.Status), Created: created})
}

func (h *QueueHandler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core_domain.InvalidInputf("invalid request payload: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func entryID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, core_domain.InvalidInputf("invalid entry id")
	}
	return id, nil
}
