package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/core_domain"
	outboxapp "github.com/aradsms/queue_services/internal/outbox_service/app"
	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
)

// DeliveryService is the operator surface of the outbox.
type DeliveryService interface {
	Sweep(ctx context.Context) (outboxapp.SweepResult, error)
	ProcessNow(ctx context.Context, id uuid.UUID) (outboxapp.Outcome, error)
	ListDead(ctx context.Context, limit int) ([]*outboxdomain.OutboxMessage, error)
	Get(ctx context.Context, id uuid.UUID) (*outboxdomain.OutboxMessage, error)
}

type OutboxHandler struct {
	delivery DeliveryService
	logger   *slog.Logger
}

func NewOutboxHandler(delivery DeliveryService, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{delivery: delivery, logger: logger.With("handler", "outbox")}
}

type ProcessResponse struct {
	ID      uuid.UUID `json:"id"`
	Outcome string    `json:"outcome"`
}

type DeadListResponse struct {
	Messages []OutboxMessageResponse `json:"messages"`
	Count    int                     `json:"count"`
}

// RegisterRoutes mounts the admin outbox routes. Callers apply admin auth.
func (h *OutboxHandler) RegisterRoutes(r chi.Router) {
	r.Get("/outbox/dead", h.handleListDead)
	r.Post("/outbox/sweep", h.handleSweep)
	r.Get("/outbox/{id}", h.handleGet)
	r.Post("/outbox/{id}/process", h.handleProcess)
}

func (h *OutboxHandler) handleListDead(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, logger, core_domain.InvalidInputf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := h.delivery.ListDead(r.Context(), limit)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	resp := DeadListResponse{Messages: make([]OutboxMessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toOutboxMessageResponse(m))
	}
	resp.Count = len(resp.Messages)
	writeJSON(w, logger, http.StatusOK, resp)
}

func (h *OutboxHandler) handleSweep(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	result, err := h.delivery.Sweep(r.Context())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, result)
}

func (h *OutboxHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, logger, core_domain.InvalidInputf("invalid message id"))
		return
	}
	msg, err := h.delivery.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, toOutboxMessageResponse(msg))
}

func (h *OutboxHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, logger, core_domain.InvalidInputf("invalid message id"))
		return
	}
	outcome, err := h.delivery.ProcessNow(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, ProcessResponse{ID: id, Outcome: string(outcome)})
}
