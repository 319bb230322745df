package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aradsms/queue_services/internal/core_domain"
	"github.com/aradsms/queue_services/internal/public_api_service/middleware"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError maps the shared error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()

	var rateLimited *core_domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		middleware.WriteRateLimited(w, rateLimited.RetryAfter)
		return
	}

	var conflict *domain.TransitionConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, logger, http.StatusConflict, GenericErrorResponse{
			Error: "conflict", Details: err.Error(), CurrentStatus: string(conflict.Current),
		})
		return
	}

	var status int
	var label string
	switch {
	case errors.Is(err, core_domain.ErrInvalidInput):
		status, label = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core_domain.ErrUnauthorized):
		status, label = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, core_domain.ErrForbidden):
		status, label = http.StatusForbidden, "forbidden"
	case errors.Is(err, core_domain.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, core_domain.ErrConflict):
		status, label = http.StatusConflict, "conflict"
	case errors.Is(err, core_domain.ErrRateLimited):
		middleware.WriteRateLimited(w, 0)
		return
	case errors.Is(err, core_domain.ErrUpstreamFailure):
		logger.ErrorContext(ctx, "Upstream failure", "error", err, "path", r.URL.Path)
		writeJSON(w, logger, http.StatusBadGateway, GenericErrorResponse{Error: "upstream_failure"})
		return
	default:
		logger.ErrorContext(ctx, "Unhandled error", "error", err, "path", r.URL.Path)
		writeJSON(w, logger, http.StatusInternalServerError, GenericErrorResponse{Error: "internal_error"})
		return
	}
	writeJSON(w, logger, status, GenericErrorResponse{Error: label, Details: err.Error()})
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError flattens validator output into one readable message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return core_domain.InvalidInputf("%v", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return core_domain.InvalidInputf("%s", strings.Join(parts, "; "))
}
