package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aradsms/queue_services/internal/public_api_service/middleware"
	ratelimitapp "github.com/aradsms/queue_services/internal/ratelimit_service/app"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

// InboundWebhook receives provider callbacks for inbound SMS.
type InboundWebhook interface {
	HandleInboundSMS(w http.ResponseWriter, r *http.Request)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Queue          *QueueHandler
	Outbox         *OutboxHandler
	Webhook        InboundWebhook
	Limiter        middleware.RateChecker
	JWTSecret      []byte
	StaffPerMinute int
	DB             Pinger
	Logger         *slog.Logger
}

// NewRouter assembles the public, staff, admin and webhook routes.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.DB.Ping(ctx); err != nil {
				logger.WarnContext(r.Context(), "Health check failed", "error", err)
				writeJSON(w, logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	if deps.Webhook != nil {
		r.Post("/webhooks/sms/inbound", deps.Webhook.HandleInboundSMS)
	}

	authMW := middleware.AuthMiddleware(deps.JWTSecret, logger)
	staffLimit := deps.StaffPerMinute
	if staffLimit <= 0 {
		staffLimit = 120
	}
	perUser := func(r *http.Request) []ratelimitdomain.Rule {
		u, _ := middleware.UserFromContext(r.Context())
		return []ratelimitdomain.Rule{ratelimitapp.ByUser("staff", u.ID, staffLimit, ratelimitapp.Minute)}
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		deps.Queue.RegisterPublicRoutes(v1)

		v1.Group(func(staff chi.Router) {
			staff.Use(authMW)
			staff.Use(middleware.RequireRole(logger, middleware.RoleEmployee, middleware.RoleAdmin))
			if deps.Limiter != nil {
				staff.Use(middleware.RateLimit(deps.Limiter, perUser, logger))
			}
			deps.Queue.RegisterStaffRoutes(staff)
		})

		if deps.Outbox != nil {
			v1.Group(func(admin chi.Router) {
				admin.Use(authMW)
				admin.Use(middleware.RequireRole(logger, middleware.RoleAdmin))
				deps.Outbox.RegisterRoutes(admin)
			})
		}
	})

	return r
}
