package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

type RateChecker interface {
	Check(ctx context.Context, policy ratelimitdomain.Policy, rules ...ratelimitdomain.Rule) (ratelimitdomain.Decision, error)
}

// RuleFunc derives the buckets a request counts against.
type RuleFunc func(r *http.Request) []ratelimitdomain.Rule

// RateLimit rejects requests over any bucket from rules with 429 and Retry-After.
// Limiter outages let the request through.
func RateLimit(limiter RateChecker, rules RuleFunc, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Check(r.Context(), ratelimitdomain.FailOpen, rules(r)...)
			if err != nil {
				logger.ErrorContext(r.Context(), "Rate limit rules rejected", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				WriteRateLimited(w, decision.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteRateLimited writes the 429 response shared by every limited route.
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeAuthError(w, "too many requests", http.StatusTooManyRequests)
}

// ClientIP is the request's remote address without the port. chi's RealIP
// middleware has already applied any trusted forwarding headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
