package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedUserContextKey = ContextKey("authenticatedUser")
)

const (
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

// AuthenticatedUser is the staff identity carried by a verified bearer token.
type AuthenticatedUser struct {
	ID     string
	Role   string
	IsOpen bool
}

// StaffClaims are the claims issued by the dashboard's identity service.
type StaffClaims struct {
	Role   string `json:"role"`
	IsOpen bool   `json:"is_open"`
	jwt.RegisteredClaims
}

var (
	errMissingToken = errors.New("authorization header required")
	errBadScheme    = errors.New("unsupported authorization scheme")
)

// UserFromContext returns the user set by AuthMiddleware.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	u, ok := ctx.Value(AuthenticatedUserContextKey).(AuthenticatedUser)
	return u, ok
}

// WithUser is used by tests and internal callers to attach an identity.
func WithUser(ctx context.Context, u AuthenticatedUser) context.Context {
	return context.WithValue(ctx, AuthenticatedUserContextKey, u)
}

// AuthMiddleware verifies an HS256 bearer token signed with secret.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With("component", "auth_middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				logger.WarnContext(r.Context(), "Rejected request without usable credentials", "error", err)
				writeAuthError(w, err.Error(), http.StatusUnauthorized)
				return
			}

			var claims StaffClaims
			_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				writeAuthError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				writeAuthError(w, "token has no subject", http.StatusUnauthorized)
				return
			}

			user := AuthenticatedUser{ID: claims.Subject, Role: claims.Role, IsOpen: claims.IsOpen}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRole admits active users holding one of roles. AuthMiddleware must run first.
func RequireRole(logger *slog.Logger, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedUser not found in context. AuthMiddleware must run first.")
				writeAuthError(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !user.IsOpen {
				logger.WarnContext(r.Context(), "Inactive staff account", "user_id", user.ID)
				writeAuthError(w, "account is not active", http.StatusForbidden)
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.WarnContext(r.Context(), "Permission denied", "user_id", user.ID, "role", user.Role, "required", strings.Join(roles, ","))
			writeAuthError(w, "insufficient role", http.StatusForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errBadScheme
	}
	return strings.TrimSpace(token), nil
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
