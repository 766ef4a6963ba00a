package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// JWTValidator defines the interface for validating JWT tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator.
type JWTClaims struct {
	UserID string
	Role   string
}

type contextKeyStaffID struct{}
type contextKeyStaffRole struct{}

var (
	ContextKeyStaffID   = contextKeyStaffID{}
	ContextKeyStaffRole = contextKeyStaffRole{}
)

// GetStaffID retrieves the authenticated staff user ID from the context.
func GetStaffID(ctx context.Context) string {
	staffID, ok := ctx.Value(ContextKeyStaffID).(string)
	if !ok {
		return ""
	}
	return staffID
}

// GetStaffRole retrieves the authenticated staff role from the context.
func GetStaffRole(ctx context.Context) string {
	role, ok := ctx.Value(ContextKeyStaffRole).(string)
	if !ok {
		return ""
	}
	return role
}

// RequireStaff gates a route tree behind a valid staff bearer token.
func RequireStaff(validator JWTValidator, staffRole string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok {
				logger.WarnContext(r.Context(), "unauthorized access - missing token")
				unauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized access - invalid token", "error", err)
				unauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Role != staffRole {
				logger.WarnContext(r.Context(), "forbidden access - non-staff token",
					"user_id", claims.UserID, "role", claims.Role)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"Staff role required"}`))
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ContextKeyStaffID, claims.UserID)
			ctx = context.WithValue(ctx, ContextKeyStaffRole, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
