package middleware

import (
	"context"
	"net/http"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/pkg/response"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	EmailKey  contextKey = "email"
)

// SessionReporter reports the current dispatch session
type SessionReporter interface {
	Status() *domain.SessionStatus
}

// SessionRequired rejects requests while no dispatcher is logged in
func SessionRequired(sessions SessionReporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := sessions.Status()
			if !status.Authenticated {
				response.Unauthorized(w, "login required")
				return
			}

			// Add user info to context
			ctx := r.Context()
			if status.UserID != "" {
				ctx = context.WithValue(ctx, UserIDKey, status.UserID)
				setSubject(ctx, status.UserID)
			}
			if status.Email != "" {
				ctx = context.WithValue(ctx, EmailKey, status.Email)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetEmail extracts email from context
func GetEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}
