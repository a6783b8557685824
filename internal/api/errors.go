package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/gateway"
	"github.com/dispatchdesk/console/pkg/response"
)

// errorWriter turns service errors into console API responses
type errorWriter struct {
	loginRedirect string
	logger        *zap.Logger
}

func (e errorWriter) write(w http.ResponseWriter, r *http.Request, op string, err error) {
	var rejected *gateway.ServerRejectedError

	switch {
	case errors.Is(err, gateway.ErrSessionExpired), errors.Is(err, gateway.ErrSessionEnded):
		response.SessionExpired(w, e.loginRedirect)
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, gateway.ErrNoCredential):
		response.Unauthorized(w, "login required")
	case errors.Is(err, domain.ErrInvalidCredentials):
		response.Unauthorized(w, "invalid email or password")
	case errors.Is(err, domain.ErrNotificationNotFound):
		response.NotFound(w, "notification not found")
	case errors.Is(err, domain.ErrInvalidIdentityKey):
		response.BadRequest(w, "invalid notification key")
	case errors.Is(err, gateway.ErrConnectivity):
		e.logger.Warn(op+" failed: dispatch API unreachable", zap.Error(err))
		response.BadGateway(w, "dispatch API unreachable")
	case errors.As(err, &rejected):
		code := rejected.Code
		if code == "" {
			code = "UPSTREAM_REJECTED"
		}
		msg := rejected.Message
		if msg == "" {
			msg = http.StatusText(rejected.StatusCode)
		}
		response.Error(w, rejected.StatusCode, code, msg)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		e.logger.Error(op+" failed", zap.String("path", r.URL.Path), zap.Error(err))
		response.InternalError(w, op+" failed")
	}
}
