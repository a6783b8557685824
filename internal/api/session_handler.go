package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/middleware"
	"github.com/dispatchdesk/console/pkg/response"
	"github.com/dispatchdesk/console/pkg/validator"
)

// SessionManager is the session surface the console API drives
type SessionManager interface {
	Login(ctx context.Context, email, password string) (*domain.SessionStatus, error)
	Logout() error
	Status() *domain.SessionStatus
	Resync(ctx context.Context, trigger string) error
}

// SessionHandler handles login, logout and session status
type SessionHandler struct {
	sessions SessionManager
	errors   errorWriter
	logger   *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionManager, loginRedirect string, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		errors:   errorWriter{loginRedirect: loginRedirect, logger: logger},
		logger:   logger,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Status returns the current session
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.sessions.Status())
}

// Login handles dispatcher login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	req.Email = validator.SanitizeEmail(req.Email)
	if errs := validator.ValidateLogin(req.Email, req.Password); errs.HasErrors() {
		response.BadRequest(w, errs.Error())
		return
	}

	status, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.errors.write(w, r, "login", err)
		return
	}

	response.OK(w, status)
}

// Logout ends the session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(); err != nil {
		// The session is over either way; only the stored copy lingered
		h.logger.Warn("stored credentials not cleared", zap.Error(err))
	}
	response.NoContent(w)
}

// Resync re-fetches the notification feed on demand
func (h *SessionHandler) Resync(w http.ResponseWriter, r *http.Request) {
	var who []zap.Field
	if id, ok := middleware.GetUserID(r.Context()); ok {
		who = append(who, zap.String("user_id", id))
	}
	if email, ok := middleware.GetEmail(r.Context()); ok {
		who = append(who, zap.String("email", email))
	}
	h.logger.Info("manual resync requested", who...)

	if err := h.sessions.Resync(r.Context(), "manual"); err != nil {
		h.errors.write(w, r, "resync", err)
		return
	}
	response.OK(w, h.sessions.Status())
}
