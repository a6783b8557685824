package domain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/auth"
	"github.com/dispatchdesk/console/internal/channel"
	"github.com/dispatchdesk/console/internal/credential"
	"github.com/dispatchdesk/console/internal/metrics"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// TokenPair is what the login endpoint issues
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// AuthRepository is the server-side login resource
type AuthRepository interface {
	Login(ctx context.Context, email, password string) (*TokenPair, error)
}

// SessionGateway is the part of the request gateway the session controls
type SessionGateway interface {
	Abandon()
	OnSessionExpired(fn func(error))
}

// PushChannel is the owned push connection of a session
type PushChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() channel.State
	OnEvent(fn func(channel.Event))
	OnStateChange(fn func(channel.State))
}

// SessionEventType names a session lifecycle event
type SessionEventType string

const (
	SessionLoggedIn  SessionEventType = "logged_in"
	SessionLoggedOut SessionEventType = "logged_out"
	SessionExpired   SessionEventType = "session_expired"
)

// SessionEvent is published on login, logout and expiry. Expiry carries the
// login entry point the UI must navigate to.
type SessionEvent struct {
	Type     SessionEventType `json:"type"`
	Redirect string           `json:"redirect,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// SessionStatus describes the current session
type SessionStatus struct {
	Authenticated bool          `json:"authenticated"`
	UserID        string        `json:"user_id,omitempty"`
	Email         string        `json:"email,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Connection    channel.State `json:"connection"`
	Unread        int           `json:"unread"`
}

// SessionConfig holds session policy
type SessionConfig struct {
	// LoginRedirect is where the UI goes after the session expires
	LoginRedirect string
}

// SessionService owns the session lifecycle: it stores credentials on
// login, keeps the push channel and feed alive while authenticated and
// tears everything down on logout or expiry.
type SessionService struct {
	auth          AuthRepository
	creds         *credential.Store
	gateway       SessionGateway
	channel       PushChannel
	notifications *NotificationService
	cfg           SessionConfig
	logger        *zap.Logger

	mu              sync.Mutex
	baseCtx         context.Context
	sessionCtx      context.Context
	sessionCancel   context.CancelFunc
	connectedBefore bool
	listeners       []func(SessionEvent)
}

// NewSessionService creates a session service and wires the gateway and
// channel callbacks into it
func NewSessionService(
	authRepo AuthRepository,
	creds *credential.Store,
	gw SessionGateway,
	ch PushChannel,
	notifications *NotificationService,
	cfg SessionConfig,
	logger *zap.Logger,
) *SessionService {
	s := &SessionService{
		auth:          authRepo,
		creds:         creds,
		gateway:       gw,
		channel:       ch,
		notifications: notifications,
		cfg:           cfg,
		logger:        logger,
		baseCtx:       context.Background(),
	}

	gw.OnSessionExpired(s.handleExpired)
	ch.OnEvent(func(ev channel.Event) {
		_ = notifications.HandlePush(ev.Type, ev.Payload, ev.Raw)
	})
	ch.OnStateChange(s.handleState)
	return s
}

// Subscribe registers fn for session events
func (s *SessionService) Subscribe(fn func(SessionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start resumes a persisted session, if any. Background work started for
// the session ends when ctx does.
func (s *SessionService) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if !s.creds.Get().HasAccess() {
		s.logger.Info("no stored session; waiting for login")
		return
	}
	s.logger.Info("resuming stored session")
	s.begin(ctx)
}

// Stop disconnects the push channel without ending the session
func (s *SessionService) Stop() {
	s.mu.Lock()
	if s.sessionCancel != nil {
		s.sessionCancel()
		s.sessionCancel = nil
	}
	s.mu.Unlock()

	s.channel.Disconnect()
}

// Login exchanges email and password for a token pair and starts the session
func (s *SessionService) Login(ctx context.Context, email, password string) (*SessionStatus, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, ErrInvalidCredentials
	}

	// A previous session may still be running
	s.end()

	if err := s.creds.SetAll(pair.Access, pair.Refresh); err != nil {
		s.logger.Warn("credentials not persisted; session will not survive a restart", zap.Error(err))
	}

	s.logger.Info("logged in", zap.String("email", email))
	s.begin(ctx)
	s.publish(SessionEvent{Type: SessionLoggedIn})
	return s.Status(), nil
}

// Logout ends the session: in-flight renewals are abandoned, the channel
// is closed, credentials are cleared and the feed is emptied.
func (s *SessionService) Logout() error {
	s.end()
	err := s.creds.Clear()
	s.notifications.Store().Reset()

	s.logger.Info("logged out")
	s.publish(SessionEvent{Type: SessionLoggedOut})
	return err
}

// Status reports the current session
func (s *SessionService) Status() *SessionStatus {
	status := &SessionStatus{
		Connection: s.channel.State(),
		Unread:     s.notifications.Store().UnreadCount(),
	}

	cred := s.creds.Get()
	if !cred.HasAccess() {
		return status
	}
	status.Authenticated = true

	if claims, err := auth.Inspect(cred.AccessToken); err == nil {
		status.UserID = claims.Subject()
		status.Email = claims.Email
		if exp := claims.ExpiresAt(); !exp.IsZero() {
			status.ExpiresAt = &exp
		}
	}
	return status
}

// Resync re-fetches the feed and merges it. trigger labels the metric.
func (s *SessionService) Resync(ctx context.Context, trigger string) error {
	if !s.creds.Get().HasAccess() {
		return ErrNotAuthenticated
	}

	if err := s.notifications.Refresh(ctx); err != nil {
		metrics.IncrementResync(trigger, "error")
		s.logger.Warn("feed resync failed", zap.String("trigger", trigger), zap.Error(err))
		return err
	}
	metrics.IncrementResync(trigger, "success")
	return nil
}

// begin connects the channel and seeds the feed
func (s *SessionService) begin(ctx context.Context) {
	s.mu.Lock()
	if s.sessionCancel != nil {
		s.sessionCancel()
	}
	s.sessionCtx, s.sessionCancel = context.WithCancel(s.baseCtx)
	s.connectedBefore = false
	sessionCtx := s.sessionCtx
	s.mu.Unlock()

	if err := s.channel.Connect(sessionCtx); err != nil {
		s.logger.Error("push channel not started", zap.Error(err))
	}
	if err := s.Resync(ctx, "login"); err != nil && !errors.Is(err, ErrNotAuthenticated) {
		s.logger.Warn("initial notification fetch failed", zap.Error(err))
	}
}

// end stops session-scoped work. Credentials are left to the caller.
func (s *SessionService) end() {
	s.gateway.Abandon()

	s.mu.Lock()
	if s.sessionCancel != nil {
		s.sessionCancel()
		s.sessionCancel = nil
	}
	s.mu.Unlock()

	s.channel.Disconnect()
}

// handleExpired runs after the gateway has cleared the credentials
func (s *SessionService) handleExpired(err error) {
	s.end()
	s.notifications.Store().Reset()

	s.logger.Warn("session expired; login required", zap.Error(err))
	s.publish(SessionEvent{
		Type:     SessionExpired,
		Redirect: s.cfg.LoginRedirect,
		Reason:   err.Error(),
	})
}

// handleState resyncs the feed on every reconnect, since push events sent
// while disconnected are lost
func (s *SessionService) handleState(state channel.State) {
	if state != channel.Connected {
		return
	}

	s.mu.Lock()
	reconnect := s.connectedBefore
	s.connectedBefore = true
	ctx := s.sessionCtx
	s.mu.Unlock()

	if !reconnect || ctx == nil {
		return
	}
	go func() {
		_ = s.Resync(ctx, "reconnect")
	}()
}

func (s *SessionService) publish(ev SessionEvent) {
	s.mu.Lock()
	listeners := append([]func(SessionEvent){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
