package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/middleware"
)

// Router holds all handlers and creates the chi router
type Router struct {
	sessionHandler      *SessionHandler
	notificationHandler *NotificationHandler
	proxyHandler        *ProxyHandler
	healthHandler       *HealthHandler
	wsManager           *WebSocketManager
	sessions            middleware.SessionReporter
	allowedOrigins      []string
	logger              *zap.Logger
}

// NewRouter creates a new router
func NewRouter(
	sessionHandler *SessionHandler,
	notificationHandler *NotificationHandler,
	proxyHandler *ProxyHandler,
	healthHandler *HealthHandler,
	wsManager *WebSocketManager,
	sessions middleware.SessionReporter,
	allowedOrigins []string,
	logger *zap.Logger,
) *Router {
	return &Router{
		sessionHandler:      sessionHandler,
		notificationHandler: notificationHandler,
		proxyHandler:        proxyHandler,
		healthHandler:       healthHandler,
		wsManager:           wsManager,
		sessions:            sessions,
		allowedOrigins:      allowedOrigins,
		logger:              logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.allowedOrigins))
	r.Use(chimiddleware.Compress(5))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", rt.sessionHandler.Status)
			r.Post("/", rt.sessionHandler.Login)
			r.Delete("/", rt.sessionHandler.Logout)

			r.With(middleware.SessionRequired(rt.sessions)).Post("/resync", rt.sessionHandler.Resync)
		})

		// UI event stream; session events are delivered while logged out too
		r.Get("/ws", rt.wsManager.ServeWS)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionRequired(rt.sessions))

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", rt.notificationHandler.GetNotifications)
				r.Get("/unread-count", rt.notificationHandler.UnreadCount)
				r.Post("/read-all", rt.notificationHandler.MarkAllRead)
				r.Post("/bulk-delete", rt.notificationHandler.BulkDelete)
				r.Post("/{key}/read", rt.notificationHandler.MarkRead)
				r.Delete("/{key}", rt.notificationHandler.Delete)
			})

			r.HandleFunc("/resources/*", rt.proxyHandler.Forward)
		})
	})

	return r
}
