package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchdesk/console/internal/api"
	"github.com/dispatchdesk/console/internal/resync"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console agent and its local API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		return serve(cmd.Context(), a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting dispatch console",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("api", cfg.API.BaseURL),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize WebSocket manager
	wsManager := api.NewWebSocketManager(cfg.Server.AllowedOrigins, logger.Named("ui"))
	wsManager.Bridge(a.store, a.channel, a.sessions)

	// Initialize handlers
	sessionHandler := api.NewSessionHandler(a.sessions, cfg.API.LoginRedirect, logger)
	notificationHandler := api.NewNotificationHandler(a.notifications, cfg.API.LoginRedirect, logger)
	proxyHandler := api.NewProxyHandler(a.gateway, cfg.API.ResourcePrefix, cfg.API.LoginRedirect, logger)
	healthHandler := api.NewHealthHandler(a.sessions, version)

	// Initialize router
	router := api.NewRouter(sessionHandler, notificationHandler, proxyHandler, healthHandler, wsManager, a.sessions, cfg.Server.AllowedOrigins, logger)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.API.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := resync.New(a.sessions, cfg.Notification.ResyncSchedule, logger.Named("resync"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsManager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})

	// Resume a stored session once everything is listening
	a.sessions.Start(gctx)

	err := g.Wait()
	a.sessions.Stop()
	logger.Info("Server stopped")
	return err
}
