package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dispatchdesk/console/internal/channel"
	"github.com/dispatchdesk/console/internal/config"
	"github.com/dispatchdesk/console/internal/credential"
	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/gateway"
	"github.com/dispatchdesk/console/internal/repository"
)

// app is the wired object graph shared by every command
type app struct {
	cfg           *config.Config
	logger        *zap.Logger
	creds         *credential.Store
	gateway       *gateway.Gateway
	repo          *repository.RESTRepository
	store         *domain.NotificationStore
	notifications *domain.NotificationService
	channel       *channel.Channel
	sessions      *domain.SessionService
}

func newApp() (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	backend, err := openCredentialBackend(cfg.Credential)
	if err != nil {
		return nil, err
	}
	creds, err := credential.NewStore(backend, logger)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	gw := gateway.New(cfg.API.BaseURL, cfg.API.RefreshPath, creds, logger.Named("gateway"),
		gateway.WithHTTPClient(newHTTPClient(cfg.API.RequestTimeout)),
	)
	repo := repository.NewRESTRepository(gw, repository.Paths{
		Login:         cfg.API.LoginPath,
		Notifications: cfg.API.NotificationsPath,
	})

	store := domain.NewNotificationStore(domain.VisibilityPolicy{RecentReadWindow: cfg.Notification.RecentReadWindow})
	notifications := domain.NewNotificationService(repo, store, logger.Named("notifications"))

	ch := channel.New(channel.Config{
		BaseURL:           cfg.API.BaseURL,
		Path:              cfg.API.PushPath,
		ReconnectDelay:    cfg.Channel.ReconnectDelay,
		MaxReconnectDelay: cfg.Channel.MaxReconnectDelay,
	}, gw, logger.Named("channel"))

	sessions := domain.NewSessionService(repo, creds, gw, ch, notifications,
		domain.SessionConfig{LoginRedirect: cfg.API.LoginRedirect},
		logger.Named("session"),
	)

	return &app{
		cfg:           cfg,
		logger:        logger,
		creds:         creds,
		gateway:       gw,
		repo:          repo,
		store:         store,
		notifications: notifications,
		channel:       ch,
		sessions:      sessions,
	}, nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Log.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// stdout belongs to command output
	zcfg.OutputPaths = []string{"stderr"}

	return zcfg.Build()
}

func openCredentialBackend(cfg config.CredentialConfig) (credential.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return credential.NewMemoryBackend(credential.Credential{}), nil
	case "keyring":
		b, err := credential.NewKeyringBackend(cfg.KeyringService, filepath.Dir(cfg.FilePath), cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "file", "":
		return credential.NewFileBackend(cfg.FilePath, cfg.Passphrase), nil
	default:
		return nil, fmt.Errorf("unknown CREDENTIAL_BACKEND %q", cfg.Backend)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
