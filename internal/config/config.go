package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all console agent configuration
type Config struct {
	Server       ServerConfig
	API          APIConfig
	Credential   CredentialConfig
	Channel      ChannelConfig
	Notification NotificationConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port string
	Env  string

	// AllowedOrigins lists the console UI origins allowed by CORS
	AllowedOrigins []string
}

// APIConfig describes the upstream dispatch API
type APIConfig struct {
	BaseURL           string
	LoginPath         string
	RefreshPath       string
	NotificationsPath string
	PushPath          string
	ResourcePrefix    string
	LoginRedirect     string
	RequestTimeout    time.Duration
}

type CredentialConfig struct {
	Backend        string // "file", "keyring" or "memory"
	FilePath       string
	Passphrase     string
	KeyringService string
}

type ChannelConfig struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

type NotificationConfig struct {
	RecentReadWindow time.Duration
	ResyncSchedule   string
}

type LogConfig struct {
	Level string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8090"),
			Env:  getEnv("ENV", "development"),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:5173",
			}),
		},
		API: APIConfig{
			BaseURL:           strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000"), "/"),
			LoginPath:         getEnv("API_LOGIN_PATH", "/api/token/"),
			RefreshPath:       getEnv("API_REFRESH_PATH", "/api/token/refresh/"),
			NotificationsPath: getEnv("API_NOTIFICATIONS_PATH", "/api/notifications/"),
			PushPath:          getEnv("API_PUSH_PATH", "/ws/notifications/"),
			ResourcePrefix:    getEnv("API_RESOURCE_PREFIX", "/api/"),
			LoginRedirect:     getEnv("LOGIN_REDIRECT", "/login"),
			RequestTimeout:    getDuration("API_REQUEST_TIMEOUT", 30*time.Second),
		},
		Credential: CredentialConfig{
			Backend:        getEnv("CREDENTIAL_BACKEND", "file"),
			FilePath:       getEnv("CREDENTIAL_FILE", defaultCredentialFile()),
			Passphrase:     getEnv("CREDENTIAL_PASSPHRASE", ""),
			KeyringService: getEnv("CREDENTIAL_KEYRING_SERVICE", "dispatch-console"),
		},
		Channel: ChannelConfig{
			ReconnectDelay:    getDuration("CHANNEL_RECONNECT_DELAY", 5*time.Second),
			MaxReconnectDelay: getDuration("CHANNEL_MAX_RECONNECT_DELAY", time.Minute),
		},
		Notification: NotificationConfig{
			RecentReadWindow: getDuration("NOTIFICATION_RECENT_READ_WINDOW", 5*time.Minute),
			ResyncSchedule:   getEnv("NOTIFICATION_RESYNC_SCHEDULE", "@every 2m"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
	}

	if cfg.Channel.MaxReconnectDelay < cfg.Channel.ReconnectDelay {
		cfg.Channel.MaxReconnectDelay = cfg.Channel.ReconnectDelay
	}

	return cfg, nil
}

// getEnv gets an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getDuration parses a duration variable, falling back on a missing or invalid value
func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getList splits a comma separated variable, dropping empty items
func getList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func defaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".dispatch-console-credentials"
	}
	return filepath.Join(dir, "dispatch-console", "credentials.json")
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
