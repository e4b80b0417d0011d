// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DatabaseURL string // postgres:// URL; empty falls back to DBPath (SQLite)
	DBPath      string
	RedisURL    string
	MaxBodySize int64

	Auth      AuthConfig
	Worker    WorkerConfig
	Poll      PollConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Forms     FormsConfig
}

// AuthConfig controls how bearer tokens are verified.
type AuthConfig struct {
	Mode      string // "clerk" or "dev"
	JWKSURL   string
	Issuer    string
	JWTSecret string
}

// WorkerConfig describes the external answering worker and the voice
// transcription function.
type WorkerConfig struct {
	Transport       string // "http" or "grpc"
	URL             string
	GRPCAddr        string
	APIKey          string
	ProjectID       string
	DispatchTimeout time.Duration
	VoiceURL        string
	VoiceTimeout    time.Duration
}

// PollConfig bounds the response poller.
type PollConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	WatchInterval time.Duration
}

// RateLimitConfig caps dispatches per user.
type RateLimitConfig struct {
	PerMinute int
}

// JobsConfig schedules background maintenance.
type JobsConfig struct {
	ExpirySweepInterval time.Duration
	UsageResetCron      string
}

// FormsConfig configures the form download proxy.
type FormsConfig struct {
	BearerToken     string
	AllowedHosts    []string
	DownloadTimeout time.Duration
}

// Auth modes.
const (
	AuthModeClerk = "clerk"
	AuthModeDev   = "dev"
)

// Worker transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/legalchat.db"),
		RedisURL:    getEnv("REDIS_URL", ""),
		MaxBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 4<<20)),
		Auth: AuthConfig{
			Mode:      strings.ToLower(getEnv("AUTH_MODE", AuthModeClerk)),
			JWKSURL:   getEnv("CLERK_JWKS_URL", ""),
			Issuer:    getEnv("CLERK_ISSUER", ""),
			JWTSecret: getEnv("CLERK_JWT_SECRET", ""),
		},
		Worker: WorkerConfig{
			Transport:       strings.ToLower(getEnv("WORKER_TRANSPORT", TransportHTTP)),
			URL:             getEnv("WORKER_URL", ""),
			GRPCAddr:        getEnv("WORKER_GRPC_ADDR", ""),
			APIKey:          getEnv("WORKER_API_KEY", ""),
			ProjectID:       getEnv("WORKER_PROJECT_ID", ""),
			DispatchTimeout: getEnvDuration("WORKER_DISPATCH_TIMEOUT", 15*time.Second),
			VoiceURL:        getEnv("VOICE_URL", ""),
			VoiceTimeout:    getEnvDuration("VOICE_TIMEOUT", 30*time.Second),
		},
		Poll: PollConfig{
			Interval:      getEnvDuration("POLL_INTERVAL", 60*time.Second),
			MaxAttempts:   getEnvInt("POLL_MAX_ATTEMPTS", 10),
			WatchInterval: getEnvDuration("WATCH_POLL_INTERVAL", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		},
		Jobs: JobsConfig{
			ExpirySweepInterval: getEnvDuration("QUERY_EXPIRY_SWEEP_INTERVAL", time.Minute),
			UsageResetCron:      getEnv("USAGE_RESET_CRON", "0 0 1 * *"),
		},
		Forms: FormsConfig{
			BearerToken:     getEnv("FORMS_BEARER_TOKEN", ""),
			AllowedHosts:    getEnvList("FORMS_ALLOWED_HOSTS"),
			DownloadTimeout: getEnvDuration("FORM_DOWNLOAD_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("one of DATABASE_URL or DB_PATH must be set")
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}

	switch c.Auth.Mode {
	case AuthModeDev:
	case AuthModeClerk:
		if c.Auth.JWKSURL == "" && c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=clerk requires CLERK_JWKS_URL or CLERK_JWT_SECRET")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeClerk, AuthModeDev, c.Auth.Mode)
	}

	switch c.Worker.Transport {
	case TransportHTTP:
		if c.Worker.URL == "" {
			return fmt.Errorf("WORKER_URL cannot be empty when WORKER_TRANSPORT=http")
		}
	case TransportGRPC:
		if c.Worker.GRPCAddr == "" {
			return fmt.Errorf("WORKER_GRPC_ADDR cannot be empty when WORKER_TRANSPORT=grpc")
		}
	default:
		return fmt.Errorf("WORKER_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.Worker.Transport)
	}
	if c.Worker.DispatchTimeout <= 0 {
		return fmt.Errorf("WORKER_DISPATCH_TIMEOUT must be > 0")
	}

	if c.Poll.Interval <= 0 || c.Poll.WatchInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL and WATCH_POLL_INTERVAL must be > 0")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.Jobs.ExpirySweepInterval <= 0 {
		return fmt.Errorf("QUERY_EXPIRY_SWEEP_INTERVAL must be > 0")
	}
	if c.Jobs.UsageResetCron == "" {
		return fmt.Errorf("USAGE_RESET_CRON cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Auth.Mode == AuthModeDev ||
		c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// FormHosts returns the hosts the form proxy may fetch from. Without
// FORMS_ALLOWED_HOSTS it falls back to the worker's host, where generated
// forms are stored.
func (c *Config) FormHosts() []string {
	if len(c.Forms.AllowedHosts) > 0 {
		return c.Forms.AllowedHosts
	}
	if u, err := url.Parse(c.Worker.URL); err == nil && u.Hostname() != "" {
		return []string{u.Hostname()}
	}
	return nil
}

// QueryExpiry is how long a dispatched query may stay processing before
// the sweeper marks it expired: the full polling window plus one interval.
func (c *Config) QueryExpiry() time.Duration {
	return c.Poll.Interval*time.Duration(c.Poll.MaxAttempts) + c.Poll.Interval
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
