// Package config loads opsdash configuration from the environment.
//
// Values are read with github.com/caarlos0/env. A .env file in the working
// directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/vulnwatch/opsdash/tasks"
)

// AppConfig composes the configuration of the dashboard and the CLI.
type AppConfig struct {
	Backend BackendConfig
	Poller  PollerConfig
	HTTP    HTTPConfig
	Log     LogConfig
	Store   StoreConfig
	Watch   WatchConfig
}

// BackendConfig points at the task runner.
type BackendConfig struct {
	// URL is the base URL of the runner API.
	URL string `env:"BACKEND_URL" envDefault:"http://localhost:8000"`

	// JobsPrefix is the route prefix of the job endpoints. Older runners
	// expose them under /run.
	JobsPrefix string `env:"BACKEND_JOBS_PREFIX" envDefault:"/jobs"`

	// Timeout bounds every request made to the runner.
	Timeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"15s"`

	// Token is sent as a bearer token when set.
	Token string `env:"BACKEND_TOKEN"`

	// OAuth2 client credentials. Used instead of Token when TokenURL is set.
	OAuthTokenURL     string   `env:"BACKEND_OAUTH_TOKEN_URL"`
	OAuthClientID     string   `env:"BACKEND_OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `env:"BACKEND_OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string `env:"BACKEND_OAUTH_SCOPES" envSeparator:","`
}

// OAuth2 returns the client-credentials config, or nil when not configured.
func (b *BackendConfig) OAuth2() *clientcredentials.Config {
	if b.OAuthTokenURL == "" {
		return nil
	}
	return &clientcredentials.Config{
		ClientID:     b.OAuthClientID,
		ClientSecret: b.OAuthClientSecret,
		TokenURL:     b.OAuthTokenURL,
		Scopes:       b.OAuthScopes,
	}
}

// Sanitize applies guardrails to backend configuration values.
func (b *BackendConfig) Sanitize() {
	b.URL = strings.TrimRight(strings.TrimSpace(b.URL), "/")
	if b.Timeout <= 0 {
		b.Timeout = 15 * time.Second
	}
}

// PollerConfig controls status polling.
type PollerConfig struct {
	// Interval between status checks. The runner updates status once a second.
	Interval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	// MaxFailures is the number of consecutive failed status checks after
	// which a run is reported as failed. 0 retries forever.
	MaxFailures int `env:"POLL_MAX_FAILURES" envDefault:"0"`

	// MaxBackoff caps the hold-off between checks while the runner is unreachable.
	MaxBackoff time.Duration `env:"POLL_MAX_BACKOFF" envDefault:"30s"`

	// RequestTimeout bounds a single status check. 0 disables it.
	RequestTimeout time.Duration `env:"POLL_REQUEST_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to poller configuration values.
func (p *PollerConfig) Sanitize() {
	if p.Interval < 100*time.Millisecond {
		p.Interval = 100 * time.Millisecond
	}
	if p.MaxFailures < 0 {
		p.MaxFailures = 0
	}
	if p.MaxBackoff < p.Interval {
		p.MaxBackoff = p.Interval
	}
	if p.RequestTimeout < 0 {
		p.RequestTimeout = 0
	}
}

// Tasks converts to the poller settings used by the tasks package.
func (p PollerConfig) Tasks() tasks.PollerConfig {
	return tasks.PollerConfig{
		Interval:               p.Interval,
		MaxConsecutiveFailures: p.MaxFailures,
		MaxBackoff:             p.MaxBackoff,
		RequestTimeout:         p.RequestTimeout,
	}
}

// HTTPConfig contains dashboard server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the dashboard server to.
	Addr string `env:"HTTP_ADDR" envDefault:"localhost:8080"`

	// APIKey protects the /api routes when set.
	APIKey string `env:"DASHBOARD_API_KEY"`

	// CORSOrigins lists allowed browser origins. "*" allows any.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// WatchConfig points opsctl at a running dashboard.
type WatchConfig struct {
	DashboardURL string `env:"OPSDASH_URL" envDefault:"http://localhost:8080"`

	// MaxReconnectWait caps the wait between reconnection attempts.
	MaxReconnectWait time.Duration `env:"WATCH_MAX_RECONNECT_WAIT" envDefault:"30s"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level    string `env:"LOG_LEVEL" envDefault:"info"`
	Encoding string `env:"LOG_ENCODING" envDefault:"console"`
}

// Sanitize applies guardrails to log configuration values.
func (l *LogConfig) Sanitize() {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	switch l.Encoding {
	case "json", "console":
	default:
		l.Encoding = "console"
	}
}

// StoreConfig controls the in-memory snapshot store.
type StoreConfig struct {
	TaskTTL         time.Duration `env:"TASK_TTL" envDefault:"1h"`
	CleanupInterval time.Duration `env:"TASK_CLEANUP_INTERVAL" envDefault:"1m"`
}

// Sanitize applies guardrails to store configuration values.
func (s *StoreConfig) Sanitize() {
	if s.TaskTTL <= 0 {
		s.TaskTTL = time.Hour
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = time.Minute
	}
}

// Sanitize applies guardrails to every section.
func (c *AppConfig) Sanitize() {
	c.Backend.Sanitize()
	c.Poller.Sanitize()
	c.Log.Sanitize()
	c.Store.Sanitize()
}

// Validate reports configuration that cannot work.
func (c *AppConfig) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("BACKEND_URL is required")
	}
	if c.Backend.OAuthTokenURL != "" && c.Backend.OAuthClientID == "" {
		return errors.New("BACKEND_OAUTH_CLIENT_ID is required with BACKEND_OAUTH_TOKEN_URL")
	}
	return nil
}

// Load reads .env (if present) and the environment.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
