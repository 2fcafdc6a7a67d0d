// Package config loads application configuration from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated by "__",
// e.g. PROBLEMRELAY_FEED__API_TOKEN sets feed.api_token.
const EnvPrefix = "PROBLEMRELAY_"

// Storage backends.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Feed      FeedConfig      `koanf:"feed"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	Notifiers NotifiersConfig `koanf:"notifiers"`
	Comments  CommentsConfig  `koanf:"comments"`
	Ingest    IngestConfig    `koanf:"ingest"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// WebhookConfig holds the basic auth credentials the platform uses for deliveries.
// PasswordHash is a bcrypt hash and takes precedence over Password.
type WebhookConfig struct {
	Username     string `koanf:"username" validate:"required"`
	Password     string `koanf:"password"`
	PasswordHash string `koanf:"password_hash"`
}

// FeedConfig configures the monitoring platform API client.
type FeedConfig struct {
	TenantURL          string        `koanf:"tenant_url" validate:"required,url"`
	APIToken           string        `koanf:"api_token" validate:"required"`
	Timeout            time.Duration `koanf:"timeout" validate:"gt=0"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

// StorageConfig selects where sent problems and received payloads are kept.
type StorageConfig struct {
	Backend     string `koanf:"backend" validate:"oneof=file postgres memory"`
	DirSent     string `koanf:"dir_sent"`
	DirReceived string `koanf:"dir_received"`
}

// DatabaseConfig configures the PostgreSQL backend.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// NotifiersConfig groups the downstream integrations.
type NotifiersConfig struct {
	Incident   IncidentConfig   `koanf:"incident"`
	SMS        SMSConfig        `koanf:"sms"`
	NATS       NATSConfig       `koanf:"nats"`
	Mattermost MattermostConfig `koanf:"mattermost"`
}

// IncidentConfig configures the incident-management executable.
type IncidentConfig struct {
	Enabled     bool          `koanf:"enabled"`
	ExecUnix    string        `koanf:"exec_unix"`
	ExecWindows string        `koanf:"exec_windows"`
	Args        []string      `koanf:"args"`
	Timeout     time.Duration `koanf:"timeout"`
}

// SMSConfig configures the Twilio-compatible SMS gateway.
type SMSConfig struct {
	Enabled    bool          `koanf:"enabled"`
	APIURL     string        `koanf:"api_url"`
	AccountSID string        `koanf:"account_sid"`
	AuthToken  string        `koanf:"auth_token"`
	From       string        `koanf:"from"`
	To         string        `koanf:"to"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit"`
}

// NATSConfig configures the optional NATS publisher.
type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Timeout       time.Duration `koanf:"timeout"`
}

// MattermostConfig configures the optional chat webhook notifier.
type MattermostConfig struct {
	Enabled    bool          `koanf:"enabled"`
	WebhookURL string        `koanf:"webhook_url"`
	Username   string        `koanf:"username"`
	IconURL    string        `koanf:"icon_url"`
	Channel    string        `koanf:"channel"`
	Timeout    time.Duration `koanf:"timeout"`
}

// CommentsConfig sets the author and context of comments posted back to problems.
// An empty User is replaced with the OS user running the process.
type CommentsConfig struct {
	User    string `koanf:"user"`
	Context string `koanf:"context"`
}

// IngestConfig configures webhook processing.
type IngestConfig struct {
	ProcessTimeout time.Duration `koanf:"process_timeout" validate:"gt=0"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "5000",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Feed: FeedConfig{
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     StorageFile,
			DirSent:     "data/sent",
			DirReceived: "data/received",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		Notifiers: NotifiersConfig{
			Incident: IncidentConfig{
				Timeout: 30 * time.Second,
			},
			SMS: SMSConfig{
				APIURL:    "https://api.twilio.com",
				Timeout:   10 * time.Second,
				RateLimit: 1,
			},
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "problems",
				Timeout:       5 * time.Second,
			},
			Mattermost: MattermostConfig{
				Username: "Problem Relay",
				Timeout:  10 * time.Second,
			},
		},
		Comments: CommentsConfig{
			Context: "Problem Relay Integration",
		},
		Ingest: IngestConfig{
			ProcessTimeout: 60 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
	}
}

// Load reads configuration from path (optional) and the environment on top of Default.
// A missing file at a non-empty path is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps PROBLEMRELAY_NOTIFIERS__SMS__AUTH_TOKEN to notifiers.sms.auth_token.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error

	if c.Webhook.Password == "" && c.Webhook.PasswordHash == "" {
		errs = append(errs, errors.New("webhook: password or password_hash is required"))
	}

	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.DirSent == "" || c.Storage.DirReceived == "" {
			errs = append(errs, errors.New("storage: dir_sent and dir_received are required for the file backend"))
		}
	case StoragePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database: url is required for the postgres backend"))
		}
	}

	if inc := c.Notifiers.Incident; inc.Enabled {
		if inc.ExecUnix == "" && inc.ExecWindows == "" {
			errs = append(errs, errors.New("notifiers.incident: exec_unix or exec_windows is required when enabled"))
		}
		if inc.Timeout <= 0 {
			errs = append(errs, errors.New("notifiers.incident: timeout must be positive"))
		}
	}

	if sms := c.Notifiers.SMS; sms.Enabled {
		if sms.AccountSID == "" || sms.AuthToken == "" || sms.From == "" || sms.To == "" {
			errs = append(errs, errors.New("notifiers.sms: account_sid, auth_token, from and to are required when enabled"))
		}
	}

	if n := c.Notifiers.NATS; n.Enabled && (n.URL == "" || n.SubjectPrefix == "") {
		errs = append(errs, errors.New("notifiers.nats: url and subject_prefix are required when enabled"))
	}

	if m := c.Notifiers.Mattermost; m.Enabled && m.WebhookURL == "" {
		errs = append(errs, errors.New("notifiers.mattermost: webhook_url is required when enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}
