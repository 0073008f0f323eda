// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Email providers.
const (
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
	ProviderSES   = "ses"
	ProviderSMTP  = "smtp"
	ProviderMock  = "mock"
)

const defaultLocalStorage = "./data"

// Config is the root service configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Email   EmailConfig
	Chain   ChainConfig
	Match   MatchConfig
	CORS    CORSConfig
	Log     LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `env:"PORT"                 env-default:"8080"`
	BaseURL         string        `env:"BASE_URL"`
	DecisionLimit   int           `env:"DECISION_RATE_LIMIT"  env-default:"30"`
	DecisionWindow  time.Duration `env:"DECISION_RATE_WINDOW" env-default:"1m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"     env-default:"30s"`
}

// StorageConfig selects and configures the document store.
type StorageConfig struct {
	Backend     string `env:"STORAGE_BACKEND"`
	LocalPath   string `env:"LOCAL_STORAGE"`
	Bucket      string `env:"STORAGE_BUCKET"`
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" env-default:"blockorgan"`
}

// EmailConfig selects and configures the email provider.
type EmailConfig struct {
	Provider          string `env:"EMAIL_PROVIDER"`
	From              string `env:"MAIL_FROM"      env-default:"no-reply@blockorgan.local"`
	FromName          string `env:"MAIL_FROM_NAME" env-default:"BlockOrgan"`
	GoogleCredentials string `env:"GOOGLE_CREDENTIALS_JSON"`
	BrevoAPIKey       string `env:"BREVO_API_KEY"`
	SMTPHost          string `env:"SMTP_HOST"`
	SMTPPort          int    `env:"SMTP_PORT"   env-default:"587"`
	SMTPUser          string `env:"SMTP_USER"`
	SMTPPass          string `env:"SMTP_PASS"`
	SMTPSecure        bool   `env:"SMTP_SECURE" env-default:"false"`
	AWSRegion         string `env:"AWS_REGION"`
	AWSAccessKeyID    string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey      string `env:"AWS_SECRET_ACCESS_KEY"`
}

// ChainConfig points at the registration contract. Empty RPCURL disables it.
type ChainConfig struct {
	RPCURL         string        `env:"CHAIN_RPC_URL"`
	Contract       string        `env:"CHAIN_CONTRACT_ADDRESS"`
	PrivateKey     string        `env:"CHAIN_PRIVATE_KEY"`
	ReceiptTimeout time.Duration `env:"CHAIN_RECEIPT_TIMEOUT" env-default:"2m"`
}

// MatchConfig tunes the matching runs.
type MatchConfig struct {
	Schedule    string        `env:"MATCH_SCHEDULE"`
	SendTimeout time.Duration `env:"MATCH_SEND_TIMEOUT" env-default:"60s"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" env-default:"*"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
}

// Load reads the environment, applies defaults, and resolves the storage
// backend and email provider when they are not set explicitly.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// resolve fills in the local development fallbacks: no bucket and no redis
// means files under ./data, no credentials means mock email. BASE_URL only
// defaults to localhost when nothing leaves the machine.
func (c *Config) resolve() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		switch {
		case c.Storage.LocalPath != "":
			c.Storage.Backend = BackendLocal
		case c.Storage.Bucket != "":
			c.Storage.Backend = BackendGCS
		case c.Storage.RedisURL != "":
			c.Storage.Backend = BackendRedis
		default:
			c.Storage.Backend = BackendLocal
		}
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = defaultLocalStorage
	}

	c.Email.Provider = strings.ToLower(strings.TrimSpace(c.Email.Provider))
	if c.Email.Provider == "" {
		switch {
		case c.Email.GoogleCredentials != "":
			c.Email.Provider = ProviderGmail
		case c.Email.BrevoAPIKey != "":
			c.Email.Provider = ProviderBrevo
		case c.Email.SMTPHost != "":
			c.Email.Provider = ProviderSMTP
		case c.Email.AWSRegion != "":
			c.Email.Provider = ProviderSES
		default:
			c.Email.Provider = ProviderMock
		}
	}

	if c.Server.BaseURL == "" && c.localOnly() {
		c.Server.BaseURL = "http://localhost:" + c.Server.Port
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for the gcs backend"))
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}

	switch c.Email.Provider {
	case ProviderMock, ProviderGmail:
	case ProviderBrevo:
		if c.Email.BrevoAPIKey == "" {
			errs = append(errs, errors.New("BREVO_API_KEY is required for brevo"))
		}
	case ProviderSMTP:
		if c.Email.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for smtp"))
		}
	case ProviderSES:
		if c.Email.AWSRegion == "" {
			errs = append(errs, errors.New("AWS_REGION is required for ses"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.Email.Provider))
	}

	if c.Server.BaseURL == "" && !c.localOnly() {
		errs = append(errs, errors.New("BASE_URL is required unless storage is local or memory and email is mock"))
	}
	if c.Match.SendTimeout <= 0 {
		errs = append(errs, errors.New("MATCH_SEND_TIMEOUT must be positive"))
	}
	if c.Chain.RPCURL != "" && c.Chain.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("CHAIN_RECEIPT_TIMEOUT must be positive"))
	}
	if c.Server.DecisionLimit < 1 || c.Server.DecisionWindow <= 0 {
		errs = append(errs, errors.New("DECISION_RATE_LIMIT and DECISION_RATE_WINDOW must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// localOnly reports whether data stays on this host and no real email is sent,
// so decision links may point at localhost.
func (c *Config) localOnly() bool {
	return (c.Storage.Backend == BackendLocal || c.Storage.Backend == BackendMemory) &&
		c.Email.Provider == ProviderMock
}

// Origins splits CORS_ALLOWED_ORIGINS on commas.
func (c *CORSConfig) Origins() []string {
	var out []string
	for o := range strings.SplitSeq(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ParseLevel maps LOG_LEVEL onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
}
