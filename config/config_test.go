package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanEnv blanks every string key Load looks at so the host environment
// cannot leak into a test.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_BACKEND", "LOCAL_STORAGE", "STORAGE_BUCKET", "REDIS_URL",
		"EMAIL_PROVIDER", "GOOGLE_CREDENTIALS_JSON", "BREVO_API_KEY",
		"SMTP_HOST", "AWS_REGION", "BASE_URL", "MATCH_SCHEDULE",
		"CHAIN_RPC_URL", "CHAIN_PRIVATE_KEY", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("PORT", "8080")
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.LocalPath)
	assert.Equal(t, ProviderMock, cfg.Email.Provider)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, time.Minute, cfg.Match.SendTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Chain.ReceiptTimeout)
	assert.Equal(t, 30, cfg.Server.DecisionLimit)
	assert.Equal(t, time.Minute, cfg.Server.DecisionWindow)
	assert.Equal(t, "blockorgan", cfg.Storage.RedisPrefix)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins())
}

func TestLoadResolvesBackend(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		backend string
	}{
		{"bucket", map[string]string{"STORAGE_BUCKET": "matches-prod"}, BackendGCS},
		{"redis", map[string]string{"REDIS_URL": "redis://localhost:6379/0"}, BackendRedis},
		{"local wins", map[string]string{"LOCAL_STORAGE": "/tmp/x", "STORAGE_BUCKET": "b"}, BackendLocal},
		{"explicit", map[string]string{"STORAGE_BACKEND": "Memory"}, BackendMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv("BASE_URL", "https://blockorgan.example")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.backend, cfg.Storage.Backend)
		})
	}
}

func TestLoadResolvesProvider(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		provider string
	}{
		{"gmail", map[string]string{"GOOGLE_CREDENTIALS_JSON": "{}"}, ProviderGmail},
		{"brevo", map[string]string{"BREVO_API_KEY": "k"}, ProviderBrevo},
		{"smtp", map[string]string{"SMTP_HOST": "mail.example.com"}, ProviderSMTP},
		{"ses", map[string]string{"AWS_REGION": "eu-west-1"}, ProviderSES},
		{"explicit mock", map[string]string{"EMAIL_PROVIDER": "mock", "BREVO_API_KEY": "k"}, ProviderMock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv("BASE_URL", "https://blockorgan.example")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.provider, cfg.Email.Provider)
		})
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"gcs without bucket", map[string]string{"STORAGE_BACKEND": "gcs"}, "STORAGE_BUCKET"},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "mongo"}, "unknown STORAGE_BACKEND"},
		{"smtp without host", map[string]string{"EMAIL_PROVIDER": "smtp"}, "SMTP_HOST"},
		{"unknown provider", map[string]string{"EMAIL_PROVIDER": "pigeon"}, "unknown EMAIL_PROVIDER"},
		{"bad send timeout", map[string]string{"MATCH_SEND_TIMEOUT": "0s"}, "MATCH_SEND_TIMEOUT"},
		{"bad receipt timeout", map[string]string{"CHAIN_RPC_URL": "http://node:8545", "CHAIN_RECEIPT_TIMEOUT": "0s"}, "CHAIN_RECEIPT_TIMEOUT"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBaseURLKeptWhenSet(t *testing.T) {
	cleanEnv(t)
	t.Setenv("BASE_URL", "https://blockorgan.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://blockorgan.example", cfg.Server.BaseURL)
}

func TestBaseURLRequiredOutsideLocalDev(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"gcs storage", map[string]string{"STORAGE_BUCKET": "matches-prod"}},
		{"redis storage", map[string]string{"REDIS_URL": "redis://localhost:6379/0"}},
		{"real provider on local storage", map[string]string{"BREVO_API_KEY": "k"}},
		{"gmail on memory storage", map[string]string{"STORAGE_BACKEND": "memory", "EMAIL_PROVIDER": "gmail"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "BASE_URL is required")

			t.Setenv("BASE_URL", "https://blockorgan.example")
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, "https://blockorgan.example", cfg.Server.BaseURL)
		})
	}
}

func TestMemoryMockDefaultsBaseURL(t *testing.T) {
	cleanEnv(t)
	t.Setenv("STORAGE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
}

func TestOrigins(t *testing.T) {
	c := CORSConfig{AllowedOrigins: " https://a.example , ,https://b.example"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.Origins())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
