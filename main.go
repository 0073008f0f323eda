// Package main implements a Cloud Run service that matches organ donors with
// recipients and emails both parties when a compatible pair is found.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"blockorgan-notifier/chain"
	"blockorgan-notifier/config"
	"blockorgan-notifier/decision"
	"blockorgan-notifier/email"
	"blockorgan-notifier/metrics"
	"blockorgan-notifier/notify"
	"blockorgan-notifier/records"
	"blockorgan-notifier/schedule"
	"blockorgan-notifier/server"
	"blockorgan-notifier/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logger
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, &cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	matches := records.NewMatches(store, logger)
	emailLogs := records.NewEmailLogs(store, logger)
	sender := email.New(provider, logger, cfg.Server.BaseURL)

	notifier := notify.New(&notify.Config{
		Profiles:    records.NewProfiles(store, logger),
		Matches:     matches,
		EmailLogs:   emailLogs,
		Emailer:     sender,
		Recorder:    m,
		Logger:      logger,
		SendTimeout: cfg.Match.SendTimeout,
	})

	chainClient, err := chain.Dial(ctx, &chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		Contract:       cfg.Chain.Contract,
		PrivateKey:     cfg.Chain.PrivateKey,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout,
	}, logger)
	if err != nil {
		return err
	}
	if !chainClient.Configured() {
		logger.Info("Chain registry not configured, /api/verify and /api/chain/register disabled")
	}

	sched, err := schedule.New(cfg.Match.Schedule, notifier, logger)
	switch {
	case errors.Is(err, schedule.ErrDisabled):
		logger.Info("No MATCH_SCHEDULE set, global runs only via /api/algorithm/run")
	case err != nil:
		return err
	default:
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	srv := server.New(&server.Config{
		Notifier:        notifier,
		Decider:         decision.New(matches, emailLogs, m, logger),
		Matches:         matches,
		Chain:           chainClient,
		Accounts:        records.NewUsers(store, logger),
		Contacts:        records.NewContacts(store, logger),
		ContactMailer:   sender,
		Metrics:         m.Handler(),
		Logger:          logger,
		AllowedOrigins:  cfg.CORS.Origins(),
		DecisionLimit:   cfg.Server.DecisionLimit,
		DecisionWindow:  cfg.Server.DecisionWindow,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	logger.Info("Service configured",
		"storage_backend", cfg.Storage.Backend,
		"email_provider", cfg.Email.Provider,
		"base_url", cfg.Server.BaseURL)

	return srv.ListenAndServe(ctx, cfg.Server.Port)
}

// newStore opens the configured document store. The returned close function
// is always safe to call.
func newStore(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (storage.Store, func(), error) {
	nop := func() {}

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		return storage.NewMemory(), nop, nil

	case config.BackendLocal:
		logger.Info("Running in local development mode", "storage_path", cfg.LocalPath)
		s, err := storage.NewLocal(cfg.LocalPath, logger)
		if err != nil {
			return nil, nop, err
		}
		return s, nop, nil

	case config.BackendRedis:
		client := storage.NewRedisClient(cfg.RedisURL)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nop, fmt.Errorf("connect to redis: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}
		return storage.NewRedis(client, cfg.RedisPrefix, logger), closeFn, nil

	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nop, fmt.Errorf("initialize storage client: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.NewGCS(client, cfg.Bucket, logger), closeFn, nil

	default:
		return nil, nop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newEmailProvider builds the configured email provider. In local mode a
// Gmail setup failure falls back to mock email.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	ec := &cfg.Email

	switch ec.Provider {
	case config.ProviderMock:
		logger.Info("Mock email mode enabled (no email credentials)")
		return email.NewMockProvider(logger), nil

	case config.ProviderGmail:
		svc, err := initGmailService(ctx, ec.GoogleCredentials)
		if err != nil {
			if cfg.Storage.Backend == config.BackendLocal {
				logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
				return email.NewMockProvider(logger), nil
			}
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil

	case config.ProviderBrevo:
		return email.NewBrevoProvider(ec.BrevoAPIKey, ec.From, ec.FromName, logger), nil

	case config.ProviderSES:
		client, err := email.NewSESClient(ctx, ec.AWSRegion, ec.AWSAccessKeyID, ec.AWSSecretKey)
		if err != nil {
			return nil, err
		}
		return email.NewSESProvider(client, ec.From, ec.FromName, logger), nil

	case config.ProviderSMTP:
		return email.NewSMTPProvider(email.SMTPConfig{
			Host:     ec.SMTPHost,
			Port:     ec.SMTPPort,
			User:     ec.SMTPUser,
			Pass:     ec.SMTPPass,
			Secure:   ec.SMTPSecure,
			FromAddr: ec.From,
			FromName: ec.FromName,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown email provider %q", ec.Provider)
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account's Application Default Credentials
	// need Gmail API access (gmail.send scope).
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
