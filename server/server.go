// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"blockorgan-notifier/email"
	"blockorgan-notifier/notify"
	"blockorgan-notifier/pkg/matching"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const maxBodyBytes = 1 << 20

// Notifier runs matching passes.
type Notifier interface {
	RunGlobal(ctx context.Context) (*notify.Summary, error)
	RunForUser(ctx context.Context, uid string) (*notify.Summary, error)
}

// Decider resolves decision links.
type Decider interface {
	Handle(ctx context.Context, token, action string) (string, error)
}

// MatchLister lists a user's active matches.
type MatchLister interface {
	ActiveForUser(ctx context.Context, uid string) ([]*matching.Match, error)
}

// Chain verifies and registers users on the registry contract.
type Chain interface {
	Configured() bool
	Verify(ctx context.Context, uid string) (bool, error)
	Register(ctx context.Context, uid string) (string, error)
}

// Accounts stores user account records.
type Accounts interface {
	Register(ctx context.Context, uid, addr string, role matching.Role) error
}

// ContactStore persists contact form messages.
type ContactStore interface {
	Save(ctx context.Context, msg *matching.ContactMessage) (string, error)
}

// ContactMailer confirms a contact message to its author.
type ContactMailer interface {
	SendContactConfirmation(ctx context.Context, c *email.ContactConfirmation) error
}

// Server handles HTTP requests.
type Server struct {
	notifier        Notifier
	decider         Decider
	matches         MatchLister
	chain           Chain
	accounts        Accounts
	contacts        ContactStore
	contactMailer   ContactMailer
	metrics         http.Handler
	limiter         *rateLimiter // Decision links
	contactLimiter  *rateLimiter
	logger          *slog.Logger
	allowedOrigins  []string
	shutdownTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	Notifier        Notifier
	Decider         Decider
	Matches         MatchLister
	Chain           Chain
	Accounts        Accounts
	Contacts        ContactStore
	ContactMailer   ContactMailer
	Metrics         http.Handler
	Logger          *slog.Logger
	AllowedOrigins  []string
	DecisionLimit   int // Also applied to contact submissions
	DecisionWindow  time.Duration
	ShutdownTimeout time.Duration
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	limit, window := cfg.DecisionLimit, cfg.DecisionWindow
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		notifier:        cfg.Notifier,
		decider:         cfg.Decider,
		matches:         cfg.Matches,
		chain:           cfg.Chain,
		accounts:        cfg.Accounts,
		contacts:        cfg.Contacts,
		contactMailer:   cfg.ContactMailer,
		metrics:         cfg.Metrics,
		limiter:         newRateLimiter(limit, window),
		contactLimiter:  newRateLimiter(limit, window),
		logger:          logger,
		allowedOrigins:  cfg.AllowedOrigins,
		shutdownTimeout: shutdown,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/algorithm/run", s.handleRun)
		r.With(s.rateLimit(s.limiter)).Get("/algorithm/decision", s.handleDecision)
		r.Post("/match/for-user", s.handleForUser)
		r.Get("/matches", s.handleMatches)
		r.Post("/verify", s.handleVerify)
		r.Post("/chain/register", s.handleChainRegister)
		if s.accounts != nil {
			r.Post("/users/register", s.handleUserRegister)
		}
		if s.contactMailer != nil {
			r.With(s.rateLimit(s.contactLimiter)).Post("/contact", s.handleContact)
		}
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
