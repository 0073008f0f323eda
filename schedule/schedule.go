// Package schedule triggers global matching runs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"blockorgan-notifier/notify"
)

// ErrDisabled is returned by New when no schedule is configured.
var ErrDisabled = errors.New("schedule disabled")

// Runner runs a global matching pass.
type Runner interface {
	RunGlobal(ctx context.Context) (*notify.Summary, error)
}

// Scheduler invokes the runner on a cron spec. A run that is still going
// when the next tick fires makes that tick a no-op.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger
	spec   string
}

// New parses spec (standard 5-field cron or a descriptor such as @hourly)
// and prepares a scheduler. An empty spec returns ErrDisabled.
func New(spec string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, ErrDisabled
	}

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{
		cron:   c,
		runner: runner,
		logger: logger,
		spec:   spec,
	}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.spec)
}

// Stop prevents further ticks and waits for a running pass to finish or ctx
// to expire. A running pass is never cancelled: it may be between sending an
// email and logging it.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timeout, forcing shutdown")
	}
}

func (s *Scheduler) run() {
	start := time.Now()
	s.logger.Info("Scheduled matching run starting")

	summary, err := s.runner.RunGlobal(context.Background())
	if err != nil {
		s.logger.Error("Scheduled matching run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	s.logger.Info("Scheduled matching run finished",
		"run_id", summary.RunID,
		"tasks", summary.Tasks,
		"fulfilled", summary.Fulfilled,
		"rejected", summary.Rejected,
		"duration_ms", time.Since(start).Milliseconds())
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
