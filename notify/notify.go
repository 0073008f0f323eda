// Package notify runs match notification passes: it scores donor/recipient
// pairs, records qualifying matches and emails both parties.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"blockorgan-notifier/email"
	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/records"
)

const defaultSendTimeout = time.Minute

var (
	// ErrNotRegistered is returned by RunForUser when the uid has neither a
	// donor nor a recipient profile.
	ErrNotRegistered = errors.New("no public profile found")
	// ErrBatchLoad is returned when the profile collections can't be read.
	ErrBatchLoad = errors.New("load profiles")
)

// Profiles reads donor and recipient projections.
type Profiles interface {
	Donors(ctx context.Context) ([]*matching.Donor, error)
	Recipients(ctx context.Context) ([]*matching.Recipient, error)
	Donor(ctx context.Context, uid string) (*matching.Donor, error)
	Recipient(ctx context.Context, uid string) (*matching.Recipient, error)
}

// Matches persists match records.
type Matches interface {
	Upsert(ctx context.Context, donorUID, recipientUID string, score float64) (string, error)
	MarkNotified(ctx context.Context, id string) error
}

// EmailLogs persists one entry per email attempt.
type EmailLogs interface {
	Create(ctx context.Context, entry *matching.EmailLog) error
}

// Emailer sends match notification emails.
type Emailer interface {
	SendMatch(ctx context.Context, n *email.MatchNotice) error
}

// TokenSource mints decision tokens.
type TokenSource func() (string, error)

// Recorder receives run outcomes, typically for metrics.
type Recorder interface {
	PairQualified()
	EmailAttempt(role matching.Role, status matching.LogStatus)
	RunCompleted(kind string, s *Summary, elapsed time.Duration, err error)
}

// Config holds the collaborators of a Notifier.
type Config struct {
	Profiles    Profiles
	Matches     Matches
	EmailLogs   EmailLogs
	Emailer     Emailer
	Tokens      TokenSource
	Recorder    Recorder
	Logger      *slog.Logger
	SendTimeout time.Duration // Bound on one email send; defaults to 1m
}

// Notifier runs notification passes.
type Notifier struct {
	profiles    Profiles
	matches     Matches
	emailLogs   EmailLogs
	emailer     Emailer
	tokens      TokenSource
	recorder    Recorder
	logger      *slog.Logger
	sendTimeout time.Duration
}

// New creates a Notifier.
func New(cfg *Config) *Notifier {
	n := &Notifier{
		profiles:    cfg.Profiles,
		matches:     cfg.Matches,
		emailLogs:   cfg.EmailLogs,
		emailer:     cfg.Emailer,
		tokens:      cfg.Tokens,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		sendTimeout: cfg.SendTimeout,
	}
	if n.tokens == nil {
		n.tokens = NewToken
	}
	if n.recorder == nil {
		n.recorder = nopRecorder{}
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.sendTimeout <= 0 {
		n.sendTimeout = defaultSendTimeout
	}
	return n
}

// Summary reports the outcome of a run. Every email dispatch, every
// MarkNotified write, and every pair that failed before dispatch counts as
// one task.
type Summary struct {
	RunID            string
	Errors           []string
	Tasks            int
	Fulfilled        int
	Rejected         int
	MatchesProcessed int
	EmailsSent       int
}

// pair is a qualifying (donor, recipient) pair and its score.
type pair struct {
	donor     *matching.Donor
	recipient *matching.Recipient
	score     float64
}

// RunGlobal evaluates every donor against every recipient.
func (n *Notifier) RunGlobal(ctx context.Context) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := n.logger.With("run_id", runID, "kind", "global")

	donors, err := n.profiles.Donors(ctx)
	if err != nil {
		err = fmt.Errorf("%w: donors: %w", ErrBatchLoad, err)
		n.recorder.RunCompleted("global", nil, time.Since(start), err)
		return nil, err
	}
	recipients, err := n.profiles.Recipients(ctx)
	if err != nil {
		err = fmt.Errorf("%w: recipients: %w", ErrBatchLoad, err)
		n.recorder.RunCompleted("global", nil, time.Since(start), err)
		return nil, err
	}

	logger.Info("Starting matching run", "donors", len(donors), "recipients", len(recipients))

	pairs := n.qualify(crossByOrgan(donors, recipients))
	s := n.process(ctx, logger, runID, pairs)

	logger.Info("Matching run completed",
		"pairs", len(pairs),
		"tasks", s.Tasks,
		"fulfilled", s.Fulfilled,
		"rejected", s.Rejected,
		"duration_ms", time.Since(start).Milliseconds())
	n.recorder.RunCompleted("global", s, time.Since(start), nil)
	return s, nil
}

// RunForUser evaluates one user against the opposite side. A user with both
// profiles is matched in both directions.
func (n *Notifier) RunForUser(ctx context.Context, uid string) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := n.logger.With("run_id", runID, "kind", "user", "uid", uid)

	s, err := n.runForUser(ctx, logger, runID, uid)
	n.recorder.RunCompleted("user", s, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	logger.Info("User matching run completed",
		"matches_processed", s.MatchesProcessed,
		"emails_sent", s.EmailsSent,
		"rejected", s.Rejected,
		"duration_ms", time.Since(start).Milliseconds())
	return s, nil
}

func (n *Notifier) runForUser(ctx context.Context, logger *slog.Logger, runID, uid string) (*Summary, error) {
	var (
		donor     *matching.Donor
		recipient *matching.Recipient
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := n.profiles.Donor(gctx, uid)
		if err != nil && !errors.Is(err, records.ErrProfileNotFound) {
			return fmt.Errorf("load donor profile: %w", err)
		}
		donor = d
		return nil
	})
	g.Go(func() error {
		r, err := n.profiles.Recipient(gctx, uid)
		if err != nil && !errors.Is(err, records.ErrProfileNotFound) {
			return fmt.Errorf("load recipient profile: %w", err)
		}
		recipient = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if donor == nil && recipient == nil {
		return nil, ErrNotRegistered
	}

	var candidates []pair
	if donor != nil {
		recipients, err := n.profiles.Recipients(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: recipients: %w", ErrBatchLoad, err)
		}
		for _, r := range recipients {
			candidates = append(candidates, pair{donor: donor, recipient: r})
		}
	}
	if recipient != nil {
		donors, err := n.profiles.Donors(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: donors: %w", ErrBatchLoad, err)
		}
		for _, d := range donors {
			candidates = append(candidates, pair{donor: d, recipient: recipient})
		}
	}

	logger.Info("Starting user matching run",
		"is_donor", donor != nil,
		"is_recipient", recipient != nil,
		"candidates", len(candidates))

	return n.process(ctx, logger, runID, n.qualify(dedupe(candidates))), nil
}

// qualify keeps the compatible pairs that reach the score threshold.
func (n *Notifier) qualify(candidates []pair) []pair {
	var out []pair
	for _, c := range candidates {
		score, ok := matching.Qualifies(c.donor, c.recipient)
		if !ok {
			continue
		}
		c.score = score
		n.recorder.PairQualified()
		out = append(out, c)
	}
	return out
}

// crossByOrgan pairs each recipient with the donors offering the organ it
// needs, skipping the rest of the cross product.
func crossByOrgan(donors []*matching.Donor, recipients []*matching.Recipient) []pair {
	index := make(map[string][]*matching.Donor)
	for _, d := range donors {
		seen := make(map[string]bool, len(d.Organs))
		for _, o := range d.Organs {
			organ := matching.NormalizeOrgan(o)
			if organ == "" || seen[organ] {
				continue
			}
			seen[organ] = true
			index[organ] = append(index[organ], d)
		}
	}

	var out []pair
	for _, r := range recipients {
		for _, d := range index[matching.NormalizeOrgan(r.OrganNeeded)] {
			out = append(out, pair{donor: d, recipient: r})
		}
	}
	return out
}

func dedupe(candidates []pair) []pair {
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		id := matching.MatchID(c.donor.UID, c.recipient.UID)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, c)
	}
	return out
}

// tally accumulates task outcomes across concurrent pair chains.
type tally struct {
	mu sync.Mutex
	s  *Summary
}

func (t *tally) fulfilled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Tasks++
	t.s.Fulfilled++
}

func (t *tally) rejected(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Tasks++
	t.s.Rejected++
	t.s.Errors = append(t.s.Errors, err.Error())
}

func (t *tally) matchProcessed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.MatchesProcessed++
}

func (t *tally) emailSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.EmailsSent++
}

// process runs every pair chain to completion. All chains start at once so a
// hung provider call only holds up its own pair until the send timeout.
// Chains never fail the group: a failure is tallied and the rest carry on.
func (n *Notifier) process(ctx context.Context, logger *slog.Logger, runID string, pairs []pair) *Summary {
	t := &tally{s: &Summary{RunID: runID, Errors: []string{}}}

	var g errgroup.Group
	for _, p := range pairs {
		g.Go(func() error {
			n.notifyPair(ctx, logger, p, t)
			return nil
		})
	}
	_ = g.Wait() // Chains never return errors

	return t.s
}

func (n *Notifier) notifyPair(ctx context.Context, logger *slog.Logger, p pair, t *tally) {
	d, r := p.donor, p.recipient

	matchID, err := n.matches.Upsert(ctx, d.UID, r.UID, p.score)
	if err != nil {
		logger.Error("Failed to upsert match", "donor_uid", d.UID, "recipient_uid", r.UID, "error", err)
		t.rejected(fmt.Errorf("upsert match %s: %w", matching.MatchID(d.UID, r.UID), err))
		return
	}
	logger = logger.With("match_id", matchID)

	donorToken, err := n.tokens()
	if err != nil {
		t.rejected(fmt.Errorf("mint token for %s: %w", matchID, err))
		return
	}
	recipientToken, err := n.tokens()
	if err != nil {
		t.rejected(fmt.Errorf("mint token for %s: %w", matchID, err))
		return
	}
	t.matchProcessed()

	logger.Info("Match qualified", "score", p.score)

	organ := matching.NormalizeOrgan(r.OrganNeeded)
	var wg sync.WaitGroup
	notices := []*email.MatchNotice{
		{To: d.Email, MatchID: matchID, Organ: organ, Token: donorToken, Role: matching.RoleDonor},
		{To: r.Email, MatchID: matchID, Organ: organ, Token: recipientToken, Role: matching.RoleRecipient},
	}
	for _, notice := range notices {
		if notice.To == "" {
			logger.Debug("Skipping party without email", "role", notice.Role)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.sendAndLog(ctx, logger, notice, t); err != nil {
				t.rejected(err)
				return
			}
			t.fulfilled()
		}()
	}
	wg.Wait()

	// Emails may already be out, so the bookkeeping outlives a cancelled run.
	if err := n.matches.MarkNotified(context.WithoutCancel(ctx), matchID); err != nil {
		logger.Error("Failed to mark match notified", "error", err)
		t.rejected(fmt.Errorf("mark %s notified: %w", matchID, err))
		return
	}
	t.fulfilled()
}

// sendAndLog sends one email and always writes its log entry, recording the
// send failure in the entry when there is one.
func (n *Notifier) sendAndLog(ctx context.Context, logger *slog.Logger, notice *email.MatchNotice, t *tally) error {
	entry := &matching.EmailLog{
		Token:   notice.Token,
		MatchID: notice.MatchID,
		To:      notice.To,
		Role:    notice.Role,
		Type:    matching.EmailInitial,
		Status:  matching.LogSent,
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	sendErr := n.emailer.SendMatch(sendCtx, notice)
	cancel()
	if sendErr != nil {
		logger.Warn("Failed to send match email", "role", notice.Role, "to", notice.To, "error", sendErr)
		entry.Status = matching.LogFailed
		entry.Error = sendErr.Error()
	} else {
		t.emailSent()
	}
	n.recorder.EmailAttempt(notice.Role, entry.Status)

	logErr := n.emailLogs.Create(context.WithoutCancel(ctx), entry)
	if logErr != nil {
		logger.Error("Failed to write email log", "role", notice.Role, "error", logErr)
	}

	switch {
	case sendErr != nil:
		return fmt.Errorf("send %s email for %s: %w", notice.Role, notice.MatchID, sendErr)
	case logErr != nil:
		return fmt.Errorf("log %s email for %s: %w", notice.Role, notice.MatchID, logErr)
	default:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) PairQualified() {}

func (nopRecorder) EmailAttempt(matching.Role, matching.LogStatus) {}

func (nopRecorder) RunCompleted(string, *Summary, time.Duration, error) {}
