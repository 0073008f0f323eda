// Package decision resolves the block/remind/ignore links in match emails.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/records"
)

var (
	// ErrInvalidToken is returned when no email log exists for a token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAction is returned for actions other than block, remind or ignore.
	ErrInvalidAction = errors.New("invalid action")
)

// Confirmation messages returned to the user.
const (
	BlockMessage  = "We will no longer email you about this match."
	RemindMessage = "We will remind you later about this match."
	IgnoreMessage = "We will temporarily stop emails about this match."
)

// Matches suppresses matches.
type Matches interface {
	Suppress(ctx context.Context, id string, role matching.Role) error
}

// EmailLogs resolves and updates email log entries.
type EmailLogs interface {
	ByToken(ctx context.Context, token string) (*matching.EmailLog, error)
	UpdateStatus(ctx context.Context, token string, status matching.LogStatus) error
}

// Recorder receives decision outcomes, typically for metrics.
type Recorder interface {
	Decision(action, outcome string)
}

// Handler applies decisions.
type Handler struct {
	matches   Matches
	emailLogs EmailLogs
	recorder  Recorder
	logger    *slog.Logger
}

// New creates a decision handler. recorder may be nil.
func New(matches Matches, emailLogs EmailLogs, recorder Recorder, logger *slog.Logger) *Handler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Handler{
		matches:   matches,
		emailLogs: emailLogs,
		recorder:  recorder,
		logger:    logger,
	}
}

// Handle applies action on behalf of the holder of token and returns the
// confirmation message. Repeating a decision is harmless.
//
// Only block touches the match record; remind and ignore just update the
// email log entry.
func (h *Handler) Handle(ctx context.Context, token, action string) (string, error) {
	act := matching.Action(strings.ToLower(strings.TrimSpace(action)))

	entry, err := h.emailLogs.ByToken(ctx, token)
	if errors.Is(err, records.ErrTokenNotFound) {
		h.recorder.Decision(string(act), "invalid_token")
		return "", ErrInvalidToken
	}
	if err != nil {
		h.recorder.Decision(string(act), "error")
		return "", fmt.Errorf("resolve token: %w", err)
	}

	var (
		status  matching.LogStatus
		message string
	)
	switch act {
	case matching.ActionBlock:
		if err := h.matches.Suppress(ctx, entry.MatchID, entry.Role); err != nil {
			h.recorder.Decision(string(act), "error")
			return "", fmt.Errorf("suppress match: %w", err)
		}
		status, message = matching.LogBlocked, BlockMessage
	case matching.ActionRemind:
		status, message = matching.LogRemind, RemindMessage
	case matching.ActionIgnore:
		status, message = matching.LogIgnored, IgnoreMessage
	default:
		h.recorder.Decision("unknown", "invalid_action")
		return "", ErrInvalidAction
	}

	if err := h.emailLogs.UpdateStatus(ctx, token, status); err != nil {
		h.recorder.Decision(string(act), "error")
		return "", fmt.Errorf("record decision: %w", err)
	}

	h.logger.Info("Decision recorded",
		"action", act,
		"match_id", entry.MatchID,
		"role", entry.Role)
	h.recorder.Decision(string(act), "ok")
	return message, nil
}

type nopRecorder struct{}

func (nopRecorder) Decision(string, string) {}
