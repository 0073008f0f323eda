package records

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

// EmailLogs stores one entry per sent (or attempted) email, keyed by its
// decision token.
type EmailLogs struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEmailLogs creates an email log store.
func NewEmailLogs(store storage.Store, logger *slog.Logger) *EmailLogs {
	return &EmailLogs{store: store, logger: logger, now: time.Now}
}

// Create writes a log entry. Timestamps default to now.
func (e *EmailLogs) Create(ctx context.Context, entry *matching.EmailLog) error {
	now := e.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	doc, err := storage.Encode(entry)
	if err != nil {
		return err
	}
	if err := e.store.Merge(ctx, EmailLogsCollection, entry.Token, doc); err != nil {
		return fmt.Errorf("write email log for match %s: %w", entry.MatchID, err)
	}
	return nil
}

// ByToken loads the log entry for a decision token.
func (e *EmailLogs) ByToken(ctx context.Context, token string) (*matching.EmailLog, error) {
	doc, err := e.store.Get(ctx, EmailLogsCollection, token)
	if storage.IsNotFound(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load email log: %w", err)
	}
	var entry matching.EmailLog
	if err := storage.Decode(doc, &entry); err != nil {
		return nil, err
	}
	if entry.Token == "" {
		entry.Token = token
	}
	return &entry, nil
}

// UpdateStatus sets the status of the entry for token.
func (e *EmailLogs) UpdateStatus(ctx context.Context, token string, status matching.LogStatus) error {
	if err := e.store.Merge(ctx, EmailLogsCollection, token, storage.Document{
		"status":    status,
		"updatedAt": e.now().UTC(),
	}); err != nil {
		return fmt.Errorf("update email log status: %w", err)
	}
	return nil
}

// ForMatch returns every log entry written for a match.
func (e *EmailLogs) ForMatch(ctx context.Context, matchID string) ([]*matching.EmailLog, error) {
	recs, err := e.store.Query(ctx, EmailLogsCollection, "matchId", matchID)
	if err != nil {
		return nil, fmt.Errorf("query email logs: %w", err)
	}
	out := make([]*matching.EmailLog, 0, len(recs))
	for _, rec := range recs {
		var entry matching.EmailLog
		if err := storage.Decode(rec.Doc, &entry); err != nil {
			e.logger.Warn("Skipping undecodable email log", "token", rec.ID, "error", err)
			continue
		}
		if entry.Token == "" {
			entry.Token = rec.ID
		}
		out = append(out, &entry)
	}
	return out, nil
}
