package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

// Matches is the match record store.
type Matches struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMatches creates a match store.
func NewMatches(store storage.Store, logger *slog.Logger) *Matches {
	return &Matches{store: store, logger: logger, now: time.Now}
}

// Upsert creates the match for a pair in pending state, or refreshes the
// score of an existing one. An existing match keeps its status.
func (m *Matches) Upsert(ctx context.Context, donorUID, recipientUID string, score float64) (string, error) {
	id := matching.MatchID(donorUID, recipientUID)
	now := m.now().UTC()

	doc, err := storage.Encode(matching.Match{
		ID:           id,
		DonorUID:     donorUID,
		RecipientUID: recipientUID,
		Score:        score,
		Status:       matching.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return "", err
	}

	err = m.store.Create(ctx, MatchesCollection, id, doc)
	if err == nil {
		m.logger.Debug("Match created", "match_id", id, "score", score)
		return id, nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return "", fmt.Errorf("create match %s: %w", id, err)
	}

	if err := m.store.Merge(ctx, MatchesCollection, id, storage.Document{
		"score":     score,
		"updatedAt": now,
	}); err != nil {
		return "", fmt.Errorf("update match %s: %w", id, err)
	}
	m.logger.Debug("Match refreshed", "match_id", id, "score", score)
	return id, nil
}

// Get loads a match.
func (m *Matches) Get(ctx context.Context, id string) (*matching.Match, error) {
	doc, err := m.store.Get(ctx, MatchesCollection, id)
	if storage.IsNotFound(err) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load match %s: %w", id, err)
	}
	var match matching.Match
	if err := storage.Decode(doc, &match); err != nil {
		return nil, err
	}
	if match.ID == "" {
		match.ID = id
	}
	return &match, nil
}

// MarkNotified records that notification emails for the match went out.
func (m *Matches) MarkNotified(ctx context.Context, id string) error {
	if err := m.exists(ctx, id); err != nil {
		return err
	}
	now := m.now().UTC()
	if err := m.store.Merge(ctx, MatchesCollection, id, storage.Document{
		"status":          matching.StatusNotified,
		"lastEmailSentAt": now,
		"updatedAt":       now,
	}); err != nil {
		return fmt.Errorf("mark match %s notified: %w", id, err)
	}
	return nil
}

// Suppress blocks further emails for the match on behalf of role.
// Suppression by one side never clears the other side's flag.
func (m *Matches) Suppress(ctx context.Context, id string, role matching.Role) error {
	if !role.Valid() {
		return fmt.Errorf("suppress match %s: unknown role %q", id, role)
	}
	if err := m.exists(ctx, id); err != nil {
		return err
	}
	if err := m.store.Merge(ctx, MatchesCollection, id, storage.Document{
		"suppressed":   true,
		"suppressedBy": map[string]any{string(role): true},
		"status":       matching.StatusBlocked,
		"updatedAt":    m.now().UTC(),
	}); err != nil {
		return fmt.Errorf("suppress match %s: %w", id, err)
	}
	return nil
}

// ActiveForUser returns the pending or notified matches the user takes part in.
func (m *Matches) ActiveForUser(ctx context.Context, uid string) ([]*matching.Match, error) {
	var out []*matching.Match
	seen := make(map[string]bool)
	for _, field := range []string{"donorUid", "recipientUid"} {
		recs, err := m.store.Query(ctx, MatchesCollection, field, uid)
		if err != nil {
			return nil, fmt.Errorf("query matches by %s: %w", field, err)
		}
		for _, rec := range recs {
			var match matching.Match
			if err := storage.Decode(rec.Doc, &match); err != nil {
				m.logger.Warn("Skipping undecodable match", "match_id", rec.ID, "error", err)
				continue
			}
			if !match.Status.Active() {
				continue
			}
			if match.ID == "" {
				match.ID = rec.ID
			}
			if seen[match.ID] {
				continue
			}
			seen[match.ID] = true
			out = append(out, &match)
		}
	}
	return out, nil
}

// CountActiveForUser returns the number of active matches for the user.
func (m *Matches) CountActiveForUser(ctx context.Context, uid string) (int, error) {
	matches, err := m.ActiveForUser(ctx, uid)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (m *Matches) exists(ctx context.Context, id string) error {
	_, err := m.store.Get(ctx, MatchesCollection, id)
	if storage.IsNotFound(err) {
		return ErrMatchNotFound
	}
	if err != nil {
		return fmt.Errorf("load match %s: %w", id, err)
	}
	return nil
}
