package records

import (
	"context"
	"fmt"
	"log/slog"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

// Profiles reads the public donor and recipient projections. It never writes.
type Profiles struct {
	store  storage.Store
	logger *slog.Logger
}

// NewProfiles creates a profile reader.
func NewProfiles(store storage.Store, logger *slog.Logger) *Profiles {
	return &Profiles{store: store, logger: logger}
}

// Donors lists every donor projection.
func (p *Profiles) Donors(ctx context.Context) ([]*matching.Donor, error) {
	recs, err := p.store.List(ctx, DonorsCollection)
	if err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	out := make([]*matching.Donor, 0, len(recs))
	for _, rec := range recs {
		var d matching.Donor
		if err := storage.Decode(rec.Doc, &d); err != nil {
			p.logger.Warn("Skipping undecodable donor profile", "uid", rec.ID, "error", err)
			continue
		}
		if d.UID == "" {
			d.UID = rec.ID
		}
		out = append(out, &d)
	}
	return out, nil
}

// Recipients lists every recipient projection.
func (p *Profiles) Recipients(ctx context.Context) ([]*matching.Recipient, error) {
	recs, err := p.store.List(ctx, RecipientsCollection)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	out := make([]*matching.Recipient, 0, len(recs))
	for _, rec := range recs {
		var r matching.Recipient
		if err := storage.Decode(rec.Doc, &r); err != nil {
			p.logger.Warn("Skipping undecodable recipient profile", "uid", rec.ID, "error", err)
			continue
		}
		if r.UID == "" {
			r.UID = rec.ID
		}
		out = append(out, &r)
	}
	return out, nil
}

// Donor loads one donor projection.
func (p *Profiles) Donor(ctx context.Context, uid string) (*matching.Donor, error) {
	doc, err := p.store.Get(ctx, DonorsCollection, uid)
	if storage.IsNotFound(err) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load donor %s: %w", uid, err)
	}
	var d matching.Donor
	if err := storage.Decode(doc, &d); err != nil {
		return nil, err
	}
	if d.UID == "" {
		d.UID = uid
	}
	return &d, nil
}

// Recipient loads one recipient projection.
func (p *Profiles) Recipient(ctx context.Context, uid string) (*matching.Recipient, error) {
	doc, err := p.store.Get(ctx, RecipientsCollection, uid)
	if storage.IsNotFound(err) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recipient %s: %w", uid, err)
	}
	var r matching.Recipient
	if err := storage.Decode(doc, &r); err != nil {
		return nil, err
	}
	if r.UID == "" {
		r.UID = uid
	}
	return &r, nil
}
