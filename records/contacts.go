package records

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Contacts stores contact form submissions.
type Contacts struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewContacts creates a contact message store.
func NewContacts(store storage.Store, logger *slog.Logger) *Contacts {
	return &Contacts{store: store, logger: logger, now: time.Now}
}

// Save writes msg under "<sanitized email>_<unix millis>" and returns that id.
func (c *Contacts) Save(ctx context.Context, msg *matching.ContactMessage) (string, error) {
	now := c.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	id := unsafeIDChars.ReplaceAllString(msg.Email, "_") + "_" + strconv.FormatInt(now.UnixMilli(), 10)

	doc, err := storage.Encode(msg)
	if err != nil {
		return "", err
	}
	if err := c.store.Create(ctx, ContactsCollection, id, doc); err != nil {
		return "", fmt.Errorf("save contact message: %w", err)
	}
	c.logger.Info("Contact message saved", "id", id)
	return id, nil
}

// Get loads a saved message.
func (c *Contacts) Get(ctx context.Context, id string) (*matching.ContactMessage, error) {
	doc, err := c.store.Get(ctx, ContactsCollection, id)
	if err != nil {
		return nil, fmt.Errorf("load contact message %s: %w", id, err)
	}
	var msg matching.ContactMessage
	if err := storage.Decode(doc, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
