// Package email composes match notification and contact confirmation emails
// and delivers them through pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-message/mail"

	"blockorgan-notifier/pkg/matching"
)

// Message is a rendered email ready for delivery.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // Plain-text alternative, derived from HTML when empty
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers a single message.
	Send(ctx context.Context, msg *Message) error
}

// MatchNotice describes one party's notification about a match.
type MatchNotice struct {
	To      string
	MatchID string
	Organ   string
	Token   string
	Role    matching.Role
}

// ContactConfirmation acknowledges a contact form submission to its author.
type ContactConfirmation struct {
	To      string
	Name    string
	Subject string
	Message string
}

// ValidAddress reports whether s is a single bare email address.
func ValidAddress(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// Sender sends match notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For decision links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// MatchSubject is the subject line of every match notification.
func MatchSubject(organ string) string {
	return "Potential Match Found: " + strings.ToUpper(strings.TrimSpace(organ))
}

// SendMatch emails one party of a match with role-specific copy and the
// decision links bound to the notice's token.
func (s *Sender) SendMatch(ctx context.Context, n *MatchNotice) error {
	if !n.Role.Valid() {
		return fmt.Errorf("send match email: unknown role %q", n.Role)
	}

	links := DecisionLinks(s.baseURL, n.Token)
	body := formatMatchBody(n.Role, n.Organ, links)

	s.logger.Info("Sending match email",
		"to", n.To,
		"role", n.Role,
		"match_id", n.MatchID)

	return s.provider.Send(ctx, &Message{
		To:      n.To,
		Subject: MatchSubject(n.Organ),
		HTML:    body,
		Text:    PlainText(body),
	})
}

// SendContactConfirmation tells the author of a contact message that it was
// received, quoting it back.
func (s *Sender) SendContactConfirmation(ctx context.Context, c *ContactConfirmation) error {
	s.logger.Info("Sending contact confirmation", "to", c.To)

	return s.provider.Send(ctx, &Message{
		To:      c.To,
		Subject: "We received your message: " + c.Subject,
		HTML:    formatContactBody(c),
		Text:    formatContactText(c),
	})
}
