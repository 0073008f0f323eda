package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/emersion/go-message/mail"
)

// SMTPConfig holds the settings for an SMTP relay.
type SMTPConfig struct {
	Host     string
	User     string
	Pass     string
	FromAddr string
	FromName string
	Port     int
	Secure   bool // Implicit TLS (usually port 465); otherwise STARTTLS when offered
}

// SMTPProvider sends emails through an SMTP relay.
type SMTPProvider struct {
	logger      *slog.Logger
	from        *mail.Address
	cfg         SMTPConfig
	dialTimeout time.Duration
}

// NewSMTPProvider creates a new SMTP email provider.
func NewSMTPProvider(cfg SMTPConfig, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		cfg:         cfg,
		from:        &mail.Address{Name: cfg.FromName, Address: cfg.FromAddr},
		dialTimeout: 30 * time.Second,
		logger:      logger,
	}
}

// Send sends an email via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	raw, err := buildMIME(p.from, msg)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			err := p.deliver(ctx, sanitizeEmailHeader(msg.To), raw)
			duration := time.Since(startTime)
			if err != nil {
				var protoErr *textproto.Error
				if errors.As(err, &protoErr) && protoErr.Code >= 500 {
					// Permanent rejection (bad recipient, auth failure)
					return retry.Unrecoverable(err)
				}
				p.logger.Warn("SMTP send failed, will retry",
					"to", msg.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			p.logger.Info("SMTP send completed",
				"host", p.cfg.Host,
				"to", msg.To,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SMTP email send after error", "attempt", n, "error", err)
		}),
	)
}

func (p *SMTPProvider) deliver(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	tlsConfig := &tls.Config{ServerName: p.cfg.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: p.dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.Secure {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	c, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			p.logger.Debug("SMTP connection close", "error", closeErr)
		}
	}()

	if !p.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if p.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", p.cfg.User, p.cfg.Pass, p.cfg.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(p.from.Address); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return c.Quit()
}
