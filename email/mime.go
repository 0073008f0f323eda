package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// buildMIME renders msg as an RFC 5322 multipart/alternative message with a
// plain-text and an HTML part. An empty from leaves the From header to the
// provider (Gmail sets it from the authenticated account).
func buildMIME(from *mail.Address, msg *Message) ([]byte, error) {
	text := msg.Text
	if text == "" {
		text = PlainText(msg.HTML)
	}

	var h mail.Header
	h.SetDate(time.Now())
	if from != nil {
		h.SetAddressList("From", []*mail.Address{from})
	}
	h.SetAddressList("To", []*mail.Address{{Address: sanitizeEmailHeader(msg.To)}})
	h.SetSubject(sanitizeEmailHeader(msg.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", msg.HTML); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
