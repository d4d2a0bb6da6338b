package gateway

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"mime/quotedprintable"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"github.com/driftmark/mailcast/internal/core"
)

// SMTP sends through a user-configured SMTP relay with the campaign's own
// credentials.
type SMTP struct {
	cfg core.SMTPConfig

	// sendMail is swapped in tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg core.SMTPConfig) Gateway {
	return &SMTP{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTP) Send(ctx context.Context, msg core.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rcpts := append([]string{msg.To}, msg.CC...)
	rcpts = append(rcpts, msg.BCC...)

	body, err := buildMIME(msg)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := s.sendMail(addr, auth, msg.FromAddress, rcpts, body); err != nil {
		return fmt.Errorf("smtp send via %s: %w", s.cfg.Host, err)
	}
	return nil
}

// buildMIME assembles a multipart/alternative message with plaintext and
// HTML parts. Bcc recipients appear only in the envelope, never in headers.
func buildMIME(msg core.Email) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s <%s>\r\n", msg.FromName, msg.FromAddress)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Message-ID: <%s@mailcast>\r\n", uuid.New().String())
	buf.WriteString("MIME-Version: 1.0\r\n")

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		h := map[string][]string{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(part.content)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
