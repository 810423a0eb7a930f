// ABOUTME: SMTP email transport sending multipart/alternative text and HTML
// ABOUTME: net/smtp has no context support, so sends run in a goroutine bounded by ctx

package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport delivers notifications as email.
type SMTPTransport struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPTransport creates an SMTPTransport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPTransport{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, to Recipient, n Notification) error {
	if to.Email == "" {
		return fmt.Errorf("%w: %s", ErrNoContact, to.ParticipantID)
	}

	msg, err := t.buildMessage(to, n)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	from, err := mail.ParseAddress(t.cfg.From)
	if err != nil {
		return fmt.Errorf("parsing from address: %w", err)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- t.sendMail(addr, auth, from.Address, []string{to.Email}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMessage renders an RFC 5322 message with text and HTML alternatives.
func (t *SMTPTransport) buildMessage(to Recipient, n Notification) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", n.Text},
		{"text/html; charset=utf-8", n.HTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("creating mime part: %w", err)
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("writing mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing mime writer: %w", err)
	}

	recipient := mail.Address{Name: to.Name, Address: to.Email}
	var msg bytes.Buffer
	headers := [][2]string{
		{"From", t.cfg.From},
		{"To", recipient.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", n.Subject)},
		{"Date", t.now().Format(time.RFC1123Z)},
		{"Message-ID", "<" + uuid.New().String() + "@locus-dm>"},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
