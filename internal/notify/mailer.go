// Package notify delivers operator alerts and owner notifications by email and websocket.
package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
)

// OriginHeader marks mail produced by this service so the ingestor can recognize it.
const OriginHeader = "X-Ticketmail-Origin"

// MailerConfig holds the outgoing SMTP settings.
type MailerConfig struct {
	Addr        string
	Username    string
	Password    string
	From        string
	InstanceID  string
	DialTimeout time.Duration
}

// Mailer sends plain text mail through an SMTP relay.
type Mailer struct {
	cfg    MailerConfig
	sender enmime.Sender
}

// NewMailer creates a Mailer.
func NewMailer(cfg MailerConfig) *Mailer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Mailer{cfg: cfg, sender: &smtpSender{cfg: cfg}}
}

// Send composes and delivers a text message to recipients.
// Every message carries the origin header and Auto-Submitted, which the ingestor uses to recognize
// its own mail when a tracked mailbox receives it.
func (m *Mailer) Send(recipients []string, subject, text string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	builder := enmime.Builder().
		From("", m.cfg.From).
		Subject(subject).
		Text([]byte(text)).
		Date(time.Now()).
		Header(OriginHeader, m.cfg.InstanceID).
		Header("Auto-Submitted", "auto-generated")
	for _, r := range recipients {
		builder = builder.To("", r)
	}

	if err := builder.Send(m.sender); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// smtpSender implements enmime.Sender with go-smtp, upgrading to TLS when the relay offers STARTTLS.
type smtpSender struct {
	cfg MailerConfig
}

func (s *smtpSender) Send(reversePath string, recipients []string, msg []byte) error {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("invalid SMTP address %q: %w", s.cfg.Addr, err)
	}

	conn, err := net.DialTimeout("tcp", s.cfg.Addr, s.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(3 * s.cfg.DialTimeout))

	c := smtp.NewClient(conn)
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.SendMail(reversePath, recipients, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}
