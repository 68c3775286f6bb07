// Package notify delivers out-of-band alerts for events the log alone should
// not carry: OOM risk and failed migrations.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/sirupsen/logrus"

	"github.com/guimove/pvebalance/internal/config"
)

// Notifier receives alert events. Implementations must not block the
// balancing loop; delivery is fire-and-forget.
type Notifier interface {
	Notify(subject, message string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(string, string) {}

// Mailer sends events by SMTP.
type Mailer struct {
	cfg config.MailConfig
	log *logrus.Entry
}

// NewMailer creates a mail notifier from configuration.
func NewMailer(cfg config.MailConfig, log *logrus.Entry) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

// Notify sends the message in a goroutine so the caller never waits on SMTP.
func (m *Mailer) Notify(subject, message string) {
	go func() {
		if err := m.send(subject, message); err != nil {
			m.log.WithError(err).Warn("mail notification failed")
		}
	}()
}

func (m *Mailer) send(subject, message string) error {
	if subject == "" {
		subject = m.cfg.Subject
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port)

	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer c.Close()

	if m.cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Server}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.cfg.Login != "" {
		auth := smtp.PlainAuth("", m.cfg.Login, m.cfg.Password, m.cfg.Server)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return err
	}
	if err := c.Rcpt(m.cfg.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From, m.cfg.To, subject, message)
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
