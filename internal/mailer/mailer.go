// Package mailer sends plain-text notification mail over SMTP and wires
// a notifier into the engine's lifecycle events.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/dagobah-org/dagobah/internal/logger"
)

// Mailer sends emails through one SMTP server.
type Mailer struct {
	Config
}

// Config is the SMTP endpoint. Auth is used only when Username is set.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// replacer strips header-injection characters from addresses.
var replacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

// New returns a mailer for the given endpoint.
func New(cfg Config) *Mailer {
	return &Mailer{Config: cfg}
}

// SendMail sends one plain-text email.
func (m *Mailer) SendMail(ctx context.Context, from string, to []string, subject, body string) error {
	logger.Info(ctx, "Sending notification mail",
		"to", strings.Join(to, ","), "subject", subject)
	if m.Username == "" {
		return m.sendWithNoAuth(from, to, subject, body)
	}
	return m.sendWithAuth(from, to, subject, body)
}

func (m *Mailer) addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

func (m *Mailer) sendWithNoAuth(from string, to []string, subject, body string) error {
	c, err := smtp.Dial(m.addr())
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	if err = c.Mail(replacer.Replace(from)); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err = c.Rcpt(replacer.Replace(rcpt)); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = wc.Write(composeMail(to, from, subject, body)); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (m *Mailer) sendWithAuth(from string, to []string, subject, body string) error {
	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)
	return smtp.SendMail(m.addr(), auth, from, to, composeMail(to, from, subject, body))
}

func composeMail(to []string, from, subject, body string) []byte {
	msg := "To: " + strings.Join(to, ",") + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + replacer.Replace(subject) + "\r\n" +
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n" +
		"\r\n" +
		strings.ReplaceAll(body, "\n", "\r\n")
	return []byte(msg)
}
