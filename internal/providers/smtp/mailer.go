// Package smtp sends notification email through an SMTP relay.
package smtp

import (
	"context"
	"errors"

	"gopkg.in/gomail.v2"
)

const Provider = "smtp"

type Email struct {
	To      string
	Subject string
	Body    string
}

// Dialer is the subset of gomail.Dialer the mailer uses.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Mailer struct {
	Dialer    Dialer
	FromEmail string
	FromName  string
}

func NewMailer(host string, port int, username, password, fromEmail, fromName string) *Mailer {
	return &Mailer{
		Dialer:    gomail.NewDialer(host, port, username, password),
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

var ErrNotConfigured = errors.New("smtp: no host or sender configured")

// Send delivers e. gomail has no context support, so the dial runs in its own goroutine and
// Send returns when ctx ends; the abandoned dial finishes on its own timeout.
func (m *Mailer) Send(ctx context.Context, e Email) error {
	if m == nil || m.Dialer == nil || m.FromEmail == "" {
		return ErrNotConfigured
	}
	msg := m.message(e)

	done := make(chan error, 1)
	go func() { done <- m.Dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailer) message(e Email) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(m.FromEmail, m.FromName))
	msg.SetHeader("To", e.To)
	msg.SetHeader("Subject", e.Subject)
	msg.SetBody("text/plain", e.Body)
	return msg
}
