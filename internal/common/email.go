package common

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Email is a rendered message ready for delivery.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// EmailSender defines the contract for sending emails.
type EmailSender interface {
	Send(ctx context.Context, msg Email) error
}

// InMemoryEmail provides a test-friendly email sender that records messages.
type InMemoryEmail struct {
	mu     sync.Mutex
	outbox []Email
}

// Send records the email in memory.
func (m *InMemoryEmail) Send(_ context.Context, msg Email) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, msg)
	return nil
}

// Outbox returns a copy of the recorded messages.
func (m *InMemoryEmail) Outbox() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.outbox...)
}

// NopEmailSender implements EmailSender without performing any action.
type NopEmailSender struct{}

// Send implements EmailSender.
func (NopEmailSender) Send(context.Context, Email) error { return nil }

// LogEmailSender writes messages to the log instead of delivering them.
type LogEmailSender struct {
	Logger zerolog.Logger
}

// Send implements EmailSender.
func (s LogEmailSender) Send(_ context.Context, msg Email) error {
	s.Logger.Info().Str("from", msg.From).Str("to", msg.To).Str("subject", msg.Subject).Int("html_bytes", len(msg.HTML)).Msg("email")
	return nil
}
