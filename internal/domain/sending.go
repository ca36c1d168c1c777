package domain

import (
	"fmt"
	"time"
)

// Provider identifies the mail API used for delivery.
type Provider string

const (
	ProviderResend Provider = "resend"
	ProviderSES    Provider = "ses"
)

// EmailMessage is the fully rendered message handed to a Sender.
// ID is the outbox row id and doubles as the provider idempotency key.
type EmailMessage struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
}

// From renders the sender as "Name <address>", or the bare address when
// no name is configured.
func (m *EmailMessage) From() string {
	if m.FromName == "" {
		return m.FromEmail
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
}

// SendResult is returned by a Sender after the provider accepted a message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Provider  Provider  `json:"provider"`
	SentAt    time.Time `json:"sent_at"`
}

// RenderedEmail is the output of template rendering.
type RenderedEmail struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}
