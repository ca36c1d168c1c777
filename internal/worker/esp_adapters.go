// Package worker contains the mail provider adapters and the background
// jobs that run next to the dispatcher.
//
// Provider adapters are split into individual files:
//   - esp_resend.go: Resend HTTP API (default)
//   - esp_ses.go:    AWS SES v2
//
// stale_monitor.go reports rows stuck in sending.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/service/sending"
)

// ProviderError is a rejection or transport failure reported by a mail API.
// Its Error text is what ends up in the outbox row.
type ProviderError struct {
	Provider   domain.Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether the provider signalled a transient condition.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// SenderConfig selects and configures a provider adapter.
type SenderConfig struct {
	Provider domain.Provider
	Resend   ResendConfig
	SES      SESConfig
}

// NewSender builds the adapter named by cfg.Provider.
func NewSender(ctx context.Context, cfg SenderConfig) (sending.Sender, error) {
	switch domain.Provider(strings.ToLower(string(cfg.Provider))) {
	case domain.ProviderResend, "":
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("resend: api key is required")
		}
		return NewResendSender(cfg.Resend), nil
	case domain.ProviderSES:
		return NewSESSender(ctx, cfg.SES)
	default:
		return nil, fmt.Errorf("unknown email provider %q (want resend or ses)", cfg.Provider)
	}
}

func sendResult(provider domain.Provider, id string) *domain.SendResult {
	return &domain.SendResult{MessageID: id, Provider: provider, SentAt: time.Now().UTC()}
}
