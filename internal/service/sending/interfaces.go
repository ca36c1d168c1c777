// Package sending defines the delivery contract between the dispatcher and
// the mail provider adapters.
//
// Adapters (Resend, SES) live in worker/esp_*.go and are selected by
// configuration at startup.
package sending

import (
	"context"

	"github.com/betterbobcats/email-outbox/internal/domain"
)

// Sender delivers a single rendered email. Implementations must be safe for
// concurrent use and must honor ctx cancellation, which is how the
// dispatcher enforces its per-send timeout. A nil error means the provider
// accepted the message.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}
