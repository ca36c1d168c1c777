package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/betterbobcats/email-outbox/internal/domain"
)

// Store is the dispatcher's view of the outbox table.
// Implementations must be safe for concurrent use by separate invocations.
type Store interface {
	// ClaimPending atomically moves up to limit pending rows to sending,
	// oldest first, incrementing attempt_count, stamping last_attempt_at and
	// clearing error. Rows claimed by a concurrent caller are skipped.
	ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error)

	// MarkSent moves a sending row to sent and stamps sent_at. Calling it
	// again on a sent row is a no-op. Returns ErrNotFound for unknown ids
	// and ErrInvalidTransition for rows in any other state.
	MarkSent(ctx context.Context, id string) error

	// MarkFailed moves a sending row to failed with a truncated reason.
	// Calling it again on a failed row is a no-op.
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// Enqueuer inserts new pending rows. The platform normally does this in
// the same transaction as the business change; the CLI uses it directly.
type Enqueuer interface {
	Enqueue(ctx context.Context, toEmail string, template domain.TemplateName, payload json.RawMessage) (string, error)
}

// StaleCounter reports rows that have sat in sending longer than olderThan.
type StaleCounter interface {
	CountStaleSending(ctx context.Context, olderThan time.Duration) (int, error)
}
