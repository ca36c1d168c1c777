package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

// ClaimMode selects how pending rows are claimed.
type ClaimMode string

const (
	// ClaimModeAtomic claims with one UPDATE over a FOR UPDATE SKIP LOCKED
	// subselect. Concurrent invocations always receive disjoint rows.
	ClaimModeAtomic ClaimMode = "atomic"
	// ClaimModeDegraded selects and then updates without row locks. Two
	// invocations racing can claim the same row. Only for databases where
	// SKIP LOCKED is unavailable, and only when configured explicitly.
	ClaimModeDegraded ClaimMode = "degraded"
)

// ParseClaimMode accepts "atomic" (or empty) and "degraded".
func ParseClaimMode(s string) (ClaimMode, error) {
	switch ClaimMode(s) {
	case "", ClaimModeAtomic:
		return ClaimModeAtomic, nil
	case ClaimModeDegraded:
		return ClaimModeDegraded, nil
	}
	return "", fmt.Errorf("unknown claim mode %q (want atomic or degraded)", s)
}

const outboxColumns = `id, to_email, template, payload, status, attempt_count,
		last_attempt_at, sent_at, error, created_at`

const claimAtomicSQL = `
	UPDATE email_outbox o
	SET status = 'sending',
	    attempt_count = o.attempt_count + 1,
	    last_attempt_at = NOW(),
	    error = NULL
	WHERE o.status = 'pending'
	  AND o.id IN (
		SELECT p.id FROM email_outbox p
		WHERE p.status = 'pending'
		ORDER BY p.created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	  )
	RETURNING o.id, o.to_email, o.template, o.payload, o.status, o.attempt_count,
		o.last_attempt_at, o.sent_at, o.error, o.created_at`

// OutboxRepo implements outbox.Store, outbox.Enqueuer and
// outbox.StaleCounter against PostgreSQL.
type OutboxRepo struct {
	db   *sql.DB
	mode ClaimMode
}

// NewOutboxRepo creates a Postgres-backed outbox store using the atomic claim.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db, mode: ClaimModeAtomic}
}

// WithClaimMode returns the repo configured for mode.
func (r *OutboxRepo) WithClaimMode(mode ClaimMode) *OutboxRepo {
	r.mode = mode
	if mode == ClaimModeDegraded {
		logger.Warn("outbox: degraded claim mode enabled; concurrent invocations may send duplicates")
	}
	return r
}

// ClaimPending claims up to limit pending rows, oldest first.
func (r *OutboxRepo) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if r.mode == ClaimModeDegraded {
		return r.claimDegraded(ctx, limit)
	}

	rows, err := r.db.QueryContext(ctx, claimAtomicSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	sortByCreated(msgs)
	return msgs, nil
}

// claimDegraded reads pending ids and flips them in a second statement.
// The status guard on the update keeps a row from being claimed twice by
// the same pair of statements, but not by a racing invocation that read
// the same ids.
func (r *OutboxRepo) claimDegraded(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	logger.Warn("outbox: claiming without row locks", "limit", limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM email_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending (degraded): select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim pending (degraded): scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim pending (degraded): %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	updated, err := r.db.QueryContext(ctx, `
		UPDATE email_outbox
		SET status = 'sending',
		    attempt_count = attempt_count + 1,
		    last_attempt_at = NOW(),
		    error = NULL
		WHERE id = ANY($1::uuid[]) AND status = 'pending'
		RETURNING `+outboxColumns, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim pending (degraded): update: %w", err)
	}
	msgs, err := scanMessages(updated)
	if err != nil {
		return nil, fmt.Errorf("claim pending (degraded): %w", err)
	}
	sortByCreated(msgs)
	return msgs, nil
}

// MarkSent records delivery. A row that is already sent is left untouched.
func (r *OutboxRepo) MarkSent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_outbox
		SET status = 'sent', sent_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.resolveNoop(ctx, id, domain.OutboxSent)
}

// MarkFailed records a failure with a truncated reason. A row that is
// already failed is left untouched.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_outbox
		SET status = 'failed', error = $2
		WHERE id = $1 AND status = 'sending'
	`, id, domain.TruncateError(errMsg))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.resolveNoop(ctx, id, domain.OutboxFailed)
}

// resolveNoop explains why a guarded terminal update touched no rows.
func (r *OutboxRepo) resolveNoop(ctx context.Context, id string, target domain.OutboxStatus) error {
	var status domain.OutboxStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM email_outbox WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup status %s: %w", id, err)
	}
	if status == target {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", outbox.ErrInvalidTransition, status, target)
}

// Enqueue inserts a pending row and returns its id.
func (r *OutboxRepo) Enqueue(ctx context.Context, toEmail string, template domain.TemplateName, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO email_outbox (to_email, template, payload)
		VALUES ($1, $2, $3::jsonb)
		RETURNING id
	`, toEmail, string(template), string(payload)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue email: %w", err)
	}
	return id, nil
}

// CountStaleSending counts rows stuck in sending since before now-olderThan.
func (r *OutboxRepo) CountStaleSending(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_outbox
		WHERE status = 'sending'
		  AND last_attempt_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale sending: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of rows in each state.
func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM email_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.OutboxStatus]int)
	for rows.Next() {
		var status domain.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]domain.OutboxMessage, error) {
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var (
			m           domain.OutboxMessage
			payload     []byte
			lastAttempt sql.NullTime
			sentAt      sql.NullTime
			errText     sql.NullString
		)
		if err := rows.Scan(
			&m.ID, &m.ToEmail, &m.Template, &payload, &m.Status, &m.AttemptCount,
			&lastAttempt, &sentAt, &errText, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		if lastAttempt.Valid {
			t := lastAttempt.Time
			m.LastAttemptAt = &t
		}
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		if errText.Valid {
			s := errText.String
			m.Error = &s
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// sortByCreated restores FIFO order; RETURNING order is unspecified.
func sortByCreated(msgs []domain.OutboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
