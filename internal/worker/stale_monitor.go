package worker

import (
	"context"
	"time"

	"github.com/betterbobcats/email-outbox/internal/pkg/distlock"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

// =============================================================================
// STALE MONITOR: reports outbox rows stuck in 'sending'
// =============================================================================
// A dispatcher that dies between claim and terminal write leaves its rows in
// 'sending' forever. There is no automatic requeue: re-sending could deliver
// twice, so the monitor only counts and reports. Operators move rows back
// to 'pending' by hand once they have checked the provider logs.

const (
	// DefaultStaleCheckInterval is how often the monitor scans.
	DefaultStaleCheckInterval = 2 * time.Minute

	// DefaultStaleAfter is how long a row may sit in sending before it is
	// reported.
	DefaultStaleAfter = 15 * time.Minute

	staleQueryTimeout = 30 * time.Second
)

// StaleGauge receives the latest stale count.
type StaleGauge interface {
	SetStaleSending(n int)
}

// StaleMonitor periodically counts stale sending rows. Only the replica
// holding lock runs the query.
type StaleMonitor struct {
	counter    outbox.StaleCounter
	lock       distlock.DistLock
	gauge      StaleGauge
	interval   time.Duration
	staleAfter time.Duration
}

// NewStaleMonitor creates a monitor. lock and gauge may be nil.
func NewStaleMonitor(counter outbox.StaleCounter, lock distlock.DistLock, gauge StaleGauge, interval, staleAfter time.Duration) *StaleMonitor {
	if interval <= 0 {
		interval = DefaultStaleCheckInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &StaleMonitor{
		counter:    counter,
		lock:       lock,
		gauge:      gauge,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Start runs the check loop. It blocks until ctx is cancelled.
func (m *StaleMonitor) Start(ctx context.Context) {
	logger.Info("stale monitor starting", "interval", m.interval.String(), "stale_after", m.staleAfter.String())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stale monitor stopping")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one scan. It returns the stale count, or -1 when the scan was
// skipped because another replica holds the lock or the query failed.
func (m *StaleMonitor) Check(ctx context.Context) int {
	queryCtx, cancel := context.WithTimeout(ctx, staleQueryTimeout)
	defer cancel()

	if m.lock != nil {
		ok, err := m.lock.Acquire(queryCtx)
		if err != nil {
			logger.Warn("stale monitor: lock error", "error", err)
			return -1
		}
		if !ok {
			logger.Debug("stale monitor: another replica holds the lock")
			return -1
		}
		defer func() {
			if err := m.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("stale monitor: release lock", "error", err)
			}
		}()
	}

	n, err := m.counter.CountStaleSending(queryCtx, m.staleAfter)
	if err != nil {
		logger.Error("stale monitor: count failed", "error", err)
		return -1
	}
	if m.gauge != nil {
		m.gauge.SetStaleSending(n)
	}
	if n > 0 {
		logger.Warn("outbox rows stuck in sending; manual requeue required",
			"count", n, "older_than", m.staleAfter.String())
	}
	return n
}
