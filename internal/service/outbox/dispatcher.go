package outbox

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
	"github.com/betterbobcats/email-outbox/internal/service/sending"
)

// Defaults applied by NewDispatcher to zero-valued Options.
const (
	DefaultBatchSize    = 25
	DefaultConcurrency  = 1
	DefaultSendTimeout  = 30 * time.Second
	DefaultMarkAttempts = 3
	DefaultMarkBackoff  = 200 * time.Millisecond
)

// Message outcomes reported to the Observer.
const (
	ResultSent           = "sent"
	ResultFailedRender   = "failed_render"
	ResultFailedDelivery = "failed_delivery"
)

// Renderer turns an outbox row's template and payload into email content.
type Renderer interface {
	Render(name domain.TemplateName, raw json.RawMessage) (domain.RenderedEmail, error)
}

// Observer receives dispatcher measurements. The metrics package provides
// the Prometheus implementation.
type Observer interface {
	ObserveInvocation(outcome string)
	ObserveClaim(d time.Duration, claimed int)
	ObserveMessage(result string, d time.Duration)
	ObserveTerminalWriteError(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveInvocation(string) {}
func (nopObserver) ObserveClaim(time.Duration, int) {}
func (nopObserver) ObserveMessage(string, time.Duration) {}
func (nopObserver) ObserveTerminalWriteError(string) {}

// Options configures a Dispatcher.
type Options struct {
	BatchSize    int
	Concurrency  int
	SendTimeout  time.Duration
	MarkAttempts int
	MarkBackoff  time.Duration
	FromName     string
	FromEmail    string
	Secret       string
	Observer     Observer
}

// Dispatcher runs one claim-render-send-record pass per invocation.
type Dispatcher struct {
	store    Store
	renderer Renderer
	sender   sending.Sender
	opts     Options
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewDispatcher wires a dispatcher and fills in defaults for unset options.
func NewDispatcher(store Store, renderer Renderer, sender sending.Sender, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MarkAttempts <= 0 {
		opts.MarkAttempts = DefaultMarkAttempts
	}
	if opts.MarkBackoff < 0 {
		opts.MarkBackoff = 0
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Dispatcher{
		store:    store,
		renderer: renderer,
		sender:   sender,
		opts:     opts,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Authorize compares the presented trigger secret with the configured one
// in constant time. An empty secret on either side never matches.
func (d *Dispatcher) Authorize(presented string) bool {
	if d.opts.Secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(d.opts.Secret)) == 1
}

// Invoke authorizes the caller and then runs one pass. The store is not
// touched when authorization fails.
func (d *Dispatcher) Invoke(ctx context.Context, presentedSecret string) (domain.DispatchResult, error) {
	if !d.Authorize(presentedSecret) {
		d.opts.Observer.ObserveInvocation("unauthorized")
		return domain.DispatchResult{}, ErrUnauthorized
	}
	return d.Run(ctx)
}

// Run claims up to BatchSize pending rows and drives each to a terminal
// state. A claim failure aborts the invocation; every other failure is
// confined to the message it belongs to.
//
// Once rows are claimed, processing continues even if ctx is canceled:
// claimed rows must not be left in sending because a caller hung up.
func (d *Dispatcher) Run(ctx context.Context) (domain.DispatchResult, error) {
	claimStart := d.now()
	claimed, err := d.store.ClaimPending(ctx, d.opts.BatchSize)
	if err != nil {
		d.opts.Observer.ObserveInvocation("claim_error")
		logger.Error("outbox: claim failed", "batch_size", d.opts.BatchSize, "error", err)
		return domain.DispatchResult{}, fmt.Errorf("%w: %w", ErrClaim, err)
	}
	d.opts.Observer.ObserveClaim(d.now().Sub(claimStart), len(claimed))

	if len(claimed) == 0 {
		d.opts.Observer.ObserveInvocation("empty")
		logger.Debug("outbox: no pending emails")
		return domain.DispatchResult{}, nil
	}

	logger.Info("outbox: claimed batch", "claimed", len(claimed), "concurrency", d.opts.Concurrency)

	work := context.WithoutCancel(ctx)
	var successful, failed atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.opts.Concurrency)

	for i := range claimed {
		msg := claimed[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if d.process(work, msg) {
				successful.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	res := domain.DispatchResult{
		Processed:  len(claimed),
		Successful: int(successful.Load()),
		Failed:     int(failed.Load()),
	}
	d.opts.Observer.ObserveInvocation("completed")
	logger.Info("outbox: batch complete",
		"processed", res.Processed, "successful", res.Successful, "failed", res.Failed)
	return res, nil
}

// process handles one claimed row and reports whether it was delivered.
// A panic in rendering or delivery fails the row instead of the batch.
func (d *Dispatcher) process(ctx context.Context, msg domain.OutboxMessage) (delivered bool) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("outbox: panic while processing message",
				"outbox_id", msg.ID, "template", msg.Template, "panic", r)
			d.markFailed(ctx, msg, fmt.Sprintf("internal error: %v", r))
			d.opts.Observer.ObserveMessage(ResultFailedDelivery, d.now().Sub(start))
			delivered = false
		}
	}()

	rendered, err := d.renderer.Render(msg.Template, msg.Payload)
	if err != nil {
		logger.Warn("outbox: render failed",
			"outbox_id", msg.ID, "template", msg.Template, "attempt", msg.AttemptCount, "error", err)
		d.markFailed(ctx, msg, err.Error())
		d.opts.Observer.ObserveMessage(ResultFailedRender, d.now().Sub(start))
		return false
	}

	email := &domain.EmailMessage{
		ID:        msg.ID,
		To:        msg.ToEmail,
		FromName:  d.opts.FromName,
		FromEmail: d.opts.FromEmail,
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Text:      rendered.Text,
	}

	if err := d.send(ctx, email); err != nil {
		logger.Warn("outbox: delivery failed",
			"outbox_id", msg.ID, "template", msg.Template, "to_email", msg.ToEmail,
			"attempt", msg.AttemptCount, "error", err)
		d.markFailed(ctx, msg, err.Error())
		d.opts.Observer.ObserveMessage(ResultFailedDelivery, d.now().Sub(start))
		return false
	}

	d.markSent(ctx, msg)
	d.opts.Observer.ObserveMessage(ResultSent, d.now().Sub(start))
	return true
}

func (d *Dispatcher) send(ctx context.Context, email *domain.EmailMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	res, err := d.sender.Send(sendCtx, email)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("send timed out after %s: %w", d.opts.SendTimeout, err)
		}
		return err
	}
	if res != nil {
		logger.Info("outbox: message sent",
			"outbox_id", email.ID, "to_email", email.To, "provider", res.Provider, "provider_id", res.MessageID)
	}
	return nil
}

func (d *Dispatcher) markSent(ctx context.Context, msg domain.OutboxMessage) {
	err := d.retryTerminal(ctx, func(ctx context.Context) error {
		return d.store.MarkSent(ctx, msg.ID)
	})
	if err != nil {
		d.opts.Observer.ObserveTerminalWriteError("mark_sent")
		logger.Error("outbox: delivered but not recorded as sent",
			"outbox_id", msg.ID, "template", msg.Template, "attempts", d.opts.MarkAttempts, "error", err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, msg domain.OutboxMessage, reason string) {
	err := d.retryTerminal(ctx, func(ctx context.Context) error {
		return d.store.MarkFailed(ctx, msg.ID, domain.TruncateError(reason))
	})
	if err != nil {
		d.opts.Observer.ObserveTerminalWriteError("mark_failed")
		logger.Error("outbox: failure not recorded, row left in sending",
			"outbox_id", msg.ID, "template", msg.Template, "attempts", d.opts.MarkAttempts, "error", err)
	}
}

// retryTerminal runs a terminal write up to MarkAttempts times with linear
// backoff. State conflicts are not retried.
func (d *Dispatcher) retryTerminal(ctx context.Context, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.opts.MarkAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if attempt < d.opts.MarkAttempts {
			logger.Warn("outbox: terminal write failed, retrying", "attempt", attempt, "error", err)
			d.sleep(time.Duration(attempt) * d.opts.MarkBackoff)
		}
	}
	return err
}
