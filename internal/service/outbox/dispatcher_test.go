package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/mailing"
	"github.com/betterbobcats/email-outbox/internal/repository/memory"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

const testSecret = "s3cret-trigger"

// =============================================================================
// Test doubles
// =============================================================================

// fakeSender records every delivery and fails recipients listed in failFor.
type fakeSender struct {
	mu       sync.Mutex
	sent     []*domain.EmailMessage
	failFor  map[string]error
	delay    time.Duration
	inflight int32
	maxSeen  int32
	onSend   func(*domain.EmailMessage)
}

func (f *fakeSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxSeen)
		if n <= prev || atomic.CompareAndSwapInt32(&f.maxSeen, prev, n) {
			break
		}
	}
	if f.onSend != nil {
		f.onSend(msg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.failFor[msg.To]; ok {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return &domain.SendResult{MessageID: "re_" + msg.ID, Provider: domain.ProviderResend, SentAt: time.Now()}, nil
}

func (f *fakeSender) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.sent))
	for i, m := range f.sent {
		ids[i] = m.ID
	}
	return ids
}

// flakyStore wraps the memory store and injects failures.
type flakyStore struct {
	*memory.OutboxStore
	claimErr      error
	claimCalls    int32
	markSentFails int32
	markSentCalls int32
}

func (s *flakyStore) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	atomic.AddInt32(&s.claimCalls, 1)
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	return s.OutboxStore.ClaimPending(ctx, limit)
}

func (s *flakyStore) MarkSent(ctx context.Context, id string) error {
	n := atomic.AddInt32(&s.markSentCalls, 1)
	if n <= atomic.LoadInt32(&s.markSentFails) {
		return errors.New("connection reset by peer")
	}
	return s.OutboxStore.MarkSent(ctx, id)
}

type recordingObserver struct {
	mu          sync.Mutex
	invocations []string
	results     map[string]int
	writeErrors map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{results: map[string]int{}, writeErrors: map[string]int{}}
}

func (o *recordingObserver) ObserveInvocation(outcome string) {
	o.mu.Lock()
	o.invocations = append(o.invocations, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveClaim(time.Duration, int) {}

func (o *recordingObserver) ObserveMessage(result string, _ time.Duration) {
	o.mu.Lock()
	o.results[result]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveTerminalWriteError(op string) {
	o.mu.Lock()
	o.writeErrors[op]++
	o.mu.Unlock()
}

// =============================================================================
// Helpers
// =============================================================================

func newRenderer(t *testing.T) *mailing.Renderer {
	t.Helper()
	r, err := mailing.NewRenderer(mailing.RendererOptions{})
	require.NoError(t, err)
	return r
}

func approvedPayload(club string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"club_name":     club,
		"club_slug":     "slug",
		"dashboard_url": "https://bobcats.example/dashboard",
	})
	return b
}

func seed(t *testing.T, s *memory.OutboxStore, n int) []string {
	t.Helper()
	ids := make([]string, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ids[i] = s.Insert(domain.OutboxMessage{
			ToEmail:   fmt.Sprintf("member%d@school.edu", i),
			Template:  domain.TemplateClubApproved,
			Payload:   approvedPayload(fmt.Sprintf("Club %d", i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return ids
}

func newDispatcher(t *testing.T, store outbox.Store, sender *fakeSender, opts outbox.Options) *outbox.Dispatcher {
	t.Helper()
	if opts.Secret == "" {
		opts.Secret = testSecret
	}
	opts.FromName = "BetterBobcats"
	opts.FromEmail = "noreply@betterbobcats.example"
	if opts.MarkBackoff == 0 {
		opts.MarkBackoff = time.Millisecond
	}
	return outbox.NewDispatcher(store, newRenderer(t), sender, opts)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRun_ProviderAcceptsMessage(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 1)
	sender := &fakeSender{}

	res, err := newDispatcher(t, store, sender, outbox.Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchResult{Processed: 1, Successful: 1, Failed: 0}, res)

	got, _ := store.Get(ids[0])
	assert.Equal(t, domain.OutboxSent, got.Status)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, 1, got.AttemptCount)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, ids[0], msg.ID)
	assert.Equal(t, "member0@school.edu", msg.To)
	assert.Equal(t, "BetterBobcats <noreply@betterbobcats.example>", msg.From())
	assert.Equal(t, `Your club "Club 0" has been approved!`, msg.Subject)
}

func TestRun_ProviderRejectsMessage(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 1)
	sender := &fakeSender{failFor: map[string]error{
		"member0@school.edu": errors.New("resend: status 500: internal server error"),
	}}

	res, err := newDispatcher(t, store, sender, outbox.Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchResult{Processed: 1, Successful: 0, Failed: 1}, res)

	got, _ := store.Get(ids[0])
	assert.Equal(t, domain.OutboxFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "status 500")
	assert.Nil(t, got.SentAt)
}

func TestRun_UnknownTemplateSkipsDelivery(t *testing.T) {
	store := memory.NewOutboxStore()
	id := store.Insert(domain.OutboxMessage{
		ToEmail:  "x@school.edu",
		Template: "nonexistent_template",
		Payload:  json.RawMessage(`{}`),
	})
	sender := &fakeSender{}

	res, err := newDispatcher(t, store, sender, outbox.Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchResult{Processed: 1, Successful: 0, Failed: 1}, res)
	assert.Empty(t, sender.sent)

	got, _ := store.Get(id)
	assert.Equal(t, domain.OutboxFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "unknown email template")
}

func TestRun_NoPendingRows(t *testing.T) {
	store := memory.NewOutboxStore()
	obs := newRecordingObserver()

	res, err := newDispatcher(t, store, &fakeSender{}, outbox.Options{Observer: obs}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchResult{}, res)
	assert.Equal(t, []string{"empty"}, obs.invocations)
}

func TestRun_FaultIsolation(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 5)

	bad := store.Insert(domain.OutboxMessage{
		ToEmail:   "broken@school.edu",
		Template:  domain.TemplateOfficerInvite,
		Payload:   json.RawMessage(`{"club_name":"Chess"}`),
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 2, 500, time.UTC),
	})
	sender := &fakeSender{}
	obs := newRecordingObserver()

	res, err := newDispatcher(t, store, sender, outbox.Options{Observer: obs}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 5, res.Successful)
	assert.Equal(t, 1, res.Failed)

	for _, id := range append(ids, bad) {
		got, _ := store.Get(id)
		assert.True(t, got.Status.IsTerminal(), "row %s left in %s", id, got.Status)
	}
	got, _ := store.Get(bad)
	assert.Equal(t, domain.OutboxFailed, got.Status)
	assert.Contains(t, *got.Error, "invite_url")
	assert.Equal(t, 1, obs.results[outbox.ResultFailedRender])
	assert.Equal(t, 5, obs.results[outbox.ResultSent])
}

func TestRun_SendTimeoutFailsMessage(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 1)
	sender := &fakeSender{delay: time.Second}

	res, err := newDispatcher(t, store, sender, outbox.Options{SendTimeout: 20 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, _ := store.Get(ids[0])
	assert.Equal(t, domain.OutboxFailed, got.Status)
	assert.Contains(t, *got.Error, "timed out")
}

func TestRun_ClaimErrorAbortsInvocation(t *testing.T) {
	cause := errors.New("relation \"email_outbox\" does not exist")
	store := &flakyStore{OutboxStore: memory.NewOutboxStore(), claimErr: cause}

	_, err := newDispatcher(t, store, &fakeSender{}, outbox.Options{}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, outbox.ErrClaim)
	assert.ErrorIs(t, err, cause)
}

func TestRun_CanceledCallerStillFinishesClaimedRows(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &fakeSender{onSend: func(*domain.EmailMessage) { cancel() }}

	res, err := newDispatcher(t, store, sender, outbox.Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successful)
	for _, id := range ids {
		got, _ := store.Get(id)
		assert.Equal(t, domain.OutboxSent, got.Status)
	}
}

// =============================================================================
// Terminal writes
// =============================================================================

func TestRun_MarkSentRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{OutboxStore: memory.NewOutboxStore(), markSentFails: 2}
	ids := seed(t, store.OutboxStore, 1)

	res, err := newDispatcher(t, store, &fakeSender{}, outbox.Options{MarkAttempts: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.markSentCalls))

	got, _ := store.Get(ids[0])
	assert.Equal(t, domain.OutboxSent, got.Status)
}

func TestRun_MarkSentExhaustionIsReported(t *testing.T) {
	store := &flakyStore{OutboxStore: memory.NewOutboxStore(), markSentFails: 100}
	ids := seed(t, store.OutboxStore, 1)
	obs := newRecordingObserver()

	res, err := newDispatcher(t, store, &fakeSender{}, outbox.Options{MarkAttempts: 2, Observer: obs}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful, "outcome follows delivery, not the write")
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.markSentCalls))
	assert.Equal(t, 1, obs.writeErrors["mark_sent"])

	got, _ := store.Get(ids[0])
	assert.Equal(t, domain.OutboxSending, got.Status)
}

// =============================================================================
// Authorization
// =============================================================================

func TestInvoke_RejectsBadSecretBeforeStoreAccess(t *testing.T) {
	store := &flakyStore{OutboxStore: memory.NewOutboxStore()}
	seed(t, store.OutboxStore, 2)
	d := newDispatcher(t, store, &fakeSender{}, outbox.Options{})

	for _, presented := range []string{"", "wrong", testSecret + "x"} {
		_, err := d.Invoke(context.Background(), presented)
		assert.ErrorIs(t, err, outbox.ErrUnauthorized, presented)
	}
	assert.Zero(t, atomic.LoadInt32(&store.claimCalls))

	res, err := d.Invoke(context.Background(), testSecret)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}

func TestAuthorize_EmptyConfiguredSecretNeverMatches(t *testing.T) {
	d := outbox.NewDispatcher(memory.NewOutboxStore(), newRenderer(t), &fakeSender{}, outbox.Options{})
	assert.False(t, d.Authorize(""))
	assert.False(t, d.Authorize("anything"))
}

// =============================================================================
// Concurrency
// =============================================================================

func TestRun_ConcurrencyIsBounded(t *testing.T) {
	store := memory.NewOutboxStore()
	seed(t, store, 12)
	sender := &fakeSender{delay: 5 * time.Millisecond}

	res, err := newDispatcher(t, store, sender, outbox.Options{Concurrency: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, res.Successful)
	assert.LessOrEqual(t, atomic.LoadInt32(&sender.maxSeen), int32(3))
}

func TestRun_ConcurrentInvocationsNeverDoubleSend(t *testing.T) {
	store := memory.NewOutboxStore()
	ids := seed(t, store, 100)
	sender := &fakeSender{delay: time.Millisecond}

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		d := newDispatcher(t, store, sender, outbox.Options{BatchSize: 10, Concurrency: 4})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := d.Run(context.Background())
				if err != nil || res.Processed == 0 {
					return
				}
				total.Add(int64(res.Processed))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), total.Load())
	counts := map[string]int{}
	for _, id := range sender.sentIDs() {
		counts[id]++
	}
	assert.Len(t, counts, 100)
	for _, id := range ids {
		assert.Equal(t, 1, counts[id], "message %s", id)
		got, _ := store.Get(id)
		assert.Equal(t, domain.OutboxSent, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	}
}
