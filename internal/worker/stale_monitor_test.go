package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betterbobcats/email-outbox/internal/pkg/distlock"
)

type fakeCounter struct {
	mu     sync.Mutex
	n      int
	err    error
	calls  int
	olders []time.Duration
}

func (f *fakeCounter) CountStaleSending(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.olders = append(f.olders, olderThan)
	return f.n, f.err
}

func (f *fakeCounter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGauge struct {
	mu  sync.Mutex
	set []int
}

func (g *fakeGauge) SetStaleSending(n int) {
	g.mu.Lock()
	g.set = append(g.set, n)
	g.mu.Unlock()
}

func TestStaleMonitor_Defaults(t *testing.T) {
	m := NewStaleMonitor(&fakeCounter{}, nil, nil, 0, -1)
	assert.Equal(t, DefaultStaleCheckInterval, m.interval)
	assert.Equal(t, DefaultStaleAfter, m.staleAfter)
}

func TestStaleMonitor_Check(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		err       error
		want      int
		wantGauge []int
	}{
		{name: "nothing stale", n: 0, want: 0, wantGauge: []int{0}},
		{name: "stale rows", n: 4, want: 4, wantGauge: []int{4}},
		{name: "query error", err: errors.New("db down"), want: -1, wantGauge: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{n: tt.n, err: tt.err}
			gauge := &fakeGauge{}
			m := NewStaleMonitor(counter, nil, gauge, time.Minute, 10*time.Minute)

			assert.Equal(t, tt.want, m.Check(context.Background()))
			assert.Equal(t, tt.wantGauge, gauge.set)
			assert.Equal(t, []time.Duration{10 * time.Minute}, counter.olders)
		})
	}
}

func TestStaleMonitor_SkipsWhenLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	other := distlock.NewRedisLock(client, "outbox:stale-monitor", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	counter := &fakeCounter{n: 2}
	m := NewStaleMonitor(counter, distlock.NewRedisLock(client, "outbox:stale-monitor", time.Minute), nil, time.Minute, time.Minute)

	assert.Equal(t, -1, m.Check(context.Background()))
	assert.Zero(t, counter.Calls())

	require.NoError(t, other.Release(context.Background()))
	assert.Equal(t, 2, m.Check(context.Background()))
	assert.Equal(t, 1, counter.Calls())

	// released after the check
	assert.False(t, mr.Exists("lock:outbox:stale-monitor"))
}

func TestStaleMonitor_StartStopsOnCancel(t *testing.T) {
	counter := &fakeCounter{}
	m := NewStaleMonitor(counter, nil, nil, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return counter.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
