package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/pkg/clock"
)

func TestAcquire_BurstThenEmpty(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 1, BurstSize: 2, Strategy: StrategyDrop}, clk)
	defer l.Close()

	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, ok, "acquire %d should succeed from a full bucket", i)
	}

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "empty bucket with drop strategy must reject")
	assert.InDelta(t, 0.0, l.Tokens(), 0.0001)
}

func TestNew_NormalizesInvalidConfig(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 0, BurstSize: 0}, clk)
	defer l.Close()

	// Zero rate/burst fall back to defaults instead of producing a
	// degenerate zero-length sleep interval for the delay strategy.
	assert.InDelta(t, DefaultBurstSize, l.Tokens(), 0.0001)
	assert.Greater(t, l.tokenInterval(), time.Duration(0))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	l2 := New(Config{RatePerSecond: -5, BurstSize: 0.5, Strategy: StrategyDrop}, clk)
	defer l2.Close()
	assert.InDelta(t, DefaultBurstSize, l2.Tokens(), 0.0001)
}

func TestTokens_BoundedByBurst(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 5, BurstSize: 3, Strategy: StrategyDrop}, clk)
	defer l.Close()

	steps := []struct {
		advance time.Duration
		acquire int
	}{
		{0, 2},
		{50 * time.Millisecond, 1},
		{10 * time.Second, 0}, // long idle must cap at burst
		{0, 3},
		{100 * time.Millisecond, 2},
	}

	for _, step := range steps {
		clk.Advance(step.advance)
		for i := 0; i < step.acquire; i++ {
			_, err := l.Acquire(context.Background())
			require.NoError(t, err)
		}
		tokens := l.Tokens()
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, 3.0)
	}
}

func TestAcquire_DelayStrategy(t *testing.T) {
	clk := clock.NewFake()
	var waits []time.Duration
	l := New(Config{
		RatePerSecond: 10,
		BurstSize:     1,
		Strategy:      StrategyDelay,
		OnThrottle:    func(w time.Duration) { waits = append(waits, w) },
	}, clk)
	defer l.Close()

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Bucket is empty: the delay strategy sleeps ceil(1000/10)=100ms and
	// retries. The fake clock advances during Sleep, refilling one token.
	ok, err = l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NotEmpty(t, clk.Sleeps)
	assert.Equal(t, 100*time.Millisecond, clk.Sleeps[0])
	require.NotEmpty(t, waits)
	assert.Equal(t, 100*time.Millisecond, waits[0])
}

func TestAcquire_DelayRatesRoundUp(t *testing.T) {
	tests := []struct {
		rate float64
		want time.Duration
	}{
		{10, 100 * time.Millisecond},
		{3, 334 * time.Millisecond},
		{1, 1000 * time.Millisecond},
		{0.5, 2000 * time.Millisecond},
	}

	for _, tt := range tests {
		l := New(Config{RatePerSecond: tt.rate, BurstSize: 1}, clock.NewFake())
		assert.Equal(t, tt.want, l.tokenInterval(), "rate %v", tt.rate)
		l.Close()
	}
}

func TestAcquire_QueueStrategy(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 10, BurstSize: 1, Strategy: StrategyQueue}, clk)
	defer l.Close()

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		ok, err := l.Acquire(context.Background())
		assert.NoError(t, err)
		done <- ok
	}()

	// Wait for the waiter to be enqueued, then drive the drain tick.
	require.Eventually(t, func() bool {
		return l.Stats()["queued_waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	clk.Advance(200 * time.Millisecond)

	select {
	case ok := <-done:
		assert.True(t, ok, "queued waiter should be released by the tick")
	case <-time.After(time.Second):
		t.Fatal("queued waiter was never released")
	}
}

func TestAcquire_QueueContextCancel(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 10, BurstSize: 1, Strategy: StrategyQueue}, clk)
	defer l.Close()

	_, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return l.Stats()["queued_waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The abandoned waiter must be removed from the queue.
	assert.Equal(t, 0, l.Stats()["queued_waiters"].(int))
}

func TestClose(t *testing.T) {
	clk := clock.NewFake()
	l := New(Config{RatePerSecond: 10, BurstSize: 1, Strategy: StrategyQueue}, clk)

	_, err := l.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return l.Stats()["queued_waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	l.Close()
	l.Close() // idempotent

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLimiterClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not rejected on close")
	}

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLimiterClosed)
}
