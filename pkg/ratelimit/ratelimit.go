// Package ratelimit implements token-bucket admission control for outbound
// calls to a remote data service.
//
// One Limiter instance owns one bucket. Callers ask for permission with
// Acquire before every wire call; what happens when the bucket is empty is
// governed by the configured Strategy.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/tombee/relay/pkg/clock"
)

// Strategy selects the behavior when no token is available.
type Strategy string

const (
	// StrategyDelay sleeps for one token interval and tries again.
	StrategyDelay Strategy = "delay"

	// StrategyDrop returns false immediately. The caller must treat the
	// request as not sent.
	StrategyDrop Strategy = "drop"

	// StrategyQueue enqueues the caller (FIFO) and releases waiters from a
	// periodic background tick while tokens remain.
	StrategyQueue Strategy = "queue"
)

// ErrLimiterClosed is returned by Acquire after Close has been called.
var ErrLimiterClosed = errors.New("rate limiter is closed")

// DefaultTickInterval drives the queue-strategy background refill.
const DefaultTickInterval = 100 * time.Millisecond

// Defaults applied by New when the corresponding Config field is unset or
// out of range.
const (
	DefaultRatePerSecond = 10.0
	DefaultBurstSize     = 20.0
)

// Config configures a Limiter.
type Config struct {
	// RatePerSecond is the steady-state token refill rate. Non-positive
	// values fall back to DefaultRatePerSecond.
	RatePerSecond float64

	// BurstSize caps the bucket. Tokens never exceed this. Values below 1
	// fall back to DefaultBurstSize.
	BurstSize float64

	// Strategy selects empty-bucket behavior. Default: StrategyDelay.
	Strategy Strategy

	// TickInterval is the queue-strategy drain interval.
	// Default: DefaultTickInterval.
	TickInterval time.Duration

	// OnThrottle, if set, fires with the computed wait time whenever a
	// caller is throttled. Observability hook only.
	OnThrottle func(wait time.Duration)
}

// Limiter is a token bucket. The bucket state is owned exclusively by one
// Limiter and mutated under its lock on every acquire and refill tick.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	clk        clock.Clock
	tokens     float64
	lastRefill time.Time
	waiters    []chan error
	ticker     clock.Ticker
	tickDone   chan struct{}
	closed     bool
}

// New creates a Limiter with a full bucket. The queue strategy starts a
// background drain goroutine which runs until Close.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	// A zero rate would make the delay-strategy sleep interval degenerate
	// and busy-loop; fall back to defaults rather than divide by zero.
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	l := &Limiter{
		cfg:        cfg,
		clk:        clk,
		tokens:     cfg.BurstSize,
		lastRefill: clk.Now(),
	}

	if cfg.Strategy == StrategyQueue {
		l.ticker = clk.Ticker(cfg.TickInterval)
		l.tickDone = make(chan struct{})
		go l.drainLoop()
	}

	return l
}

// Acquire asks for one token. It returns (true, nil) when the caller may
// proceed and (false, nil) when the drop strategy rejected the call. An
// empty bucket is never an error; the only error conditions are a closed
// limiter and context cancellation while waiting.
func (l *Limiter) Acquire(ctx context.Context) (bool, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return false, ErrLimiterClosed
		}

		l.refill()
		if l.tokens >= 1.0 {
			l.tokens--
			l.mu.Unlock()
			acquiredTotal.WithLabelValues(string(l.cfg.Strategy)).Inc()
			return true, nil
		}

		switch l.cfg.Strategy {
		case StrategyDrop:
			l.mu.Unlock()
			droppedTotal.Inc()
			return false, nil

		case StrategyQueue:
			waiter := make(chan error, 1)
			l.waiters = append(l.waiters, waiter)
			wait := l.estimateWait()
			l.mu.Unlock()

			l.throttled(wait)
			select {
			case err := <-waiter:
				if err != nil {
					return false, err
				}
				acquiredTotal.WithLabelValues(string(l.cfg.Strategy)).Inc()
				return true, nil
			case <-ctx.Done():
				l.removeWaiter(waiter)
				return false, ctx.Err()
			}

		default: // StrategyDelay
			wait := l.tokenInterval()
			l.mu.Unlock()

			l.throttled(wait)
			if err := l.clk.Sleep(ctx, wait); err != nil {
				return false, err
			}
			// Loop and try again.
		}
	}
}

// Tokens returns the current token count after refill. Bounded by
// [0, BurstSize].
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Stats reports limiter state for observability endpoints.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return map[string]interface{}{
		"rate_per_second":  l.cfg.RatePerSecond,
		"burst_size":       l.cfg.BurstSize,
		"available_tokens": l.tokens,
		"strategy":         string(l.cfg.Strategy),
		"queued_waiters":   len(l.waiters),
		"closed":           l.closed,
	}
}

// Close shuts the limiter down. Queued waiters are rejected with
// ErrLimiterClosed and the drain goroutine stops. Close is idempotent.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	if l.tickDone != nil {
		close(l.tickDone)
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	for _, w := range waiters {
		w <- ErrLimiterClosed
	}
}

// refill adds tokens for elapsed time, capped at the burst size.
// Must be called with the lock held.
func (l *Limiter) refill() {
	now := l.clk.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed > 0 {
		l.tokens = math.Min(l.tokens+elapsed.Seconds()*l.cfg.RatePerSecond, l.cfg.BurstSize)
	}
	l.lastRefill = now
}

// tokenInterval is the delay-strategy sleep: ceil(1000/rate) milliseconds.
func (l *Limiter) tokenInterval() time.Duration {
	ms := math.Ceil(1000.0 / l.cfg.RatePerSecond)
	return time.Duration(ms) * time.Millisecond
}

// estimateWait approximates how long a queued caller will wait for a token.
// Must be called with the lock held.
func (l *Limiter) estimateWait() time.Duration {
	deficit := float64(len(l.waiters)) - l.tokens
	if deficit < 1.0 {
		deficit = 1.0
	}
	return time.Duration(deficit / l.cfg.RatePerSecond * float64(time.Second))
}

func (l *Limiter) throttled(wait time.Duration) {
	throttledTotal.WithLabelValues(string(l.cfg.Strategy)).Inc()
	if l.cfg.OnThrottle != nil {
		l.cfg.OnThrottle(wait)
	}
}

func (l *Limiter) removeWaiter(target chan error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// drainLoop releases queued waiters while tokens remain, once per tick.
func (l *Limiter) drainLoop() {
	for {
		select {
		case <-l.tickDone:
			return
		case <-l.ticker.C():
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.refill()
			for l.tokens >= 1.0 && len(l.waiters) > 0 {
				l.tokens--
				w := l.waiters[0]
				l.waiters = l.waiters[1:]
				w <- nil
			}
			queueDepth.Set(float64(len(l.waiters)))
			l.mu.Unlock()
		}
	}
}
