// Package clock abstracts time for the resilience core.
//
// Backoff sleeps, retry timers, refill ticks, and garbage-collection sweeps
// all go through a Clock so tests can drive time forward without real
// sleeping. Production code uses New(), which delegates to the time package.
package clock

import (
	"context"
	"time"
)

// Clock provides the time operations used by the resilience core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration or until the context is cancelled.
	// Returns the context error if cancelled early.
	Sleep(ctx context.Context, d time.Duration) error

	// AfterFunc schedules f to run in its own goroutine after d elapses.
	// The returned Timer can cancel the call before it fires.
	AfterFunc(d time.Duration, f func()) Timer

	// Ticker returns a ticker firing every d.
	Ticker(d time.Duration) Ticker
}

// Timer is a cancellable delayed call.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	// C returns the tick channel.
	C() <-chan time.Time

	// Stop shuts the ticker down. It does not close C.
	Stop()
}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}
