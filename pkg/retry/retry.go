// Package retry provides a generic retry-with-backoff wrapper around any
// fallible operation against the remote data service.
//
// The executor does not know about rate limiting; callers compose the two at
// the call site. Errors are classified through the normalized
// transport.TransportError shape and the final error is propagated unchanged,
// never re-wrapped.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/tombee/relay/pkg/clock"
	"github.com/tombee/relay/pkg/transport"
)

// Policy is pure retry configuration. One Policy value can be shared across
// any number of concurrent executions.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// MaxAttempts=1 means no retries at all. Default: 3.
	MaxAttempts int

	// InitialDelay is the base backoff before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration

	// BackoffFactor is the exponential multiplier. Default: 2.
	BackoffFactor float64

	// RetryableStatusCodes lists HTTP statuses worth retrying.
	// Default: 429, 503, 504.
	RetryableStatusCodes []int

	// RetryOnNetworkError retries transient network failures
	// (connection refused/reset, DNS failure, timeout).
	RetryOnNetworkError bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          3,
		InitialDelay:         1 * time.Second,
		MaxDelay:             30 * time.Second,
		BackoffFactor:        2.0,
		RetryableStatusCodes: []int{429, 503, 504},
		RetryOnNetworkError:  true,
	}
}

// withDefaults fills zero fields so a partially specified policy behaves.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = []int{429, 503, 504}
	}
	return p
}

// IsRetryable reports whether err is worth retrying under the policy:
// either it carries a status code in RetryableStatusCodes, or it is a
// transient network error class and RetryOnNetworkError is set.
func (p Policy) IsRetryable(err error) bool {
	te := transport.Classify(err)
	if te == nil {
		return false
	}
	if te.StatusCode > 0 {
		for _, code := range p.RetryableStatusCodes {
			if te.StatusCode == code {
				return true
			}
		}
		return false
	}
	return p.RetryOnNetworkError && te.IsNetwork()
}

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy
	clk    clock.Clock

	// OnRetry, if set, observes each scheduled retry with the 1-based
	// attempt number that failed, the error, and the computed delay.
	OnRetry func(attempt int, err error, delay time.Duration)

	// rng produces jitter. Overridable in tests.
	rng func() float64
}

// NewExecutor creates an Executor for the given policy.
func NewExecutor(policy Policy, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		policy: policy.withDefaults(),
		clk:    clk,
		rng:    rand.Float64,
	}
}

// Policy returns the executor's effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op with retries. Attempts are strictly sequential: the next attempt
// starts only after the previous attempt and its backoff delay complete.
// The final error is returned unchanged.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		last := attempt == e.policy.MaxAttempts-1
		if last || !e.policy.IsRetryable(lastErr) {
			return lastErr
		}

		delay := e.Delay(attempt)
		if e.OnRetry != nil {
			e.OnRetry(attempt+1, lastErr, delay)
		}
		if err := e.clk.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Delay computes the backoff before retrying after the given 0-indexed
// failed attempt:
//
//	min(initial*factor^attempt + jitter, maxDelay)
//
// where jitter is uniform in [0, 0.2*initial*factor^attempt).
func (e *Executor) Delay(attempt int) time.Duration {
	base := float64(e.policy.InitialDelay) * math.Pow(e.policy.BackoffFactor, float64(attempt))
	jitter := e.rng() * 0.2 * base
	d := base + jitter
	if d > float64(e.policy.MaxDelay) {
		d = float64(e.policy.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs op with retries and returns its value. Generic counterpart of
// Executor.Do for operations that produce a result.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
