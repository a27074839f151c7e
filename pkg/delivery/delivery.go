// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package delivery reliably delivers asynchronous notifications (webhook
// callbacks) to remote endpoints.
//
// A Manager owns the full lifecycle of a Delivery: schedule, attempt,
// retry-or-terminate, gated by a per-endpoint circuit breaker, with
// dead-lettering for deliveries that exhaust their retries. The actual wire
// call is an injected TransportFunc; the manager owns no transport logic.
package delivery

import (
	"context"
	"time"
)

// Status is a Delivery's lifecycle state.
type Status string

const (
	// StatusPending means scheduled but not yet attempted.
	StatusPending Status = "pending"

	// StatusInProgress means an attempt is underway.
	StatusInProgress Status = "in_progress"

	// StatusDelivered is terminal success.
	StatusDelivered Status = "delivered"

	// StatusFailed means the last attempt failed and a retry is scheduled.
	StatusFailed Status = "failed"

	// StatusDeadLetter is terminal failure: retries exhausted or the failure
	// was non-retryable. Dead-lettered deliveries stay queryable until GC.
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLetter
}

// Attempt is one delivery try. The attempt list on a Delivery is append-only
// history.
type Attempt struct {
	Number     int           `json:"number"`
	Timestamp  time.Time     `json:"timestamp"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RetryStrategy selects how retry delays are computed.
type RetryStrategy string

const (
	// RetryImmediate retries with no delay.
	RetryImmediate RetryStrategy = "immediate"

	// RetryFixed retries after a constant delay.
	RetryFixed RetryStrategy = "fixed"

	// RetryExponential retries after initial*multiplier^(attempt-1), capped
	// at the configured maximum.
	RetryExponential RetryStrategy = "exponential"

	// RetryNone never retries: the first failure dead-letters.
	RetryNone RetryStrategy = "none"
)

// RetryConfig governs retry scheduling for a Delivery.
type RetryConfig struct {
	Strategy RetryStrategy `json:"strategy"`

	// MaxRetries is the retry budget after the first attempt. Unlike the
	// other fields, zero is a meaningful value, not an omission: it means
	// the first failure dead-letters. Start from DefaultRetryConfig to get
	// the default budget.
	MaxRetries int `json:"max_retries"`

	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultRetryConfig returns the default delivery retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:     RetryExponential,
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// delay computes the wait before the retry following the given 1-based
// failed attempt number.
func (c RetryConfig) delay(attemptNumber int) time.Duration {
	switch c.Strategy {
	case RetryImmediate:
		return 0
	case RetryFixed:
		return c.InitialDelay
	case RetryExponential:
		d := c.InitialDelay
		for i := 1; i < attemptNumber; i++ {
			d = time.Duration(float64(d) * c.Multiplier)
			if d >= c.MaxDelay {
				return c.MaxDelay
			}
		}
		if d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	default:
		return 0
	}
}

// Delivery is one scheduled notification. It is created by Schedule, mutated
// in place through its lifecycle, and garbage-collected by the manager's
// sweep once terminal.
type Delivery struct {
	ID          string            `json:"id"`
	Target      string            `json:"target"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Attempts    []Attempt         `json:"attempts"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`

	// Retry is the effective retry configuration for this delivery.
	Retry RetryConfig `json:"retry"`

	// Timeout bounds each individual attempt. Zero means no per-attempt
	// timeout beyond the transport's own.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Clone returns a deep copy so callers can hold snapshots safely.
func (d *Delivery) Clone() *Delivery {
	cp := *d
	if d.Headers != nil {
		cp.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			cp.Headers[k] = v
		}
	}
	cp.Attempts = append([]Attempt(nil), d.Attempts...)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		cp.NextRetryAt = &t
	}
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp
}

// Options configures one Schedule call.
type Options struct {
	// Headers are sent with every attempt.
	Headers map[string]string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retry overrides the manager's default retry configuration.
	Retry *RetryConfig
}

// Result describes the outcome of a schedule or retry call. Delivery
// failures are never surfaced as errors; they are described here so the
// caller can apply its own policy.
type Result struct {
	// Delivery is a snapshot after the attempt.
	Delivery *Delivery

	// Delivered is true when the attempt succeeded.
	Delivered bool

	// WillRetry is true when a retry has been scheduled.
	WillRetry bool
}

// TransportFunc performs the actual wire call for one attempt and returns
// the HTTP status code. The manager only classifies the outcome; transport
// timeouts are this function's concern.
type TransportFunc func(ctx context.Context, d *Delivery) (int, error)
