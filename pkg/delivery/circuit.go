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

package delivery

import (
	"sync"
	"time"

	"github.com/tombee/relay/pkg/clock"
)

// CircuitState is the per-endpoint gate state.
type CircuitState string

const (
	// StateClosed lets all attempts through.
	StateClosed CircuitState = "closed"

	// StateOpen short-circuits all attempts until the cooldown elapses.
	StateOpen CircuitState = "open"

	// StateHalfOpen lets probe attempts through to test recovery.
	StateHalfOpen CircuitState = "half_open"
)

// BreakerConfig configures the circuit breaker shared by all endpoints.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// circuit. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit. Default: 2.
	SuccessThreshold int

	// OpenDuration is the cooldown before an open circuit admits a probe.
	// Default: 30s.
	OpenDuration time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	return c
}

// circuitRecord tracks one endpoint. Records are created lazily on the first
// failure, never on success-only paths.
type circuitRecord struct {
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	openedAt        time.Time
}

// CircuitBreaker is a per-endpoint failure-tracking gate. Failures against
// one endpoint never affect another endpoint's circuit.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	clk     clock.Clock
	records map[string]*circuitRecord
}

// NewCircuitBreaker creates a breaker with no per-endpoint state.
func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		records: make(map[string]*circuitRecord),
	}
}

// Allow reports whether an attempt against the endpoint may proceed.
// An open circuit transitions to half-open here once OpenDuration has
// elapsed — never earlier.
func (b *CircuitBreaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[endpoint]
	if rec == nil {
		return true
	}

	switch rec.state {
	case StateOpen:
		if b.clk.Now().Sub(rec.openedAt) >= b.cfg.OpenDuration {
			rec.state = StateHalfOpen
			rec.successCount = 0
			circuitTransitions.WithLabelValues(string(StateHalfOpen)).Inc()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful call. Successes against an unknown
// endpoint create no record.
func (b *CircuitBreaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[endpoint]
	if rec == nil {
		return
	}

	switch rec.state {
	case StateClosed:
		rec.failureCount = 0
	case StateHalfOpen:
		rec.successCount++
		if rec.successCount >= b.cfg.SuccessThreshold {
			rec.state = StateClosed
			rec.failureCount = 0
			rec.successCount = 0
			circuitTransitions.WithLabelValues(string(StateClosed)).Inc()
		}
	}
}

// RecordFailure notes a failed call, creating the endpoint's record on first
// use. Any failure in half-open reopens the circuit and restarts the
// cooldown.
func (b *CircuitBreaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[endpoint]
	if rec == nil {
		rec = &circuitRecord{state: StateClosed}
		b.records[endpoint] = rec
	}

	now := b.clk.Now()
	rec.lastFailureTime = now

	switch rec.state {
	case StateClosed:
		rec.failureCount++
		if rec.failureCount >= b.cfg.FailureThreshold {
			rec.state = StateOpen
			rec.openedAt = now
			circuitTransitions.WithLabelValues(string(StateOpen)).Inc()
		}
	case StateHalfOpen:
		rec.state = StateOpen
		rec.openedAt = now
		rec.successCount = 0
		circuitTransitions.WithLabelValues(string(StateOpen)).Inc()
	}
}

// CircuitSnapshot is a point-in-time view of one endpoint's circuit.
type CircuitSnapshot struct {
	Endpoint        string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	OpenedAt        time.Time
}

// Status returns the endpoint's circuit state. Endpoints without a record
// report a closed circuit.
func (b *CircuitBreaker) Status(endpoint string) CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.records[endpoint]
	if rec == nil {
		return CircuitSnapshot{Endpoint: endpoint, State: StateClosed}
	}
	return CircuitSnapshot{
		Endpoint:        endpoint,
		State:           rec.state,
		FailureCount:    rec.failureCount,
		SuccessCount:    rec.successCount,
		LastFailureTime: rec.lastFailureTime,
		OpenedAt:        rec.openedAt,
	}
}
