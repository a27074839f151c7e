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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/pkg/clock"
	"github.com/tombee/relay/pkg/transport"
)

// ErrManagerClosed is returned once Shutdown has been called.
var ErrManagerClosed = errors.New("delivery manager is shut down")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Retry is the default retry configuration; Schedule options may
	// override it per delivery.
	Retry RetryConfig

	// Breaker configures the embedded per-endpoint circuit breaker.
	Breaker BreakerConfig

	// GCInterval is how often the terminal-delivery sweep runs.
	// Default: 1 minute.
	GCInterval time.Duration

	// TerminalTTL is how long terminal deliveries stay queryable.
	// Default: 1 hour.
	TerminalTTL time.Duration

	// MaxStored soft-caps the store size; the sweep trims the oldest
	// terminal deliveries above it. Default: 10000.
	MaxStored int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	c.Retry = c.Retry.withDefaults()
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = time.Hour
	}
	if c.MaxStored <= 0 {
		c.MaxStored = 10000
	}
	return c
}

// Manager owns the delivery lifecycle: schedule, attempt,
// retry-or-terminate. It consults the circuit breaker before every attempt
// and never performs transport work itself.
type Manager struct {
	cfg       ManagerConfig
	store     Store
	transport TransportFunc
	breaker   *CircuitBreaker
	clk       clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]clock.Timer
	closed bool

	gcTicker clock.Ticker
	gcDone   chan struct{}
}

// NewManager creates a Manager. The transport function is required: the
// core ships no implicit default (use httpclient plus NewHTTPTransport and
// pass the result explicitly).
func NewManager(cfg ManagerConfig, store Store, tf TransportFunc, clk clock.Clock, logger *slog.Logger) (*Manager, error) {
	if tf == nil {
		return nil, fmt.Errorf("delivery: transport function is required")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:       cfg.withDefaults(),
		store:     store,
		transport: tf,
		breaker:   NewCircuitBreaker(cfg.Breaker, clk),
		clk:       clk,
		logger:    logger.With("component", "delivery"),
		timers:    make(map[string]clock.Timer),
		gcTicker:  clk.Ticker(cfg.withDefaults().GCInterval),
		gcDone:    make(chan struct{}),
	}
	go m.gcLoop()
	return m, nil
}

// Schedule creates a delivery and performs its first attempt. Delivery
// failure is not an error: the Result describes success, failure, and
// whether a retry was scheduled. Errors are reserved for a shut-down
// manager and storage faults.
func (m *Manager) Schedule(ctx context.Context, target string, payload []byte, opts Options) (*Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	retryCfg := m.cfg.Retry
	if opts.Retry != nil {
		retryCfg = opts.Retry.withDefaults()
	}

	now := m.clk.Now()
	d := &Delivery{
		ID:        uuid.NewString(),
		Target:    target,
		Payload:   payload,
		Headers:   opts.Headers,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Retry:     retryCfg,
		Timeout:   opts.Timeout,
	}
	if err := m.store.Put(d); err != nil {
		return nil, fmt.Errorf("store delivery: %w", err)
	}
	scheduledTotal.Inc()

	return m.attempt(ctx, d.ID)
}

// Retry re-attempts a delivery immediately, out of band. Unknown ids and
// terminal deliveries are programmer errors.
func (m *Manager) Retry(ctx context.Context, id string) (*Result, error) {
	d, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("delivery %s is terminal (%s)", id, d.Status)
	}
	m.cancelTimer(id)
	return m.attempt(ctx, id)
}

// MarkDelivered terminates a delivery out of band, cancelling any pending
// retry timer.
func (m *Manager) MarkDelivered(id string) error {
	d, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if d.Status == StatusDeadLetter {
		return fmt.Errorf("delivery %s is dead-lettered", id)
	}
	if d.Status == StatusDelivered {
		return nil
	}

	m.cancelTimer(id)
	d.Status = StatusDelivered
	d.NextRetryAt = nil
	d.UpdatedAt = m.clk.Now()
	if err := m.store.Update(d); err != nil {
		return err
	}
	deliveredTotal.Inc()
	return nil
}

// Get returns a snapshot of the delivery.
func (m *Manager) Get(id string) (*Delivery, error) {
	return m.store.Get(id)
}

// ListByStatus returns deliveries in the given status, oldest first.
func (m *Manager) ListByStatus(status Status) ([]*Delivery, error) {
	return m.store.ListByStatus(status)
}

// Counts returns delivery counts by status.
func (m *Manager) Counts() (map[Status]int, error) {
	return m.store.Counts()
}

// DeadLetters returns the dead-lettered deliveries for operator inspection.
// They remain queryable until the GC sweep evicts them.
func (m *Manager) DeadLetters() ([]*Delivery, error) {
	return m.store.ListByStatus(StatusDeadLetter)
}

// CircuitStatus exposes the endpoint's circuit state.
func (m *Manager) CircuitStatus(endpoint string) CircuitSnapshot {
	return m.breaker.Status(endpoint)
}

// PendingTimers reports the number of scheduled retry timers.
func (m *Manager) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown stops the GC loop, clears all pending retry timers, and rejects
// further scheduling. In-flight attempts finish on their own.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	timers := m.timers
	m.timers = make(map[string]clock.Timer)
	m.mu.Unlock()

	close(m.gcDone)
	m.gcTicker.Stop()
	for _, t := range timers {
		t.Stop()
	}
}

// attempt runs one delivery attempt and applies the state machine:
// InProgress, then Delivered, Failed (retry scheduled), or DeadLetter.
func (m *Manager) attempt(ctx context.Context, id string) (*Result, error) {
	d, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return &Result{Delivery: d, Delivered: d.Status == StatusDelivered}, nil
	}

	d.Status = StatusInProgress
	d.NextRetryAt = nil
	d.UpdatedAt = m.clk.Now()
	if err := m.store.Update(d); err != nil {
		return nil, err
	}

	// Consult the circuit before touching the wire. A short-circuited
	// attempt is recorded like any failed attempt and retry-scheduled, so
	// the delivery neither spins against a known-down endpoint nor gets
	// lost.
	allowed := m.breaker.Allow(d.Target)

	start := m.clk.Now()
	var status int
	var attemptErr error
	if allowed {
		callCtx := ctx
		var cancel context.CancelFunc
		if d.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		}
		status, attemptErr = m.transport(callCtx, d)
		if cancel != nil {
			cancel()
		}
		if attemptErr == nil && (status < 200 || status >= 300) {
			attemptErr = transport.FromStatus(status, "delivery rejected")
		}
	} else {
		attemptErr = &transport.TransportError{
			Type:      transport.ErrorTypeCircuitOpen,
			Message:   "circuit open for " + d.Target,
			Retryable: true,
		}
		circuitOpenTotal.Inc()
	}
	elapsed := m.clk.Now().Sub(start)

	att := Attempt{
		Number:     len(d.Attempts) + 1,
		Timestamp:  start,
		HTTPStatus: status,
		Duration:   elapsed,
	}

	if attemptErr == nil {
		d.Attempts = append(d.Attempts, att)
		d.Status = StatusDelivered
		d.UpdatedAt = m.clk.Now()
		if err := m.store.Update(d); err != nil {
			return nil, err
		}
		m.breaker.RecordSuccess(d.Target)
		deliveredTotal.Inc()
		attemptsTotal.WithLabelValues("success").Inc()
		m.logger.Debug("delivery succeeded",
			"delivery_id", d.ID, "target", d.Target, "attempt", att.Number)
		return &Result{Delivery: d, Delivered: true}, nil
	}

	att.Error = attemptErr.Error()
	d.Attempts = append(d.Attempts, att)
	attemptsTotal.WithLabelValues("failure").Inc()
	if allowed {
		m.breaker.RecordFailure(d.Target)
	}

	te := transport.Classify(attemptErr)

	if !te.Retryable || d.Retry.Strategy == RetryNone || d.RetryCount >= d.Retry.MaxRetries {
		d.Status = StatusDeadLetter
		d.NextRetryAt = nil
		d.UpdatedAt = m.clk.Now()
		if err := m.store.Update(d); err != nil {
			return nil, err
		}
		deadLetterTotal.Inc()
		m.logger.Warn("delivery dead-lettered",
			"delivery_id", d.ID, "target", d.Target,
			"attempts", len(d.Attempts), "error", att.Error)
		return &Result{Delivery: d}, nil
	}

	d.Status = StatusFailed
	d.RetryCount++
	delay := d.Retry.delay(att.Number)
	next := m.clk.Now().Add(delay)
	d.NextRetryAt = &next
	d.UpdatedAt = m.clk.Now()
	if err := m.store.Update(d); err != nil {
		return nil, err
	}

	m.scheduleRetry(d.ID, delay)
	m.logger.Debug("delivery retry scheduled",
		"delivery_id", d.ID, "target", d.Target,
		"attempt", att.Number, "delay_ms", delay.Milliseconds())
	return &Result{Delivery: d, WillRetry: true}, nil
}

// scheduleRetry arms a cancellable timer for the next attempt. No timer is
// armed on a shut-down manager.
func (m *Manager) scheduleRetry(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, id)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if _, err := m.attempt(context.Background(), id); err != nil {
			m.logger.Error("timed retry failed", "delivery_id", id, "error", err)
		}
	})
}

func (m *Manager) cancelTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// gcLoop periodically evicts terminal deliveries past the TTL and trims the
// store above its size cap.
func (m *Manager) gcLoop() {
	for {
		select {
		case <-m.gcDone:
			return
		case <-m.gcTicker.C():
			cutoff := m.clk.Now().Add(-m.cfg.TerminalTTL)
			removed, err := m.store.Sweep(cutoff, m.cfg.MaxStored)
			if err != nil {
				m.logger.Error("delivery sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				gcRemovedTotal.Add(float64(removed))
				m.logger.Debug("delivery sweep", "removed", removed)
			}
		}
	}
}
