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

// Package replay guards inbound signed requests against replay.
//
// A Guard tracks nonces in a bounded store and validates request timestamps
// against a tolerance window. Expired nonces are deliberately allowed to be
// reused: the store favors a hard size bound over perfect long-horizon replay
// protection, and callers that need stricter guarantees must shorten their
// timestamp tolerance instead.
package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/tombee/relay/pkg/clock"
)

// ErrGuardClosed is returned by StoreNonce after Close.
var ErrGuardClosed = errors.New("replay guard is closed")

// DefaultMaxNonces bounds the nonce store.
const DefaultMaxNonces = 10000

// DefaultNonceTTL is used when StoreNonce is called with a zero TTL.
const DefaultNonceTTL = 5 * time.Minute

// Config configures a Guard.
type Config struct {
	// MaxNonces bounds the store. Default: DefaultMaxNonces.
	MaxNonces int

	// DefaultTTL applies when StoreNonce receives a zero TTL.
	// Default: DefaultNonceTTL.
	DefaultTTL time.Duration

	// MaxClockSkew is how far in the future a timestamp may be.
	// Default: 5 minutes.
	MaxClockSkew time.Duration
}

// nonceEntry records one seen nonce.
type nonceEntry struct {
	firstSeenAt time.Time
	expiresAt   time.Time
}

// Guard is a nonce/timestamp store preventing replay of signed inbound
// requests. All state lives in memory under one lock.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	clk    clock.Clock
	nonces map[string]nonceEntry
	closed bool
}

// New creates a Guard.
func New(cfg Config, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxNonces <= 0 {
		cfg.MaxNonces = DefaultMaxNonces
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultNonceTTL
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	return &Guard{
		cfg:    cfg,
		clk:    clk,
		nonces: make(map[string]nonceEntry),
	}
}

// CheckResult reports the outcome of a nonce check.
type CheckResult struct {
	// IsReplay is true for a seen, unexpired nonce.
	IsReplay bool

	// IsExpired is true when the nonce was seen but its TTL has passed.
	// An expired nonce is not a replay; it may be reused.
	IsExpired bool
}

// CheckNonce reports whether the nonce has been seen and is still live.
// An unseen nonce is never a replay.
func (g *Guard) CheckNonce(nonce string) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, seen := g.nonces[nonce]
	if !seen {
		return CheckResult{}
	}
	if g.clk.Now().After(entry.expiresAt) {
		return CheckResult{IsExpired: true}
	}
	return CheckResult{IsReplay: true}
}

// StoreNonce records a nonce for ttl (DefaultTTL when zero). At capacity it
// runs an eager cleanup of expired entries first; if the store is still full
// the insertion is refused and false is returned — the caller must decide
// fail-open or fail-closed, because replay protection can no longer be
// guaranteed. Storing an already-present nonce refreshes its TTL.
func (g *Guard) StoreNonce(nonce string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrGuardClosed
	}
	if ttl <= 0 {
		ttl = g.cfg.DefaultTTL
	}

	now := g.clk.Now()
	if _, seen := g.nonces[nonce]; !seen && len(g.nonces) >= g.cfg.MaxNonces {
		g.evictExpired(now)
		if len(g.nonces) >= g.cfg.MaxNonces {
			return false, nil
		}
	}

	entry := nonceEntry{firstSeenAt: now, expiresAt: now.Add(ttl)}
	if existing, seen := g.nonces[nonce]; seen {
		entry.firstSeenAt = existing.firstSeenAt
	}
	g.nonces[nonce] = entry
	return true, nil
}

// Len returns the number of stored nonces, expired entries included.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nonces)
}

// Close releases all stored state. Subsequent StoreNonce calls fail with
// ErrGuardClosed; CheckNonce treats every nonce as unseen.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.nonces = make(map[string]nonceEntry)
}

// evictExpired removes entries past their TTL. Must be called with the lock
// held.
func (g *Guard) evictExpired(now time.Time) {
	for nonce, entry := range g.nonces {
		if now.After(entry.expiresAt) {
			delete(g.nonces, nonce)
		}
	}
}
