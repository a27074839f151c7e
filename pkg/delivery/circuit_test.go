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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/relay/pkg/clock"
)

func TestCircuit_OpensAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second}, clk)

	for i := 0; i < 4; i++ {
		b.RecordFailure("https://api.example.com")
		assert.True(t, b.Allow("https://api.example.com"), "circuit stays closed below threshold")
	}

	b.RecordFailure("https://api.example.com")
	assert.Equal(t, StateOpen, b.Status("https://api.example.com").State)
	assert.False(t, b.Allow("https://api.example.com"))
}

func TestCircuit_SuccessResetsClosedCount(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3}, clk)

	b.RecordFailure("ep")
	b.RecordFailure("ep")
	b.RecordSuccess("ep")
	b.RecordFailure("ep")
	b.RecordFailure("ep")

	// Two failures after the reset: still closed.
	assert.Equal(t, StateClosed, b.Status("ep").State)

	b.RecordFailure("ep")
	assert.Equal(t, StateOpen, b.Status("ep").State)
}

func TestCircuit_HalfOpenRecovery(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OpenDuration:     10 * time.Second,
	}, clk)

	b.RecordFailure("ep")
	b.RecordFailure("ep")
	assert.False(t, b.Allow("ep"))

	// Before the cooldown: still short-circuited.
	clk.Advance(9 * time.Second)
	assert.False(t, b.Allow("ep"))

	// Cooldown elapsed: the next Allow admits a probe and flips to half-open.
	clk.Advance(time.Second)
	assert.True(t, b.Allow("ep"))
	assert.Equal(t, StateHalfOpen, b.Status("ep").State)

	b.RecordSuccess("ep")
	assert.Equal(t, StateHalfOpen, b.Status("ep").State, "one success is not enough")
	b.RecordSuccess("ep")
	assert.Equal(t, StateClosed, b.Status("ep").State)
	assert.Zero(t, b.Status("ep").FailureCount)
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     10 * time.Second,
	}, clk)

	b.RecordFailure("ep")
	clk.Advance(10 * time.Second)
	assert.True(t, b.Allow("ep"))
	b.RecordSuccess("ep")

	// A failure in half-open reopens and restarts the full cooldown.
	b.RecordFailure("ep")
	assert.Equal(t, StateOpen, b.Status("ep").State)
	clk.Advance(9 * time.Second)
	assert.False(t, b.Allow("ep"))
	clk.Advance(time.Second)
	assert.True(t, b.Allow("ep"))
}

func TestCircuit_EndpointsAreIndependent(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1}, clk)

	b.RecordFailure("down")
	assert.False(t, b.Allow("down"))
	assert.True(t, b.Allow("up"), "one endpoint's failures never gate another")
}

func TestCircuit_SuccessCreatesNoRecord(t *testing.T) {
	clk := clock.NewFake()
	b := NewCircuitBreaker(BreakerConfig{}, clk)

	b.RecordSuccess("ep")
	assert.Empty(t, b.records)
}
