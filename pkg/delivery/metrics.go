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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// scheduledTotal counts deliveries accepted by Schedule.
	scheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_scheduled_total",
			Help: "Total deliveries scheduled",
		},
	)

	// attemptsTotal counts individual attempts by outcome.
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Total delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// deliveredTotal counts deliveries reaching terminal success.
	deliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_delivered_total",
			Help: "Total deliveries completed successfully",
		},
	)

	// deadLetterTotal counts deliveries reaching terminal failure.
	deadLetterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_dead_letter_total",
			Help: "Total deliveries dead-lettered",
		},
	)

	// circuitOpenTotal counts attempts short-circuited by an open circuit.
	circuitOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_circuit_open_total",
			Help: "Total attempts short-circuited by an open circuit",
		},
	)

	// circuitTransitions counts circuit state transitions by target state.
	circuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_circuit_transitions_total",
			Help: "Total circuit breaker transitions by resulting state",
		},
		[]string{"state"},
	)

	// gcRemovedTotal counts terminal deliveries evicted by the sweep.
	gcRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_gc_removed_total",
			Help: "Total terminal deliveries removed by garbage collection",
		},
	)
)
