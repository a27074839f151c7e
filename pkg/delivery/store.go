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
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for an unknown delivery id.
var ErrNotFound = errors.New("delivery not found")

// Store persists Delivery records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put inserts a new delivery.
	Put(d *Delivery) error

	// Get returns the delivery by id, or ErrNotFound.
	Get(id string) (*Delivery, error)

	// Update replaces an existing delivery.
	Update(d *Delivery) error

	// ListByStatus returns deliveries in the given status, oldest first.
	ListByStatus(status Status) ([]*Delivery, error)

	// Counts returns delivery counts by status.
	Counts() (map[Status]int, error)

	// Sweep removes terminal deliveries updated before cutoff, then trims
	// the oldest terminal deliveries while the total store size exceeds
	// maxStored (maxStored <= 0 disables trimming). Returns the number
	// removed.
	Sweep(cutoff time.Time, maxStored int) (int, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is the default in-memory Store.
type MemoryStore struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

// Put inserts a new delivery.
func (s *MemoryStore) Put(d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// Get returns a snapshot of the delivery.
func (s *MemoryStore) Get(id string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// Update replaces an existing delivery.
func (s *MemoryStore) Update(d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// ListByStatus returns deliveries in the given status, oldest first.
func (s *MemoryStore) ListByStatus(status Status) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Counts returns delivery counts by status.
func (s *MemoryStore) Counts() (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, d := range s.deliveries {
		counts[d.Status]++
	}
	return counts, nil
}

// Sweep evicts terminal deliveries by age, then by count. Both are soft
// caps protecting memory, not correctness.
func (s *MemoryStore) Sweep(cutoff time.Time, maxStored int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, d := range s.deliveries {
		if d.Status.Terminal() && d.UpdatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			removed++
		}
	}

	if maxStored > 0 && len(s.deliveries) > maxStored {
		var terminal []*Delivery
		for _, d := range s.deliveries {
			if d.Status.Terminal() {
				terminal = append(terminal, d)
			}
		}
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		})
		for _, d := range terminal {
			if len(s.deliveries) <= maxStored {
				break
			}
			delete(s.deliveries, d.ID)
			removed++
		}
	}

	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
