// Copyright 2025 UMH Systems GmbH
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

// Package store keeps the latest metrics record per connection slot and
// renders them in the Prometheus text exposition format.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// ErrSlotOutOfRange is returned by Update for a slot outside the table.
var ErrSlotOutOfRange = errors.New("slot out of range")

type entry struct {
	record wire.MetricsRecord
	valid  bool
}

// Store is a fixed-size table of the latest sample per slot.
type Store struct {
	mu      sync.Mutex
	entries []entry
}

// New returns a store with capacity slots, none of them valid.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}

	return &Store{entries: make([]entry, capacity)}
}

// Capacity returns the number of slots.
func (s *Store) Capacity() int { return len(s.entries) }

// Update overwrites the record of slot and marks it valid.
func (s *Store) Update(slot int, record wire.MetricsRecord) error {
	if slot < 0 || slot >= len(s.entries) {
		return fmt.Errorf("update slot %d of %d: %w", slot, len(s.entries), ErrSlotOutOfRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[slot] = entry{record: record, valid: true}

	return nil
}

// Clear drops the record of slot so it is no longer rendered. Slots outside
// the table are ignored.
func (s *Store) Clear(slot int) {
	if slot < 0 || slot >= len(s.entries) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[slot] = entry{}
}

// Snapshot returns the record of slot and whether it was ever updated.
func (s *Store) Snapshot(slot int) (wire.MetricsRecord, bool) {
	if slot < 0 || slot >= len(s.entries) {
		return wire.MetricsRecord{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[slot]

	return e.record, e.valid
}

// Valid returns the number of slots holding a record.
func (s *Store) Valid() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.valid {
			n++
		}
	}

	return n
}

// slotRecord is one valid slot copied out under the lock.
type slotRecord struct {
	slot   int
	record wire.MetricsRecord
}

func (s *Store) snapshot() []slotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]slotRecord, 0, len(s.entries))
	for i, e := range s.entries {
		if e.valid {
			out = append(out, slotRecord{slot: i, record: e.record})
		}
	}

	return out
}

// Render returns the exposition text for all valid slots. Output only
// changes when Update is called in between.
func (s *Store) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.RenderTo(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
