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

// Package bufferpool keeps a registered arena of fixed-size receive slots.
//
// Every slot is in exactly one state: idle (registered but not posted),
// posted (owned by the receive queue) or decoding (owned by the dispatcher).
// Handle is the only way to decode a slot and it always reposts, so the
// number of posted plus decoding slots stays equal to the pool size.
package bufferpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// SlotState is the ownership state of one slot.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotPosted
	SlotDecoding
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotPosted:
		return "posted"
	case SlotDecoding:
		return "decoding"
	default:
		return "invalid"
	}
}

var (
	// ErrUnknownSlot is returned for a work request id that does not name a slot.
	ErrUnknownSlot = errors.New("work request id does not name a pool slot")
	// ErrSlotState is returned when a slot is not in the state an operation needs.
	ErrSlotState = errors.New("slot in unexpected state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("buffer pool closed")
)

// Observer is told about slot state changes. pkg/metrics implements it.
type Observer interface {
	SlotTransition(from, to SlotState)
	Reposted()
}

type nopObserver struct{}

func (nopObserver) SlotTransition(SlotState, SlotState) {}
func (nopObserver) Reposted()                           {}

// Pool is an arena of Size slots of SlotSize bytes each, registered as one memory region.
type Pool struct {
	mr       verbs.MemoryRegion
	receiver verbs.ReceivePoster
	slotSize int
	states   []atomic.Int32
	observer Observer

	posted   atomic.Int64
	decoding atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// New allocates size*slotSize bytes, registers them with pd and prepares the
// slots for receiver. Nothing is posted until PostAll.
func New(pd verbs.ProtectionDomain, receiver verbs.ReceivePoster, size, slotSize int, observer Observer) (*Pool, error) {
	if size <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("invalid pool geometry %d x %d", size, slotSize)
	}
	if observer == nil {
		observer = nopObserver{}
	}

	mr, err := pd.RegisterMemory(make([]byte, size*slotSize), verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("register %d byte receive pool: %w", size*slotSize, err)
	}

	return &Pool{
		mr:       mr,
		receiver: receiver,
		slotSize: slotSize,
		states:   make([]atomic.Int32, size),
		observer: observer,
	}, nil
}

// Size is the number of slots.
func (p *Pool) Size() int { return len(p.states) }

// SlotSize is the capacity of one slot in bytes.
func (p *Pool) SlotSize() int { return p.slotSize }

// Posted is the number of slots currently owned by the receive queue.
func (p *Pool) Posted() int { return int(p.posted.Load()) }

// Decoding is the number of slots currently being decoded.
func (p *Pool) Decoding() int { return int(p.decoding.Load()) }

// State returns the state of slot i.
func (p *Pool) State(i int) SlotState { return SlotState(p.states[i].Load()) }

func (p *Pool) sge(i int) verbs.SGE {
	return verbs.SGE{MR: p.mr, Offset: i * p.slotSize, Length: p.slotSize}
}

func (p *Pool) transition(i int, from, to SlotState) bool {
	if !p.states[i].CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	switch from {
	case SlotPosted:
		p.posted.Add(-1)
	case SlotDecoding:
		p.decoding.Add(-1)
	}
	switch to {
	case SlotPosted:
		p.posted.Add(1)
	case SlotDecoding:
		p.decoding.Add(1)
	}
	p.observer.SlotTransition(from, to)

	return true
}

// post hands slot i, which must be in state from, to the receive queue.
// On failure the slot ends up idle.
func (p *Pool) post(i int, from SlotState) error {
	if !p.transition(i, from, SlotPosted) {
		return fmt.Errorf("%w: slot %d is %s, want %s", ErrSlotState, i, p.State(i), from)
	}

	if err := p.receiver.PostRecv(verbs.RecvWR{WRID: uint64(i), SGE: p.sge(i)}); err != nil {
		p.transition(i, SlotPosted, SlotIdle)

		return fmt.Errorf("post slot %d: %w", i, err)
	}

	return nil
}

// PostAll posts every idle slot. It stops at the first failure.
func (p *Pool) PostAll() error {
	if p.closed.Load() {
		return ErrClosed
	}

	for i := range p.states {
		if p.State(i) != SlotIdle {
			continue
		}
		if err := p.post(i, SlotIdle); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pool) slot(wrID uint64) (int, error) {
	if wrID >= uint64(len(p.states)) {
		return 0, fmt.Errorf("%w: %d (pool has %d slots)", ErrUnknownSlot, wrID, len(p.states))
	}

	return int(wrID), nil
}

// Handle checks out the slot named by a receive completion, passes its first
// byteLen bytes to fn and reposts the slot when fn returns, on every path.
// The bytes are only valid during fn.
func (p *Pool) Handle(wrID uint64, byteLen uint32, fn func(data []byte) error) (err error) {
	i, err := p.slot(wrID)
	if err != nil {
		return err
	}
	if !p.transition(i, SlotPosted, SlotDecoding) {
		return fmt.Errorf("%w: completion for slot %d which is %s", ErrSlotState, i, p.State(i))
	}

	defer func() {
		if repostErr := p.repost(i); repostErr != nil {
			err = errors.Join(err, repostErr)
		}
	}()

	n := int(byteLen)
	if n > p.slotSize {
		n = p.slotSize
	}
	off := i * p.slotSize

	return fn(p.mr.Buffer()[off : off+n])
}

func (p *Pool) repost(i int) error {
	if p.closed.Load() {
		p.transition(i, SlotDecoding, SlotIdle)

		return ErrClosed
	}
	if err := p.post(i, SlotDecoding); err != nil {
		return err
	}
	p.observer.Reposted()

	return nil
}

// Recover returns the slot of a failed receive completion to the receive
// queue. If the queue no longer accepts it the slot stays idle.
func (p *Pool) Recover(wrID uint64) error {
	i, err := p.slot(wrID)
	if err != nil {
		return err
	}
	if !p.transition(i, SlotPosted, SlotDecoding) {
		return fmt.Errorf("%w: failed completion for slot %d which is %s", ErrSlotState, i, p.State(i))
	}

	return p.repost(i)
}

// Retire takes the slot of a flushed receive out of circulation. A flushed
// receive belongs to a queue pair in the error state, which would flush a
// repost right away. The slot stays idle until PostAll.
func (p *Pool) Retire(wrID uint64) error {
	i, err := p.slot(wrID)
	if err != nil {
		return err
	}
	if !p.transition(i, SlotPosted, SlotIdle) {
		return fmt.Errorf("%w: flushed completion for slot %d which is %s", ErrSlotState, i, p.State(i))
	}

	return nil
}

// Close deregisters the arena. The dispatcher owning the pool must have
// stopped, otherwise a late completion could reference freed memory.
func (p *Pool) Close() error {
	var err error

	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.mr.Deregister()
	})

	return err
}
