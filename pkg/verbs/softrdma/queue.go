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

package softrdma

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// recvQueue is a FIFO of posted receives, used both as a queue pair's own
// receive queue and behind a shared receive queue.
type recvQueue struct {
	mu     sync.Mutex
	wrs    []verbs.RecvWR
	max    int
	posted chan struct{}
	closed bool
}

func newRecvQueue(maxWR int) *recvQueue {
	return &recvQueue{max: maxWR, posted: make(chan struct{}, 1)}
}

func (q *recvQueue) post(wr verbs.RecvWR) error {
	if _, err := wr.SGE.Bytes(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return verbs.ErrClosed
	}
	if len(q.wrs) >= q.max {
		return fmt.Errorf("%w: %d receives outstanding", verbs.ErrQueueFull, len(q.wrs))
	}

	q.wrs = append(q.wrs, wr)

	select {
	case q.posted <- struct{}{}:
	default:
	}

	return nil
}

func (q *recvQueue) take() (verbs.RecvWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.wrs) == 0 {
		return verbs.RecvWR{}, false
	}

	wr := q.wrs[0]
	q.wrs = q.wrs[1:]

	return wr, true
}

// wait blocks until something is posted or ctx is done.
func (q *recvQueue) wait(ctx context.Context) {
	select {
	case <-q.posted:
	case <-ctx.Done():
	}
}

func (q *recvQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.wrs)
}

// drain closes the queue and returns what was still posted.
func (q *recvQueue) drain() []verbs.RecvWR {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	wrs := q.wrs
	q.wrs = nil

	return wrs
}

type sharedReceiveQueue struct {
	queue *recvQueue
}

func (s *sharedReceiveQueue) PostRecv(wr verbs.RecvWR) error {
	return s.queue.post(wr)
}

func (s *sharedReceiveQueue) Outstanding() int {
	return s.queue.len()
}

// Destroy drops the posted receives without completions, like the hardware does.
func (s *sharedReceiveQueue) Destroy() error {
	s.queue.drain()

	return nil
}

// completionQueue stores completions until polled and fires its channel once per arm.
type completionQueue struct {
	mu        sync.Mutex
	entries   []verbs.WorkCompletion
	capacity  int
	armed     bool
	overruns  int
	destroyed bool
	channel   *completionChannel
}

func (cq *completionQueue) push(wc verbs.WorkCompletion) {
	cq.mu.Lock()

	if cq.destroyed {
		cq.mu.Unlock()

		return
	}
	if len(cq.entries) >= cq.capacity {
		cq.overruns++
		cq.mu.Unlock()

		return
	}

	cq.entries = append(cq.entries, wc)
	fire := cq.armed && cq.channel != nil
	cq.armed = false
	cq.mu.Unlock()

	if fire {
		cq.channel.notify(cq)
	}
}

func (cq *completionQueue) RequestNotify() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.destroyed {
		return verbs.ErrClosed
	}

	cq.armed = true

	return nil
}

func (cq *completionQueue) Poll(wc []verbs.WorkCompletion) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.destroyed {
		return 0, verbs.ErrClosed
	}

	n := copy(wc, cq.entries)
	cq.entries = append(cq.entries[:0], cq.entries[n:]...)

	return n, nil
}

func (cq *completionQueue) AckEvents(int) {}

func (cq *completionQueue) Destroy() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.destroyed = true
	cq.entries = nil

	return nil
}

// Overruns is the number of completions dropped because the queue was full.
func (cq *completionQueue) Overruns() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	return cq.overruns
}

type completionChannel struct {
	events    chan *completionQueue
	closed    chan struct{}
	closeOnce sync.Once
}

func newCompletionChannel() *completionChannel {
	return &completionChannel{
		events: make(chan *completionQueue, 1024),
		closed: make(chan struct{}),
	}
}

func (c *completionChannel) notify(cq *completionQueue) {
	select {
	case c.events <- cq:
	default:
		// each queue has at most one event pending per arm; a full buffer
		// means the consumer is gone
	}
}

func (c *completionChannel) GetCQEvent(ctx context.Context) (verbs.CompletionQueue, error) {
	select {
	case cq := <-c.events:
		return cq, nil
	case <-c.closed:
		return nil, verbs.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", verbs.ErrTimeout, ctx.Err())
	}
}

func (c *completionChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	return nil
}
