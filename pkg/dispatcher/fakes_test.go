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

package dispatcher_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// fakeNIC plays the receive queue, the completion queue and its channel:
// tests post completions into it the way hardware would.
type fakeNIC struct {
	mu      sync.Mutex
	posted  map[uint64]verbs.RecvWR
	pending []verbs.WorkCompletion
	armed   bool
	acked   int
	events  chan verbs.CompletionQueue
	closed  bool
}

func newFakeNIC() *fakeNIC {
	return &fakeNIC{
		posted: make(map[uint64]verbs.RecvWR),
		events: make(chan verbs.CompletionQueue, 16),
	}
}

func (n *fakeNIC) PostRecv(wr verbs.RecvWR) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.posted[wr.WRID] = wr

	return nil
}

// receive places data into a posted slot and completes it for qpNum.
func (n *fakeNIC) receive(qpNum uint32, data []byte) error {
	n.mu.Lock()
	var (
		wr    verbs.RecvWR
		found bool
	)
	for id, w := range n.posted {
		wr, found = w, true
		delete(n.posted, id)

		break
	}
	n.mu.Unlock()

	if !found {
		return fmt.Errorf("no receive posted")
	}

	buf, err := wr.SGE.Bytes()
	if err != nil {
		return err
	}
	copy(buf, data)

	n.complete(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCSuccess, Opcode: verbs.OpRecv, ByteLen: uint32(len(data)), QPNum: qpNum})

	return nil
}

// fail completes a posted slot with status for qpNum.
func (n *fakeNIC) fail(qpNum uint32, status verbs.WCStatus) error {
	n.mu.Lock()
	var (
		id    uint64
		found bool
	)
	for k := range n.posted {
		id, found = k, true
		delete(n.posted, k)

		break
	}
	n.mu.Unlock()

	if !found {
		return fmt.Errorf("no receive posted")
	}

	n.complete(verbs.WorkCompletion{WRID: id, Status: status, Opcode: verbs.OpRecv, QPNum: qpNum})

	return nil
}

func (n *fakeNIC) complete(wc verbs.WorkCompletion) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending = append(n.pending, wc)
	if n.armed {
		n.armed = false
		n.events <- n
	}
}

func (n *fakeNIC) outstanding() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.posted)
}

func (n *fakeNIC) RequestNotify() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.armed = true

	return nil
}

func (n *fakeNIC) Poll(wc []verbs.WorkCompletion) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	k := copy(wc, n.pending)
	n.pending = n.pending[k:]

	return k, nil
}

func (n *fakeNIC) AckEvents(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.acked += k
}

func (n *fakeNIC) Destroy() error { return nil }

func (n *fakeNIC) GetCQEvent(ctx context.Context) (verbs.CompletionQueue, error) {
	select {
	case cq, ok := <-n.events:
		if !ok {
			return nil, verbs.ErrClosed
		}

		return cq, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", verbs.ErrTimeout, ctx.Err())
	}
}

func (n *fakeNIC) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.closed {
		n.closed = true
		close(n.events)
	}

	return nil
}

type delivery struct {
	conn *connection.Context
	data string
}

// recordingHandler remembers every buffer it was given.
type recordingHandler struct {
	mu     sync.Mutex
	got    []delivery
	handle func(conn *connection.Context, data []byte) error
}

func (h *recordingHandler) HandleReceive(conn *connection.Context, data []byte) error {
	h.mu.Lock()
	h.got = append(h.got, delivery{conn: conn, data: string(data)})
	fn := h.handle
	h.mu.Unlock()

	if fn != nil {
		return fn(conn, data)
	}

	return nil
}

func (h *recordingHandler) received() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]delivery(nil), h.got...)
}

type countingBeat struct {
	mu sync.Mutex
	n  int
}

func (b *countingBeat) Beat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
}

func (b *countingBeat) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.n
}
