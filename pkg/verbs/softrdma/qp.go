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
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

type queuePair struct {
	num     uint32
	sendCQ  *completionQueue
	recvCQ  *completionQueue
	srq     *sharedReceiveQueue
	rq      *recvQueue
	maxSend int

	mu        sync.Mutex
	link      *link
	errored   bool
	destroyed bool
}

func newQueuePair(num uint32, attr verbs.QPAttr) (*queuePair, error) {
	sendCQ, ok := attr.SendCQ.(*completionQueue)
	if !ok {
		return nil, fmt.Errorf("send completion queue %T does not belong to softrdma", attr.SendCQ)
	}
	recvCQ, ok := attr.RecvCQ.(*completionQueue)
	if !ok {
		return nil, fmt.Errorf("receive completion queue %T does not belong to softrdma", attr.RecvCQ)
	}
	if attr.MaxSendWR <= 0 {
		return nil, fmt.Errorf("queue pair needs a send queue, got %d entries", attr.MaxSendWR)
	}

	qp := &queuePair{num: num, sendCQ: sendCQ, recvCQ: recvCQ, maxSend: attr.MaxSendWR}

	if attr.SRQ != nil {
		srq, ok := attr.SRQ.(*sharedReceiveQueue)
		if !ok {
			return nil, fmt.Errorf("shared receive queue %T does not belong to softrdma", attr.SRQ)
		}
		qp.srq = srq
	} else {
		if attr.MaxRecvWR <= 0 {
			return nil, errors.New("queue pair without SRQ needs a receive queue")
		}
		qp.rq = newRecvQueue(attr.MaxRecvWR)
	}

	return qp, nil
}

func (qp *queuePair) Num() uint32 { return qp.num }

func (qp *queuePair) PostRecv(wr verbs.RecvWR) error {
	if qp.srq != nil {
		return fmt.Errorf("%w: queue pair %d receives from a shared receive queue", verbs.ErrInvalidState, qp.num)
	}

	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.destroyed {
		return verbs.ErrClosed
	}
	if qp.errored {
		qp.recvCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCFlushError, Opcode: verbs.OpRecv, QPNum: qp.num})

		return nil
	}

	return qp.rq.post(wr)
}

func (qp *queuePair) PostSend(wr verbs.SendWR) error {
	data, err := wr.SGE.Bytes()
	if err != nil {
		return err
	}
	if !usable(wr.SGE) {
		return fmt.Errorf("%w: memory region not registered", verbs.ErrInvalidSGE)
	}

	qp.mu.Lock()
	if qp.destroyed {
		qp.mu.Unlock()

		return verbs.ErrClosed
	}
	if qp.errored {
		qp.mu.Unlock()
		qp.sendCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCFlushError, Opcode: verbs.OpSend, QPNum: qp.num})

		return nil
	}
	l := qp.link
	qp.mu.Unlock()

	if l == nil {
		return fmt.Errorf("%w: queue pair %d is not connected", verbs.ErrInvalidState, qp.num)
	}

	// the payload is copied so the caller may reuse its buffer right after the completion
	return l.send(wr, append([]byte(nil), data...))
}

// takeRecv returns the next posted receive for this queue pair.
func (qp *queuePair) takeRecv() (verbs.RecvWR, bool) {
	if qp.srq != nil {
		return qp.srq.queue.take()
	}

	return qp.rq.take()
}

func (qp *queuePair) recvQueue() *recvQueue {
	if qp.srq != nil {
		return qp.srq.queue
	}

	return qp.rq
}

func (qp *queuePair) attach(l *link) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	qp.link = l
}

// fail moves the queue pair to the error state and flushes its own receives.
// Receives posted on a shared receive queue stay there for other queue pairs.
func (qp *queuePair) fail() {
	qp.mu.Lock()
	if qp.errored || qp.destroyed {
		qp.mu.Unlock()

		return
	}
	qp.errored = true
	qp.mu.Unlock()

	if qp.rq == nil {
		return
	}
	for _, wr := range qp.rq.drain() {
		qp.recvCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCFlushError, Opcode: verbs.OpRecv, QPNum: qp.num})
	}
}

func (qp *queuePair) Destroy() error {
	qp.mu.Lock()
	if qp.destroyed {
		qp.mu.Unlock()

		return verbs.ErrClosed
	}
	qp.destroyed = true
	l := qp.link
	qp.link = nil
	qp.mu.Unlock()

	if qp.rq != nil {
		qp.rq.drain()
	}
	if l != nil {
		l.close(nil)
	}

	return nil
}
