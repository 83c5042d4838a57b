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
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

type pendingSend struct {
	wrID     uint64
	length   uint32
	signaled bool
}

type outgoing struct {
	kind msgKind
	body []byte
}

// link is an established connection between two queue pairs. Writes go
// through a queue drained by writeLoop so the read side never blocks on the peer.
type link struct {
	conn     net.Conn
	qp       *queuePair
	onClose  func()
	log      *zap.SugaredLogger
	rnrTimer time.Duration
	// peerRNRRetry is how often the peer wants us to retry before failing its send.
	peerRNRRetry uint8

	mu          sync.Mutex
	outstanding []pendingSend
	queue       []outgoing
	inbound     [][]byte
	closing     bool
	closed      bool
	wake        chan struct{}
	arrived     chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn net.Conn, qp *queuePair, peer verbs.ConnParam, rnrTimer time.Duration, log *zap.SugaredLogger, onClose func()) *link {
	return &link{
		conn:         conn,
		qp:           qp,
		onClose:      onClose,
		log:          log,
		rnrTimer:     rnrTimer,
		peerRNRRetry: peer.RNRRetryCount,
		wake:         make(chan struct{}, 1),
		arrived:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (l *link) start() {
	l.qp.attach(l)

	go l.readLoop()
	go l.writeLoop()
	go l.deliverLoop()
}

// enqueueLocked queues a message for writeLoop. l.mu must be held.
func (l *link) enqueueLocked(kind msgKind, body []byte) {
	l.queue = append(l.queue, outgoing{kind: kind, body: body})

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) enqueue(kind msgKind, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.closing {
		return
	}
	l.enqueueLocked(kind, body)
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, msg := range batch {
			if err := writeMessage(l.conn, msg.kind, msg.body); err != nil {
				l.close(err)

				return
			}
			if msg.kind == msgDisconnect {
				l.close(nil)

				return
			}
		}
	}
}

func (l *link) send(wr verbs.SendWR, payload []byte) error {
	l.mu.Lock()
	if l.closed || l.closing {
		l.mu.Unlock()
		l.qp.sendCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCFlushError, Opcode: verbs.OpSend, QPNum: l.qp.num})

		return nil
	}
	if len(l.outstanding) >= l.qp.maxSend {
		l.mu.Unlock()

		return fmt.Errorf("%w: %d sends outstanding", verbs.ErrQueueFull, len(l.outstanding))
	}
	l.outstanding = append(l.outstanding, pendingSend{wrID: wr.WRID, length: uint32(len(payload)), signaled: wr.Signaled})
	l.enqueueLocked(msgSend, payload)
	l.mu.Unlock()

	return nil
}

func (l *link) readLoop() {
	for {
		kind, body, err := readMessage(l.conn)
		if err != nil {
			l.close(err)

			return
		}

		switch kind {
		case msgSend:
			l.mu.Lock()
			l.inbound = append(l.inbound, body)
			l.mu.Unlock()

			select {
			case l.arrived <- struct{}{}:
			default:
			}
		case msgAck:
			l.complete(verbs.WCSuccess)
		case msgNak:
			status := verbs.WCRemoteInvalidRequest
			if len(body) > 0 {
				status = verbs.WCStatus(body[0])
			}
			l.complete(status)
		case msgDisconnect:
			l.close(nil)

			return
		default:
			l.log.Warnf("Ignoring unexpected link message %d from %s", kind, l.conn.RemoteAddr())
		}
	}
}

// deliverLoop hands incoming sends to deliver in arrival order. It runs apart
// from readLoop so acknowledgements and disconnects are seen while a send
// waits for a receive.
func (l *link) deliverLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.arrived:
		}

		for {
			l.mu.Lock()
			if len(l.inbound) == 0 || l.closed {
				l.mu.Unlock()

				break
			}
			payload := l.inbound[0]
			l.inbound = l.inbound[1:]
			l.mu.Unlock()

			l.deliver(payload)
		}
	}
}

// deliver places one incoming send into the next posted receive. Without a
// posted receive it waits one RNR timer per retry, as often as the sender allows.
func (l *link) deliver(payload []byte) {
	queue := l.qp.recvQueue()

	var (
		wr       verbs.RecvWR
		attempts int
	)

	for {
		var ok bool
		if wr, ok = l.qp.takeRecv(); ok {
			break
		}

		if l.peerRNRRetry != constants.InfiniteRNRRetry && attempts >= int(l.peerRNRRetry) {
			l.enqueue(msgNak, []byte{byte(verbs.WCRNRRetryExceeded)})

			return
		}
		attempts++

		select {
		case <-l.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.rnrTimer)
		queue.wait(ctx)
		cancel()
	}

	if !usable(wr.SGE) {
		l.qp.recvCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCLocalProtectionError, Opcode: verbs.OpRecv, QPNum: l.qp.num})
		l.enqueue(msgNak, []byte{byte(verbs.WCRemoteInvalidRequest)})

		return
	}

	buf, err := wr.SGE.Bytes()
	if err != nil || len(payload) > len(buf) {
		l.qp.recvCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.WCLocalLengthError, Opcode: verbs.OpRecv, QPNum: l.qp.num})
		l.enqueue(msgNak, []byte{byte(verbs.WCRemoteInvalidRequest)})

		return
	}

	copy(buf, payload)
	l.qp.recvCQ.push(verbs.WorkCompletion{
		WRID:    wr.WRID,
		Status:  verbs.WCSuccess,
		Opcode:  verbs.OpRecv,
		ByteLen: uint32(len(payload)),
		QPNum:   l.qp.num,
	})
	l.enqueue(msgAck, nil)
}

func (l *link) complete(status verbs.WCStatus) {
	l.mu.Lock()
	if len(l.outstanding) == 0 {
		l.mu.Unlock()
		l.log.Warnf("Peer %s acknowledged a send that is not outstanding", l.conn.RemoteAddr())

		return
	}
	ps := l.outstanding[0]
	l.outstanding = l.outstanding[1:]
	l.mu.Unlock()

	if ps.signaled || status != verbs.WCSuccess {
		l.qp.sendCQ.push(verbs.WorkCompletion{
			WRID:    ps.wrID,
			Status:  status,
			Opcode:  verbs.OpSend,
			ByteLen: ps.length,
			QPNum:   l.qp.num,
		})
	}
}

// disconnect tells the peer we are going away, then tears the link down.
// Messages queued before it are still written.
func (l *link) disconnect(timeout time.Duration) {
	l.mu.Lock()
	if !l.closed && !l.closing {
		l.enqueueLocked(msgDisconnect, nil)
		l.closing = true
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(timeout):
		l.close(nil)
	}
}

// close tears the link down once: outstanding sends are flushed, the queue
// pair enters the error state and the owner is told about the disconnect.
func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		if cause != nil {
			l.log.Debugf("Link to %s closed: %s", l.conn.RemoteAddr(), cause)
		}

		l.mu.Lock()
		l.closed = true
		pending := l.outstanding
		l.outstanding = nil
		l.queue = nil
		l.inbound = nil
		l.mu.Unlock()

		close(l.done)
		_ = l.conn.Close()

		for _, ps := range pending {
			l.qp.sendCQ.push(verbs.WorkCompletion{WRID: ps.wrID, Status: verbs.WCFlushError, Opcode: verbs.OpSend, ByteLen: ps.length, QPNum: l.qp.num})
		}
		l.qp.fail()

		if l.onClose != nil {
			l.onClose()
		}
	})
}
