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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

type idState int

const (
	stateIdle idState = iota
	stateBound
	stateListening
	stateAddrResolving
	stateAddrResolved
	stateRouteResolved
	stateConnecting
	stateConnectRequest
	stateConnected
	stateDisconnected
	stateDestroyed
)

const disconnectTimeout = time.Second

type cmID struct {
	fabric  *Fabric
	channel *eventChannel

	mu       sync.Mutex
	state    idState
	bindAddr string
	dialAddr string
	local    net.Addr
	remote   net.Addr
	listener net.Listener
	backlog  *semaphore.Weighted
	conn     net.Conn
	qp       *queuePair
	link     *link
	peer     handshake
	// release returns the listener backlog slot held by a pending connect request.
	release func()

	disconnectOnce sync.Once
}

func newCMID(f *Fabric, ch *eventChannel) *cmID {
	return &cmID{fabric: f, channel: ch}
}

func (id *cmID) emit(t verbs.CMEventType, err error) {
	id.channel.push(&verbs.CMEvent{Type: t, ID: id, Param: id.peer.param, Err: err})
}

func (id *cmID) Bind(addr string) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.state != stateIdle {
		return fmt.Errorf("%w: bind", verbs.ErrInvalidState)
	}
	id.bindAddr = addr
	id.state = stateBound

	return nil
}

func (id *cmID) Listen(backlog int) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.state != stateBound {
		return fmt.Errorf("%w: listen before bind", verbs.ErrInvalidState)
	}
	if backlog <= 0 {
		backlog = 1
	}

	l, err := id.fabric.network.Listen(id.bindAddr)
	if err != nil {
		return err
	}

	id.listener = l
	id.local = l.Addr()
	id.backlog = semaphore.NewWeighted(int64(backlog))
	id.state = stateListening

	go id.acceptLoop(l)

	return nil
}

func (id *cmID) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				id.fabric.log.Warnf("Accept on %s failed: %s", l.Addr(), err)
			}

			return
		}

		if !id.backlog.TryAcquire(1) {
			id.fabric.log.Warnf("Listen backlog of %s full, dropping connection from %s", l.Addr(), conn.RemoteAddr())
			_ = conn.Close()

			continue
		}

		go id.handshakeIncoming(conn)
	}
}

func (id *cmID) handshakeIncoming(conn net.Conn) {
	release := func() { id.backlog.Release(1) }

	_ = conn.SetReadDeadline(time.Now().Add(id.fabric.handshakeTimeout))
	kind, body, err := readMessage(conn)
	_ = conn.SetReadDeadline(time.Time{})

	if err == nil && kind != msgConnect {
		err = fmt.Errorf("expected connect request, got message %d", kind)
	}
	var hs handshake
	if err == nil {
		hs, err = parseHandshake(body)
	}
	if err != nil {
		id.fabric.log.Debugf("Dropping connection from %s: %s", conn.RemoteAddr(), err)
		_ = conn.Close()
		release()

		return
	}

	child := newCMID(id.fabric, id.channel)
	child.conn = conn
	child.local = conn.LocalAddr()
	child.remote = conn.RemoteAddr()
	child.peer = hs
	child.state = stateConnectRequest
	child.release = sync.OnceFunc(release)

	id.channel.push(&verbs.CMEvent{Type: verbs.EventConnectRequest, ID: child, Listener: id, Param: hs.param})
}

func (id *cmID) ResolveAddr(addr string, timeout time.Duration) error {
	id.mu.Lock()
	if id.state != stateIdle && id.state != stateBound {
		id.mu.Unlock()

		return fmt.Errorf("%w: resolve address", verbs.ErrInvalidState)
	}
	id.state = stateAddrResolving
	id.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		remote, err := id.fabric.network.Resolve(ctx, addr)

		id.mu.Lock()
		if id.state != stateAddrResolving {
			id.mu.Unlock()

			return
		}
		if err != nil {
			id.state = stateIdle
			id.mu.Unlock()
			id.emit(verbs.EventAddrError, err)

			return
		}
		id.dialAddr = addr
		id.remote = remote
		id.state = stateAddrResolved
		id.mu.Unlock()

		id.emit(verbs.EventAddrResolved, nil)
	}()

	return nil
}

func (id *cmID) ResolveRoute(time.Duration) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.state != stateAddrResolved {
		return fmt.Errorf("%w: resolve route before address", verbs.ErrInvalidState)
	}
	id.state = stateRouteResolved

	// the soft fabric has a single hop; the event is still asynchronous
	go id.emit(verbs.EventRouteResolved, nil)

	return nil
}

func (id *cmID) Connect(param verbs.ConnParam) error {
	id.mu.Lock()
	if id.state != stateRouteResolved {
		id.mu.Unlock()

		return fmt.Errorf("%w: connect before route resolution", verbs.ErrInvalidState)
	}
	if id.qp == nil {
		id.mu.Unlock()

		return fmt.Errorf("%w: connect without queue pair", verbs.ErrInvalidState)
	}
	id.state = stateConnecting
	qp := id.qp
	addr := id.dialAddr
	id.mu.Unlock()

	go id.connect(addr, qp, param)

	return nil
}

func (id *cmID) connect(addr string, qp *queuePair, param verbs.ConnParam) {
	ctx, cancel := context.WithTimeout(context.Background(), id.fabric.handshakeTimeout)
	defer cancel()

	fail := func(t verbs.CMEventType, err error) {
		id.mu.Lock()
		if id.state == stateConnecting {
			id.state = stateRouteResolved
		}
		id.mu.Unlock()
		id.emit(t, err)
	}

	conn, err := id.fabric.network.DialContext(ctx, addr)
	if err != nil {
		fail(verbs.EventUnreachable, err)

		return
	}

	if err := writeMessage(conn, msgConnect, handshake{param: param, qpNum: qp.num}.marshal()); err != nil {
		_ = conn.Close()
		fail(verbs.EventConnectError, err)

		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(id.fabric.handshakeTimeout))
	kind, body, err := readMessage(conn)
	_ = conn.SetReadDeadline(time.Time{})

	if err != nil {
		_ = conn.Close()
		fail(verbs.EventConnectError, err)

		return
	}

	switch kind {
	case msgAccept:
		hs, err := parseHandshake(body)
		if err != nil {
			_ = conn.Close()
			fail(verbs.EventConnectError, err)

			return
		}

		id.mu.Lock()
		if id.state != stateConnecting {
			id.mu.Unlock()
			_ = conn.Close()

			return
		}
		id.conn = conn
		id.local = conn.LocalAddr()
		id.peer = hs
		id.link = newLink(conn, qp, hs.param, id.fabric.rnrTimer, id.fabric.log, id.onDisconnected)
		id.state = stateConnected
		id.link.start()
		id.mu.Unlock()

		id.emit(verbs.EventEstablished, nil)
	case msgReject:
		_ = conn.Close()
		if hs, err := parseHandshake(body); err == nil {
			id.mu.Lock()
			id.peer = hs
			id.mu.Unlock()
		}
		fail(verbs.EventRejected, errors.New("connection rejected by peer"))
	default:
		_ = conn.Close()
		fail(verbs.EventConnectError, fmt.Errorf("unexpected handshake reply %d", kind))
	}
}

func (id *cmID) Accept(param verbs.ConnParam) error {
	id.mu.Lock()
	if id.state != stateConnectRequest {
		id.mu.Unlock()

		return fmt.Errorf("%w: accept without connect request", verbs.ErrInvalidState)
	}
	if id.qp == nil {
		id.mu.Unlock()

		return fmt.Errorf("%w: accept without queue pair", verbs.ErrInvalidState)
	}

	if err := writeMessage(id.conn, msgAccept, handshake{param: param, qpNum: id.qp.num}.marshal()); err != nil {
		id.mu.Unlock()

		return fmt.Errorf("send accept to %s: %w", id.remote, err)
	}

	id.link = newLink(id.conn, id.qp, id.peer.param, id.fabric.rnrTimer, id.fabric.log, id.onDisconnected)
	id.state = stateConnected
	id.link.start()
	release := id.release
	id.mu.Unlock()

	release()
	id.emit(verbs.EventEstablished, nil)

	return nil
}

func (id *cmID) Reject(privateData []byte) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.state != stateConnectRequest {
		return fmt.Errorf("%w: reject without connect request", verbs.ErrInvalidState)
	}

	err := writeMessage(id.conn, msgReject, handshake{param: verbs.ConnParam{PrivateData: privateData}}.marshal())
	_ = id.conn.Close()
	id.state = stateDisconnected
	id.release()

	return err
}

func (id *cmID) Disconnect() error {
	id.mu.Lock()
	l := id.link
	connected := id.state == stateConnected
	id.mu.Unlock()

	if !connected || l == nil {
		return fmt.Errorf("%w: disconnect while not connected", verbs.ErrInvalidState)
	}

	l.disconnect(disconnectTimeout)

	return nil
}

// onDisconnected runs once the link is gone, whichever side closed it.
func (id *cmID) onDisconnected() {
	id.disconnectOnce.Do(func() {
		id.mu.Lock()
		destroyed := id.state == stateDestroyed
		if !destroyed {
			id.state = stateDisconnected
		}
		id.mu.Unlock()

		if !destroyed {
			id.emit(verbs.EventDisconnected, nil)
		}
	})
}

func (id *cmID) Device() verbs.Device {
	id.mu.Lock()
	defer id.mu.Unlock()

	switch id.state {
	case stateAddrResolved, stateRouteResolved, stateConnecting, stateConnectRequest, stateConnected, stateListening:
		return id.fabric.device
	default:
		return nil
	}
}

func (id *cmID) CreateQP(pd verbs.ProtectionDomain, attr verbs.QPAttr) (verbs.QueuePair, error) {
	if _, ok := pd.(*protectionDomain); !ok {
		return nil, fmt.Errorf("protection domain %T does not belong to softrdma", pd)
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	switch id.state {
	case stateAddrResolved, stateRouteResolved, stateConnectRequest:
	default:
		return nil, fmt.Errorf("%w: create queue pair", verbs.ErrInvalidState)
	}
	if id.qp != nil {
		return nil, fmt.Errorf("%w: queue pair already exists", verbs.ErrInvalidState)
	}

	qp, err := newQueuePair(id.fabric.nextQPNum(), attr)
	if err != nil {
		return nil, err
	}
	id.qp = qp

	return qp, nil
}

func (id *cmID) QP() verbs.QueuePair {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.qp == nil {
		return nil
	}

	return id.qp
}

func (id *cmID) DestroyQP() error {
	id.mu.Lock()
	qp := id.qp
	id.qp = nil
	id.mu.Unlock()

	if qp == nil {
		return nil
	}

	return qp.Destroy()
}

func (id *cmID) LocalAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()

	return id.local
}

func (id *cmID) RemoteAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()

	return id.remote
}

func (id *cmID) Destroy() error {
	id.mu.Lock()
	if id.state == stateDestroyed {
		id.mu.Unlock()

		return verbs.ErrClosed
	}
	prev := id.state
	id.state = stateDestroyed
	listener := id.listener
	conn := id.conn
	qp := id.qp
	id.qp = nil
	release := id.release
	id.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if qp != nil {
		_ = qp.Destroy()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if prev == stateConnectRequest && release != nil {
		release()
	}

	return nil
}
