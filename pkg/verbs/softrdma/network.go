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
	"strconv"
	"sync"
)

// Network carries the soft fabric's links. TCPNetwork reaches other hosts;
// MemoryNetwork keeps everything inside one process.
type Network interface {
	Listen(addr string) (net.Listener, error)
	DialContext(ctx context.Context, addr string) (net.Conn, error)
	Resolve(ctx context.Context, addr string) (net.Addr, error)
}

// TCPNetwork runs links over TCP.
type TCPNetwork struct {
	Dialer net.Dialer
}

func (n *TCPNetwork) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (n *TCPNetwork) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return n.Dialer.DialContext(ctx, "tcp", addr)
}

func (n *TCPNetwork) Resolve(ctx context.Context, addr string) (net.Addr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	if host == "" {
		return &net.TCPAddr{IP: net.IPv4zero, Port: port}, nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	return &net.TCPAddr{IP: ips[0].IP, Port: port, Zone: ips[0].Zone}, nil
}

// ErrNoListener is returned when dialing a MemoryNetwork address nobody listens on.
var ErrNoListener = errors.New("connection refused: no listener")

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }

type memConn struct {
	net.Conn
	local, remote memAddr
}

func (c *memConn) LocalAddr() net.Addr  { return c.local }
func (c *memConn) RemoteAddr() net.Addr { return c.remote }

// MemoryNetwork connects listeners and dialers of the same process through net.Pipe.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	dials     int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memListener)}
}

func (n *MemoryNetwork) Listen(addr string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[addr]; exists {
		return nil, fmt.Errorf("listen %s: address already in use", addr)
	}

	l := &memListener{
		network: n,
		addr:    memAddr(addr),
		conns:   make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[addr] = l

	return l, nil
}

func (n *MemoryNetwork) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.dials++
	local := memAddr(fmt.Sprintf("memory-client-%d", n.dials))
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrNoListener)
	}

	client, server := net.Pipe()

	select {
	case l.conns <- &memConn{Conn: server, local: l.addr, remote: local}:
		return &memConn{Conn: client, local: local, remote: l.addr}, nil
	case <-l.closed:
		_ = client.Close()
		_ = server.Close()

		return nil, fmt.Errorf("dial %s: %w", addr, ErrNoListener)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()

		return nil, ctx.Err()
	}
}

func (n *MemoryNetwork) Resolve(_ context.Context, addr string) (net.Addr, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}

	return memAddr(addr), nil
}

func (n *MemoryNetwork) remove(l *memListener) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners[string(l.addr)] == l {
		delete(n.listeners, string(l.addr))
	}
}

type memListener struct {
	network   *MemoryNetwork
	addr      memAddr
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.remove(l)
	})

	return nil
}

func (l *memListener) Addr() net.Addr { return l.addr }
