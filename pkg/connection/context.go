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

// Package connection holds the per-connection state shared between the
// connection manager and the completion dispatcher.
package connection

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// NoSlot marks a connection that was accepted without a store slot.
const NoSlot = -1

// Context describes one connection. The connection manager owns it; the
// dispatcher only reads it while a registry entry exists.
type Context struct {
	ID   string
	Role Role

	cmID verbs.CMID
	qp   verbs.QueuePair

	peer  net.Addr
	qpNum uint32

	// slotMu is held across a store update so SetSlot waits for it.
	slotMu sync.Mutex
	slot   int

	running atomic.Bool

	mu      sync.Mutex
	machine *fsm.FSM
	log     *zap.SugaredLogger
}

// New creates a context in StateInit for the given communication identifier.
func New(role Role, id verbs.CMID) *Context {
	connID := uuid.NewString()
	log := logger.For(logger.ComponentConnectionFSM).With("connection", connID, "role", string(role))

	c := &Context{
		ID:   connID,
		Role: role,
		cmID: id,
		slot: NoSlot,
		log:  log,
	}
	c.machine = newMachine(connID, log)

	if id != nil {
		c.peer = id.RemoteAddr()
	}

	return c
}

// CMID returns the communication identifier of the connection.
func (c *Context) CMID() verbs.CMID { return c.cmID }

// QP returns the queue pair, or nil before AttachQP.
func (c *Context) QP() verbs.QueuePair {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.qp
}

// AttachQP records the queue pair created for this connection.
func (c *Context) AttachQP(qp verbs.QueuePair) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.qp = qp
	if qp != nil {
		c.qpNum = qp.Num()
	}
}

// QPNum returns the queue pair number, zero before AttachQP.
func (c *Context) QPNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.qpNum
}

// Peer returns the remote address of the connection, if known.
func (c *Context) Peer() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer
}

// PeerString is Peer formatted for logs.
func (c *Context) PeerString() string {
	peer := c.Peer()
	if peer == nil {
		return "unknown"
	}

	return peer.String()
}

// SetPeer overrides the remote address.
func (c *Context) SetPeer(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peer = addr
}

// Slot returns the store slot ordinal, or NoSlot.
func (c *Context) Slot() int {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	return c.slot
}

// SetSlot assigns the store slot ordinal. It blocks while a WithSlot call is
// running.
func (c *Context) SetSlot(slot int) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	c.slot = slot
}

// WithSlot calls fn with the current slot and keeps the slot assigned until
// fn returns.
func (c *Context) WithSlot(fn func(slot int) error) error {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	return fn(c.slot)
}

// Running reports whether the connection is established and not yet torn down.
func (c *Context) Running() bool { return c.running.Load() }

// State returns the current connection state.
func (c *Context) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.machine.Current()
}

// Can reports whether event is allowed in the current state.
func (c *Context) Can(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.machine.Can(event)
}

// Fire moves the connection along event. It returns an error when the event
// is not allowed in the current state.
func (c *Context) Fire(ctx context.Context, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.machine.Can(event) {
		return fmt.Errorf("connection %s: event %s not allowed in state %s", c.ID, event, c.machine.Current())
	}

	if err := c.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("connection %s: event %s: %w", c.ID, event, err)
	}

	switch c.machine.Current() {
	case StateEstablished:
		c.running.Store(true)
	case StateDisconnecting, StateClosed:
		c.running.Store(false)
	}

	return nil
}

// Logger returns the connection scoped logger.
func (c *Context) Logger() *zap.SugaredLogger { return c.log }

func (c *Context) String() string {
	return fmt.Sprintf("%s[%s qp=%d peer=%s slot=%d state=%s]",
		c.Role, c.ID, c.QPNum(), c.PeerString(), c.Slot(), c.State())
}
