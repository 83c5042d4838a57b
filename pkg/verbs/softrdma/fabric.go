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

// Package softrdma is a software RDMA provider. It keeps the semantics the
// collector depends on (reliable ordered delivery, receive queues that must be
// posted before data can land, send completions only after the peer placed the
// data, receiver-not-ready retries and flushes on disconnect) and carries the
// bytes over a Network.
package softrdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

const (
	defaultRNRTimer         = 5 * time.Millisecond
	defaultHandshakeTimeout = 5 * time.Second
	deviceName              = "soft0"
)

// Fabric implements verbs.Provider.
type Fabric struct {
	network          Network
	device           *device
	log              *zap.SugaredLogger
	rnrTimer         time.Duration
	handshakeTimeout time.Duration
	qpNums           atomic.Uint32
	keys             atomic.Uint32
}

type Option func(*Fabric)

// WithRNRTimer sets how long a receiver waits for a posted receive before it
// counts one receiver-not-ready retry.
func WithRNRTimer(d time.Duration) Option {
	return func(f *Fabric) { f.rnrTimer = d }
}

// WithHandshakeTimeout bounds connection establishment on both sides.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(f *Fabric) { f.handshakeTimeout = d }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(f *Fabric) { f.log = log }
}

func New(network Network, opts ...Option) *Fabric {
	f := &Fabric{
		network:          network,
		rnrTimer:         defaultRNRTimer,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logger.For(logger.ComponentTransport)
	}

	f.device = &device{fabric: f}

	return f
}

// Device opens the fabric's only device directly, without a CM id.
func (f *Fabric) Device() verbs.Device {
	return f.device
}

func (f *Fabric) CreateEventChannel() (verbs.EventChannel, error) {
	return newEventChannel(), nil
}

func (f *Fabric) CreateID(channel verbs.EventChannel) (verbs.CMID, error) {
	ch, ok := channel.(*eventChannel)
	if !ok {
		return nil, fmt.Errorf("event channel %T does not belong to softrdma", channel)
	}

	return newCMID(f, ch), nil
}

func (f *Fabric) nextQPNum() uint32 {
	// 24 bit space like hardware, skipping the special QPs 0 and 1
	return f.qpNums.Add(1)&0xFFFFFF + 1
}

func (f *Fabric) nextKey() uint32 {
	return f.keys.Add(1)
}

type device struct {
	fabric *Fabric
}

func (d *device) Name() string { return deviceName }

func (d *device) AllocPD() (verbs.ProtectionDomain, error) {
	return &protectionDomain{fabric: d.fabric}, nil
}

func (d *device) CreateCompletionChannel() (verbs.CompletionChannel, error) {
	return newCompletionChannel(), nil
}

func (d *device) CreateCQ(entries int, channel verbs.CompletionChannel) (verbs.CompletionQueue, error) {
	if entries <= 0 {
		return nil, fmt.Errorf("completion queue needs at least one entry, got %d", entries)
	}

	cq := &completionQueue{capacity: entries}
	if channel != nil {
		ch, ok := channel.(*completionChannel)
		if !ok {
			return nil, fmt.Errorf("completion channel %T does not belong to softrdma", channel)
		}
		cq.channel = ch
	}

	return cq, nil
}

type protectionDomain struct {
	fabric      *Fabric
	mu          sync.Mutex
	regions     int
	deallocated bool
}

var errPDInUse = errors.New("protection domain still has registered memory")

func (pd *protectionDomain) RegisterMemory(buf []byte, access verbs.AccessFlags) (verbs.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, errors.New("cannot register an empty buffer")
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.deallocated {
		return nil, verbs.ErrClosed
	}
	pd.regions++

	return &memoryRegion{pd: pd, buf: buf, lkey: pd.fabric.nextKey(), access: access}, nil
}

func (pd *protectionDomain) CreateSRQ(attr verbs.SRQAttr) (verbs.SharedReceiveQueue, error) {
	if attr.MaxWR <= 0 {
		return nil, fmt.Errorf("shared receive queue needs at least one work request, got %d", attr.MaxWR)
	}

	return &sharedReceiveQueue{queue: newRecvQueue(attr.MaxWR)}, nil
}

func (pd *protectionDomain) Deallocate() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.regions > 0 {
		return fmt.Errorf("%w: %d regions", errPDInUse, pd.regions)
	}
	pd.deallocated = true

	return nil
}

type memoryRegion struct {
	pd           *protectionDomain
	buf          []byte
	lkey         uint32
	access       verbs.AccessFlags
	deregistered atomic.Bool
}

func (mr *memoryRegion) LKey() uint32   { return mr.lkey }
func (mr *memoryRegion) Buffer() []byte { return mr.buf }

func (mr *memoryRegion) Deregister() error {
	if mr.deregistered.Swap(true) {
		return verbs.ErrClosed
	}

	mr.pd.mu.Lock()
	mr.pd.regions--
	mr.pd.mu.Unlock()

	return nil
}

func usable(sge verbs.SGE) bool {
	mr, ok := sge.MR.(*memoryRegion)
	return ok && !mr.deregistered.Load()
}

type eventChannel struct {
	mu     sync.Mutex
	queue  []*verbs.CMEvent
	signal chan struct{}
	closed bool
}

func newEventChannel() *eventChannel {
	return &eventChannel{signal: make(chan struct{}, 1)}
}

func (c *eventChannel) push(ev *verbs.CMEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *eventChannel) GetEvent(ctx context.Context) (*verbs.CMEvent, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return ev, nil
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return nil, verbs.ErrClosed
		}

		select {
		case <-c.signal:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", verbs.ErrTimeout, ctx.Err())
		}
	}
}

func (c *eventChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}

	return nil
}
