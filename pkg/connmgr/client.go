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

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// ErrDisconnected is returned by Send once the collector went away.
var ErrDisconnected = errors.New("connection to collector lost")

// ClientConfig configures the agent side.
type ClientConfig struct {
	ServerAddr         string
	ResolveTimeout     time.Duration
	ConnectTimeout     time.Duration
	SendTimeout        time.Duration
	FrameSize          int
	CQSize             int
	MaxSendWR          int
	InitiatorDepth     uint8
	ResponderResources uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// DefaultClientConfig returns the agent defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddr:         fmt.Sprintf("127.0.0.1:%d", constants.DefaultRDMAPort),
		ResolveTimeout:     constants.DefaultResolveTimeout,
		ConnectTimeout:     constants.DefaultSendTimeout,
		SendTimeout:        constants.DefaultSendTimeout,
		FrameSize:          constants.MaxFrameSize,
		CQSize:             constants.DefaultMaxSendWR * 2,
		MaxSendWR:          constants.DefaultMaxSendWR,
		InitiatorDepth:     constants.DefaultInitiatorDepth,
		ResponderResources: constants.DefaultResponderResources,
		RetryCount:         constants.DefaultRetryCount,
		RNRRetryCount:      constants.DefaultRNRRetryCount,
	}
}

// Client is one agent connection. Every failure on the way to ESTABLISHED is
// permanent; so is losing the connection afterwards.
type Client struct {
	cfg    ClientConfig
	logger *zap.SugaredLogger

	events  verbs.EventChannel
	id      verbs.CMID
	conn    *connection.Context
	pd      verbs.ProtectionDomain
	channel verbs.CompletionChannel
	cq      verbs.CompletionQueue
	qp      verbs.QueuePair
	mr      verbs.MemoryRegion

	sendMu sync.Mutex
	nextWR uint64
	wc     []verbs.WorkCompletion

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	lost        chan struct{}
	lostOnce    sync.Once
	closeOnce   sync.Once
}

// Dial connects to the collector: resolve address, resolve route, create the
// queue pair and its send buffer, connect. It returns once the connection is
// established.
func Dial(ctx context.Context, provider verbs.Provider, cfg ClientConfig, log *zap.SugaredLogger) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.MaxSendWR <= 0 {
		cfg.MaxSendWR = def.MaxSendWR
	}
	if cfg.CQSize <= 0 {
		cfg.CQSize = cfg.MaxSendWR * 2
	}

	c := &Client{
		cfg:    cfg,
		logger: log,
		wc:     make([]verbs.WorkCompletion, cfg.MaxSendWR),
		lost:   make(chan struct{}),
	}

	if err := c.dial(ctx, provider); err != nil {
		c.release()

		return nil, errorhandling.NewPermanentError(err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.watchDone = make(chan struct{})

	go c.watch(watchCtx)

	return c, nil
}

func (c *Client) dial(ctx context.Context, provider verbs.Provider) error {
	events, err := provider.CreateEventChannel()
	if err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}
	c.events = events

	id, err := provider.CreateID(events)
	if err != nil {
		return fmt.Errorf("create id: %w", err)
	}
	c.id = id
	c.conn = connection.New(connection.RoleClient, id)

	if err := c.conn.Fire(ctx, connection.EventResolveAddr); err != nil {
		return err
	}
	if err := id.ResolveAddr(c.cfg.ServerAddr, c.cfg.ResolveTimeout); err != nil {
		return fmt.Errorf("resolve %s: %w", c.cfg.ServerAddr, err)
	}
	if err := c.expect(ctx, verbs.EventAddrResolved, connection.EventAddrResolved, c.cfg.ResolveTimeout); err != nil {
		return err
	}

	if err := id.ResolveRoute(c.cfg.ResolveTimeout); err != nil {
		return fmt.Errorf("resolve route to %s: %w", c.cfg.ServerAddr, err)
	}
	if err := c.expect(ctx, verbs.EventRouteResolved, connection.EventRouteResolved, c.cfg.ResolveTimeout); err != nil {
		return err
	}
	c.conn.SetPeer(id.RemoteAddr())

	if err := c.createResources(); err != nil {
		return err
	}

	err = id.Connect(verbs.ConnParam{
		InitiatorDepth:     c.cfg.InitiatorDepth,
		ResponderResources: c.cfg.ResponderResources,
		RetryCount:         c.cfg.RetryCount,
		RNRRetryCount:      c.cfg.RNRRetryCount,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.ServerAddr, err)
	}
	if err := c.expect(ctx, verbs.EventEstablished, connection.EventEstablished, c.cfg.ConnectTimeout); err != nil {
		return err
	}

	c.conn.Logger().Infof("Connected to %s on qp %d", c.conn.PeerString(), c.qp.Num())

	return nil
}

func (c *Client) createResources() error {
	device := c.id.Device()
	if device == nil {
		return errors.New("no device after route resolution")
	}

	pd, err := device.AllocPD()
	if err != nil {
		return fmt.Errorf("allocate protection domain: %w", err)
	}
	c.pd = pd

	channel, err := device.CreateCompletionChannel()
	if err != nil {
		return fmt.Errorf("create completion channel: %w", err)
	}
	c.channel = channel

	cq, err := device.CreateCQ(c.cfg.CQSize, channel)
	if err != nil {
		return fmt.Errorf("create completion queue: %w", err)
	}
	c.cq = cq

	// the agent never receives; one receive entry satisfies queue pair creation
	qp, err := c.id.CreateQP(pd, verbs.QPAttr{SendCQ: cq, RecvCQ: cq, MaxSendWR: c.cfg.MaxSendWR, MaxRecvWR: 1})
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}
	c.qp = qp
	c.conn.AttachQP(qp)

	mr, err := pd.RegisterMemory(make([]byte, c.cfg.FrameSize), verbs.AccessLocalWrite)
	if err != nil {
		return fmt.Errorf("register %d byte send buffer: %w", c.cfg.FrameSize, err)
	}
	c.mr = mr

	return nil
}

// expect waits for the next event, which must be want. Anything else is a
// permanent error naming the event and the state it arrived in.
func (c *Client) expect(ctx context.Context, want verbs.CMEventType, transition string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := c.events.GetEvent(waitCtx)
	if err != nil {
		_ = c.conn.Fire(ctx, connection.EventFail)

		return fmt.Errorf("waiting for %s in state %s: %w", want, c.conn.State(), err)
	}

	if ev.Type != want || !c.conn.Can(transition) {
		metrics.IncCMEvent(ev.Type.String(), false)
		state := c.conn.State()
		_ = c.conn.Fire(ctx, connection.EventFail)

		if ev.Err != nil {
			return fmt.Errorf("unexpected event %s in state %s: %w", ev.Type, state, ev.Err)
		}

		return fmt.Errorf("unexpected event %s in state %s", ev.Type, state)
	}

	metrics.IncCMEvent(ev.Type.String(), true)

	return c.conn.Fire(ctx, transition)
}

// watch consumes events after ESTABLISHED. DISCONNECTED marks the client as
// lost; anything else is unexpected and also ends the connection.
func (c *Client) watch(ctx context.Context) {
	defer close(c.watchDone)

	for {
		ev, err := c.events.GetEvent(ctx)
		if err != nil {
			return
		}

		if ev.Type == verbs.EventDisconnected && c.conn.Can(connection.EventDisconnect) {
			metrics.IncCMEvent(ev.Type.String(), true)
			_ = c.conn.Fire(ctx, connection.EventDisconnect)
			c.conn.Logger().Infof("Disconnected from %s", c.conn.PeerString())
		} else {
			metrics.IncCMEvent(ev.Type.String(), false)
			c.conn.Logger().Errorf("Unexpected event %s in state %s", ev.Type, c.conn.State())
			_ = c.conn.Fire(ctx, connection.EventFail)
		}

		c.markLost()

		return
	}
}

func (c *Client) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.lost }

// Connection returns the connection context.
func (c *Client) Connection() *connection.Context { return c.conn }

// Buffer is the registered send buffer. Frames are encoded into it before Send.
func (c *Client) Buffer() []byte { return c.mr.Buffer() }

// Send posts one signaled send of the first n bytes of Buffer and waits for
// its completion, at most SendTimeout. Every failure is permanent.
func (c *Client) Send(ctx context.Context, n int) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.lost:
		return errorhandling.NewPermanentError(ErrDisconnected)
	default:
	}

	c.nextWR++
	wrID := c.nextWR

	err := c.qp.PostSend(verbs.SendWR{
		WRID:     wrID,
		SGE:      verbs.SGE{MR: c.mr, Offset: 0, Length: n},
		Signaled: true,
	})
	if err != nil {
		return errorhandling.NewPermanentError(fmt.Errorf("post send: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	if err := c.awaitCompletion(waitCtx, wrID); err != nil {
		return errorhandling.NewPermanentError(err)
	}

	return nil
}

func (c *Client) awaitCompletion(ctx context.Context, wrID uint64) error {
	armed := false

	for {
		n, err := c.cq.Poll(c.wc)
		if err != nil {
			return fmt.Errorf("poll send completion: %w", err)
		}

		for _, wc := range c.wc[:n] {
			if wc.WRID != wrID {
				c.logger.Debugf("Stale completion wr_id=%d: %s", wc.WRID, wc.Status)

				continue
			}
			if wc.Status != verbs.WCSuccess {
				return fmt.Errorf("send %d completed with %s", wrID, wc.Status)
			}

			return nil
		}

		if n > 0 {
			continue
		}

		// poll once more after arming so a completion that raced the arm is seen
		if !armed {
			if err := c.cq.RequestNotify(); err != nil {
				return fmt.Errorf("arm completion queue: %w", err)
			}
			armed = true

			continue
		}

		cq, err := c.channel.GetCQEvent(ctx)
		if err != nil {
			return fmt.Errorf("waiting for send %d completion: %w", wrID, err)
		}
		cq.AckEvents(1)
		armed = false
	}
}

// Close disconnects and releases every resource. It waits briefly for the
// collector to confirm the disconnect.
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		if c.conn != nil && c.conn.Running() {
			if derr := c.id.Disconnect(); derr != nil {
				c.logger.Debugf("Disconnect: %v", derr)
			}

			select {
			case <-c.lost:
			case <-time.After(time.Second):
				c.logger.Debug("No disconnect confirmation, closing anyway")
			}
		}

		if c.watchCancel != nil {
			c.watchCancel()
			<-c.watchDone
		}
		c.markLost()

		err = c.release()
		if c.conn != nil && c.conn.Can(connection.EventClosed) {
			_ = c.conn.Fire(context.Background(), connection.EventClosed)
		}
	})

	return err
}

func (c *Client) release() error {
	var errs []error

	if c.id != nil {
		if err := c.id.DestroyQP(); err != nil && !errors.Is(err, verbs.ErrClosed) {
			errs = append(errs, fmt.Errorf("destroy queue pair: %w", err))
		}
	}
	if c.mr != nil {
		if err := c.mr.Deregister(); err != nil && !errors.Is(err, verbs.ErrClosed) {
			errs = append(errs, fmt.Errorf("deregister send buffer: %w", err))
		}
	}
	if c.cq != nil {
		if err := c.cq.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy completion queue: %w", err))
		}
	}
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close completion channel: %w", err))
		}
	}
	if c.pd != nil {
		if err := c.pd.Deallocate(); err != nil {
			errs = append(errs, fmt.Errorf("deallocate protection domain: %w", err))
		}
	}
	if c.id != nil {
		if err := c.id.Destroy(); err != nil && !errors.Is(err, verbs.ErrClosed) {
			errs = append(errs, fmt.Errorf("destroy id: %w", err))
		}
	}
	if c.events != nil {
		if err := c.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event channel: %w", err))
		}
	}

	return errors.Join(errs...)
}
