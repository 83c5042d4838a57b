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

// Package connmgr drives the connection manager event channels of the
// collector (Server) and the agent (Client).
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/dispatcher"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// Topology selects how receives are spread over completion queues.
type Topology string

const (
	// TopologyShared uses one completion queue, shared receive queue, pool
	// and dispatcher for all connections.
	TopologyShared Topology = "shared"
	// TopologyPerConnection gives every connection its own completion queue,
	// pool and dispatcher.
	TopologyPerConnection Topology = "per-connection"
)

// ServerConfig configures the collector side.
type ServerConfig struct {
	ListenAddr         string
	Backlog            int
	Topology           Topology
	PoolDepth          int
	PerConnectionDepth int
	CQSize             int
	SlotSize           int
	Slots              int // store slot ordinals handed to connections
	MaxSendWR          int
	InitiatorDepth     uint8
	ResponderResources uint8
	RNRRetryCount      uint8
	EventTimeout       time.Duration
	Dispatcher         dispatcher.Config
}

// DefaultServerConfig returns the collector defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:         fmt.Sprintf(":%d", constants.DefaultRDMAPort),
		Backlog:            constants.DefaultListenBacklog,
		Topology:           TopologyShared,
		PoolDepth:          constants.DefaultPoolDepth,
		PerConnectionDepth: constants.DefaultPerConnectionDepth,
		CQSize:             constants.DefaultCQSize,
		SlotSize:           constants.MaxFrameSize,
		Slots:              constants.DefaultStoreCapacity,
		MaxSendWR:          constants.DefaultMaxSendWR,
		InitiatorDepth:     constants.DefaultInitiatorDepth,
		ResponderResources: constants.DefaultResponderResources,
		RNRRetryCount:      constants.DefaultRNRRetryCount,
		EventTimeout:       constants.DefaultPollTimeout,
		Dispatcher:         dispatcher.DefaultConfig(),
	}
}

// HeartbeatRegistry hands every dispatcher its own heartbeat, released when
// the dispatcher is joined. A heartbeat given to NewServer that implements it
// is used this way; any other heartbeat is shared by all dispatchers.
type HeartbeatRegistry interface {
	Register(name string) (beat func(), release func())
}

// SlotReleaser is told about a store slot once no receive of its connection
// can reach the store any more. A handler that implements it gets the call.
type SlotReleaser interface {
	ReleaseSlot(slot int)
}

// serverConn is what the server keeps per accepted connection.
type serverConn struct {
	ctx *connection.Context
	// path is set in the per-connection topology only.
	path *receivePath
}

// Server accepts agent connections and feeds their receives to a handler.
// All connection resources are created and destroyed on the Run goroutine.
type Server struct {
	cfg       ServerConfig
	provider  verbs.Provider
	handler   dispatcher.Handler
	heartbeat dispatcher.Heartbeat
	logger    *zap.SugaredLogger

	events   verbs.EventChannel
	listener verbs.CMID
	listen   *connection.Context
	registry *connection.Registry
	slots    *slotAllocator
	conns    map[verbs.CMID]*serverConn

	// pd and shared are created on the first connect request
	initialized bool
	pd          verbs.ProtectionDomain
	shared      *receivePath

	fatal chan error

	mu       sync.Mutex
	listenOn net.Addr
}

// NewServer creates a server. heartbeat may be nil.
func NewServer(cfg ServerConfig, provider verbs.Provider, handler dispatcher.Handler, heartbeat dispatcher.Heartbeat, log *zap.SugaredLogger) *Server {
	def := DefaultServerConfig()
	if cfg.Topology == "" {
		cfg.Topology = def.Topology
	}
	if cfg.PoolDepth <= 0 {
		cfg.PoolDepth = def.PoolDepth
	}
	if cfg.PerConnectionDepth <= 0 {
		cfg.PerConnectionDepth = def.PerConnectionDepth
	}
	if cfg.CQSize <= 0 {
		cfg.CQSize = def.CQSize
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = def.SlotSize
	}
	if cfg.Slots <= 0 {
		cfg.Slots = def.Slots
	}
	if cfg.MaxSendWR <= 0 {
		cfg.MaxSendWR = def.MaxSendWR
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}

	return &Server{
		cfg:       cfg,
		provider:  provider,
		handler:   handler,
		heartbeat: heartbeat,
		logger:    log,
		registry:  connection.NewRegistry(),
		slots:     newSlotAllocator(cfg.Slots),
		conns:     make(map[verbs.CMID]*serverConn),
		fatal:     make(chan error, 1),
	}
}

// Registry returns the queue pair registry the dispatchers read.
func (s *Server) Registry() *connection.Registry { return s.registry }

// Addr returns the bound listen address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listenOn
}

// Listen creates the event channel and the listening id.
func (s *Server) Listen() error {
	events, err := s.provider.CreateEventChannel()
	if err != nil {
		return errorhandling.NewPermanentError(fmt.Errorf("create event channel: %w", err))
	}

	id, err := s.provider.CreateID(events)
	if err != nil {
		_ = events.Close()

		return errorhandling.NewPermanentError(fmt.Errorf("create listening id: %w", err))
	}

	if err := id.Bind(s.cfg.ListenAddr); err != nil {
		_ = id.Destroy()
		_ = events.Close()

		return errorhandling.NewPermanentError(fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err))
	}

	if err := id.Listen(s.cfg.Backlog); err != nil {
		_ = id.Destroy()
		_ = events.Close()

		return errorhandling.NewPermanentError(fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err))
	}

	s.events = events
	s.listener = id
	s.listen = connection.New(connection.RoleListener, id)
	_ = s.listen.Fire(context.Background(), connection.EventListen)

	s.mu.Lock()
	s.listenOn = id.LocalAddr()
	s.mu.Unlock()

	s.logger.Infof("Listening for agents on %s (%s topology)", id.LocalAddr(), s.cfg.Topology)

	return nil
}

// Run processes connection manager events until ctx is cancelled, then
// tears everything down. It returns an error when the listener cannot be set
// up, when the shared receive path cannot be created or when a dispatcher
// fails.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.shutdown()

	for {
		select {
		case err := <-s.fatal:
			return fmt.Errorf("completion dispatcher failed: %w", err)
		default:
		}

		if ctx.Err() != nil {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.EventTimeout)
		ev, err := s.events.GetEvent(waitCtx)
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil, verbs.IsTimeout(err):
				continue
			case errors.Is(err, verbs.ErrClosed):
				return nil
			default:
				return fmt.Errorf("wait for connection manager event: %w", err)
			}
		}

		if err := s.handleEvent(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev *verbs.CMEvent) error {
	switch ev.Type {
	case verbs.EventConnectRequest:
		return s.onConnectRequest(ctx, ev)
	case verbs.EventEstablished:
		s.onEstablished(ctx, ev)
	case verbs.EventDisconnected:
		s.onDisconnected(ctx, ev)
	case verbs.EventConnectError, verbs.EventUnreachable, verbs.EventRejected:
		if sc, ok := s.conns[ev.ID]; ok {
			metrics.IncCMEvent(ev.Type.String(), true)
			s.logger.Warnf("Connection %s failed: %s %v", sc.ctx.ID, ev.Type, ev.Err)
			if sc.ctx.Running() {
				metrics.ConnectionClosed()
			}
			_ = sc.ctx.Fire(ctx, connection.EventFail)
			s.teardown(sc)

			return nil
		}
		s.unexpected(ev)
	default:
		s.unexpected(ev)
	}

	return nil
}

func (s *Server) unexpected(ev *verbs.CMEvent) {
	metrics.IncCMEvent(ev.Type.String(), false)

	state := "unknown connection"
	if sc, ok := s.conns[ev.ID]; ok {
		state = sc.ctx.State()
	} else if ev.ID == s.listener {
		state = s.listen.State()
	}

	s.logger.Warnf("Ignoring unexpected event %s (%s)", ev.Type, state)
}

func (s *Server) onConnectRequest(ctx context.Context, ev *verbs.CMEvent) error {
	if ev.Listener != s.listener {
		s.unexpected(ev)
		_ = ev.ID.Reject(nil)
		_ = ev.ID.Destroy()

		return nil
	}

	metrics.IncCMEvent(ev.Type.String(), true)

	conn := connection.New(connection.RoleAccepted, ev.ID)
	_ = conn.Fire(ctx, connection.EventConnectRequest)
	conn.Logger().Infof("Connect request from %s", conn.PeerString())

	if err := s.initShared(ev.ID.Device()); err != nil {
		_ = ev.ID.Reject(nil)
		_ = ev.ID.Destroy()

		return errorhandling.NewPermanentError(err)
	}

	sc := &serverConn{ctx: conn}
	if err := s.accept(sc); err != nil {
		sentry.ReportConnectionError(conn.Logger(), conn.ID, "accept", err)
		_ = conn.Fire(ctx, connection.EventFail)
		_ = ev.ID.Reject(nil)
		s.teardown(sc)
	}

	return nil
}

// initShared creates the protection domain and, for the shared topology, the
// shared receive path. It runs once; later connect requests reuse both.
func (s *Server) initShared(device verbs.Device) error {
	if s.initialized {
		return nil
	}
	if device == nil {
		return errors.New("connect request without device")
	}

	pd, err := device.AllocPD()
	if err != nil {
		return fmt.Errorf("allocate protection domain on %s: %w", device.Name(), err)
	}

	if s.cfg.Topology == TopologyShared {
		path, err := s.newSharedPath(device, pd)
		if err != nil {
			_ = pd.Deallocate()

			return err
		}
		s.shared = path
	}

	s.pd = pd
	s.initialized = true
	s.logger.Infof("Receive resources ready on %s", device.Name())

	return nil
}

func (s *Server) newSharedPath(device verbs.Device, pd verbs.ProtectionDomain) (*receivePath, error) {
	path, err := newReceivePath(device, s.cfg.CQSize)
	if err != nil {
		return nil, err
	}

	srq, err := pd.CreateSRQ(verbs.SRQAttr{MaxWR: s.cfg.PoolDepth, MaxSGE: 1})
	if err != nil {
		_ = path.close(s.logger)

		return nil, fmt.Errorf("create shared receive queue: %w", err)
	}
	path.srq = srq

	if err := path.attachPool(pd, srq, s.cfg.PoolDepth, s.cfg.SlotSize); err != nil {
		_ = path.close(s.logger)

		return nil, err
	}

	s.startDispatcher(path, "shared", s.logger)

	return path, nil
}

func (s *Server) startDispatcher(path *receivePath, name string, log *zap.SugaredLogger) {
	heartbeat := s.heartbeat
	if reg, ok := s.heartbeat.(HeartbeatRegistry); ok {
		beat, release := reg.Register(name)
		heartbeat, path.release = dispatcher.HeartbeatFunc(beat), release
	}

	d := dispatcher.New(path.channel, path.cq, path.pool, s.registry, s.handler, heartbeat, s.cfg.Dispatcher, log)
	path.start(d, s.fatal)
}

// accept creates the queue pair, registers the connection and accepts it.
// On error the caller tears down whatever sc holds.
func (s *Server) accept(sc *serverConn) error {
	id := sc.ctx.CMID()

	attr := verbs.QPAttr{MaxSendWR: s.cfg.MaxSendWR}
	if s.cfg.Topology == TopologyPerConnection {
		path, err := newReceivePath(id.Device(), s.cfg.PerConnectionDepth+s.cfg.MaxSendWR)
		if err != nil {
			return err
		}
		sc.path = path
		attr.SendCQ, attr.RecvCQ = path.cq, path.cq
		attr.MaxRecvWR = s.cfg.PerConnectionDepth
	} else {
		attr.SendCQ, attr.RecvCQ = s.shared.cq, s.shared.cq
		attr.SRQ = s.shared.srq
	}

	qp, err := id.CreateQP(s.pd, attr)
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}
	sc.ctx.AttachQP(qp)

	if sc.path != nil {
		if err := sc.path.attachPool(s.pd, qp, s.cfg.PerConnectionDepth, s.cfg.SlotSize); err != nil {
			return err
		}
		s.startDispatcher(sc.path, fmt.Sprintf("qp %d", qp.Num()), s.logger.With("qp", qp.Num()))
	}

	s.registry.Register(sc.ctx)
	s.conns[id] = sc

	slot := s.slots.acquire()
	sc.ctx.SetSlot(slot)
	if slot == connection.NoSlot {
		sc.ctx.Logger().Warnf("All %d store slots in use, metrics from %s will not be stored", s.cfg.Slots, sc.ctx.PeerString())
	}

	err = id.Accept(verbs.ConnParam{
		InitiatorDepth:     s.cfg.InitiatorDepth,
		ResponderResources: s.cfg.ResponderResources,
		RNRRetryCount:      s.cfg.RNRRetryCount,
	})
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	sc.ctx.Logger().Infof("Accepted %s on qp %d with store slot %d", sc.ctx.PeerString(), qp.Num(), slot)

	return nil
}

func (s *Server) onEstablished(ctx context.Context, ev *verbs.CMEvent) {
	sc, ok := s.conns[ev.ID]
	if !ok || !sc.ctx.Can(connection.EventEstablished) {
		s.unexpected(ev)

		return
	}

	metrics.IncCMEvent(ev.Type.String(), true)
	_ = sc.ctx.Fire(ctx, connection.EventEstablished)
	metrics.ConnectionOpened()
	sc.ctx.Logger().Infof("Connection from %s established", sc.ctx.PeerString())
}

func (s *Server) onDisconnected(ctx context.Context, ev *verbs.CMEvent) {
	sc, ok := s.conns[ev.ID]
	if !ok || !sc.ctx.Can(connection.EventDisconnect) {
		s.unexpected(ev)

		return
	}

	metrics.IncCMEvent(ev.Type.String(), true)

	if sc.ctx.Running() {
		metrics.ConnectionClosed()
	}
	_ = sc.ctx.Fire(ctx, connection.EventDisconnect)
	sc.ctx.Logger().Infof("Connection from %s disconnected", sc.ctx.PeerString())

	s.teardown(sc)
	_ = sc.ctx.Fire(ctx, connection.EventClosed)
}

// teardown releases everything one connection holds. The shared receive
// path and the listener are left alone.
//
// The store slot goes back to the allocator last: the per-connection
// dispatcher is joined first, and SetSlot waits for a store update the
// shared dispatcher may still be running for this connection.
func (s *Server) teardown(sc *serverConn) {
	id := sc.ctx.CMID()

	if qp := sc.ctx.QP(); qp != nil {
		s.registry.Remove(qp.Num())
	}
	delete(s.conns, id)

	if err := id.DestroyQP(); err != nil && !errors.Is(err, verbs.ErrClosed) {
		sc.ctx.Logger().Debugf("Destroying queue pair: %v", err)
	}

	if sc.path != nil {
		_ = sc.path.close(sc.ctx.Logger())
		sc.path = nil
	}

	slot := sc.ctx.Slot()
	sc.ctx.SetSlot(connection.NoSlot)
	if slot != connection.NoSlot {
		if r, ok := s.handler.(SlotReleaser); ok {
			r.ReleaseSlot(slot)
		}
		s.slots.release(slot)
	}

	if err := id.Destroy(); err != nil && !errors.Is(err, verbs.ErrClosed) {
		sc.ctx.Logger().Debugf("Destroying id: %v", err)
	}
}

// ActiveConnections returns the number of accepted connections not yet torn down.
func (s *Server) ActiveConnections() int {
	return s.registry.Len()
}

func (s *Server) shutdown() {
	s.logger.Info("Shutting down connection manager")

	if s.listener != nil {
		_ = s.listener.Destroy()
	}

	for _, sc := range s.conns {
		if sc.ctx.Running() {
			metrics.ConnectionClosed()
		}
		_ = sc.ctx.Fire(context.Background(), connection.EventFail)
		s.teardown(sc)
	}

	if s.shared != nil {
		_ = s.shared.close(s.logger)
		s.shared = nil
	}

	if s.pd != nil {
		if err := s.pd.Deallocate(); err != nil {
			s.logger.Warnf("Deallocating protection domain: %v", err)
		}
		s.pd = nil
	}

	if s.events != nil {
		_ = s.events.Close()
	}

	s.logger.Info("Connection manager stopped")
}
