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

// Package dispatcher drains a completion queue and hands received buffers to
// a Handler. One dispatcher serves every connection whose queue pair shares
// its completion queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/bufferpool"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// Handler consumes one received buffer. conn is nil when the completion came
// from a queue pair that is not registered. data is only valid during the call.
type Handler interface {
	HandleReceive(conn *connection.Context, data []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *connection.Context, data []byte) error

func (f HandlerFunc) HandleReceive(conn *connection.Context, data []byte) error {
	return f(conn, data)
}

// Lookup resolves a queue pair number to its connection.
type Lookup interface {
	Lookup(qpNum uint32) (*connection.Context, bool)
}

// Heartbeat is told about every wake of the dispatcher.
type Heartbeat interface {
	Beat()
}

// HeartbeatFunc adapts a plain function to Heartbeat.
type HeartbeatFunc func()

// Beat calls f.
func (f HeartbeatFunc) Beat() { f() }

// Config tunes the dispatcher loop.
type Config struct {
	// PollTimeout bounds the wait for a completion queue event so the loop
	// notices cancellation.
	PollTimeout time.Duration
	// BatchSize is the number of completions polled at once.
	BatchSize int
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		PollTimeout: constants.DefaultPollTimeout,
		BatchSize:   constants.DefaultPollBatch,
	}
}

// Dispatcher is the single consumer of one completion queue.
type Dispatcher struct {
	channel   verbs.CompletionChannel
	cq        verbs.CompletionQueue
	pool      *bufferpool.Pool
	lookup    Lookup
	handler   Handler
	heartbeat Heartbeat
	cfg       Config
	logger    *zap.SugaredLogger
	wc        []verbs.WorkCompletion
}

// New creates a dispatcher for cq, which must deliver its events on channel.
// heartbeat may be nil.
func New(
	channel verbs.CompletionChannel,
	cq verbs.CompletionQueue,
	pool *bufferpool.Pool,
	lookup Lookup,
	handler Handler,
	heartbeat Heartbeat,
	cfg Config,
	log *zap.SugaredLogger,
) *Dispatcher {
	def := DefaultConfig()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &Dispatcher{
		channel:   channel,
		cq:        cq,
		pool:      pool,
		lookup:    lookup,
		handler:   handler,
		heartbeat: heartbeat,
		cfg:       cfg,
		logger:    log,
		wc:        make([]verbs.WorkCompletion, cfg.BatchSize),
	}
}

// Run arms the completion queue and processes completions until ctx is
// cancelled or the completion channel is closed. It returns nil on a clean
// stop and a permanent error when the queue cannot be armed or polled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.cq.RequestNotify(); err != nil {
		return errorhandling.NewPermanentError(fmt.Errorf("arm completion queue: %w", err))
	}

	// completions that arrived before the first arm never fire the channel
	if err := d.drain(d.cq); err != nil {
		return err
	}

	d.logger.Infof("Dispatcher started (poll timeout %s, batch %d)", d.cfg.PollTimeout, d.cfg.BatchSize)

	for {
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped")

			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
		cq, err := d.channel.GetCQEvent(waitCtx)
		cancel()

		d.beat()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				continue
			case verbs.IsTimeout(err):
				continue
			case errors.Is(err, verbs.ErrClosed):
				d.logger.Info("Completion channel closed, dispatcher stopped")

				return nil
			default:
				return errorhandling.NewPermanentError(fmt.Errorf("wait for completion event: %w", err))
			}
		}

		cq.AckEvents(1)

		if err := cq.RequestNotify(); err != nil {
			return errorhandling.NewPermanentError(fmt.Errorf("re-arm completion queue: %w", err))
		}

		if err := d.drain(cq); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) beat() {
	if d.heartbeat != nil {
		d.heartbeat.Beat()
	}
}

// drain polls cq until it is empty.
func (d *Dispatcher) drain(cq verbs.CompletionQueue) error {
	for {
		n, err := cq.Poll(d.wc)
		if err != nil {
			return errorhandling.NewPermanentError(fmt.Errorf("poll completion queue: %w", err))
		}

		for i := range n {
			d.process(d.wc[i])
		}

		if n < len(d.wc) {
			return nil
		}
	}
}

func (d *Dispatcher) process(wc verbs.WorkCompletion) {
	metrics.IncCompletions(wc.Opcode.String(), wc.Status.String())

	if wc.Status != verbs.WCSuccess {
		if wc.Status == verbs.WCFlushError {
			d.logger.Debugf("Completion wr_id=%d qp=%d opcode=%s flushed", wc.WRID, wc.QPNum, wc.Opcode)
		} else {
			d.logger.Warnf("Completion wr_id=%d qp=%d opcode=%s failed: %s", wc.WRID, wc.QPNum, wc.Opcode, wc.Status)
			metrics.IncErrorCount(metrics.ComponentDispatcher)
		}

		if wc.Opcode != verbs.OpRecv {
			return
		}

		var err error
		if wc.Status == verbs.WCFlushError {
			err = d.pool.Retire(wc.WRID)
		} else {
			err = d.pool.Recover(wc.WRID)
		}
		if err != nil {
			d.logger.Warnf("Could not return slot %d: %v", wc.WRID, err)
		}

		return
	}

	if wc.Opcode != verbs.OpRecv {
		d.logger.Debugf("Ignoring %s completion wr_id=%d qp=%d", wc.Opcode, wc.WRID, wc.QPNum)

		return
	}

	conn, ok := d.lookup.Lookup(wc.QPNum)
	if !ok {
		d.logger.Debugf("Completion from unregistered qp=%d, decoding as anonymous source", wc.QPNum)
	}

	if err := d.handle(conn, wc); err != nil {
		if errorhandling.IsIgnoredError(err) {
			d.logger.Debugf("Dropped buffer from qp=%d: %v", wc.QPNum, err)

			return
		}

		d.logger.Warnf("Handling completion wr_id=%d qp=%d: %v", wc.WRID, wc.QPNum, err)
		metrics.IncErrorCount(metrics.ComponentDispatcher)
	}
}

// handle runs the handler on the slot. The pool reposts the slot even when the
// handler panics; the panic is turned into an error so the loop keeps going.
func (d *Dispatcher) handle(conn *connection.Context, wc verbs.WorkCompletion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return d.pool.Handle(wc.WRID, wc.ByteLen, func(data []byte) error {
		return d.handler.HandleReceive(conn, data)
	})
}
