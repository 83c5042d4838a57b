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

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/bufferpool"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/dispatcher"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// receivePath is a completion channel, its completion queue, a buffer pool
// and the dispatcher draining them. The shared topology has one for all
// connections; the per-connection topology one per connection.
type receivePath struct {
	channel verbs.CompletionChannel
	cq      verbs.CompletionQueue
	srq     verbs.SharedReceiveQueue
	pool    *bufferpool.Pool

	cancel context.CancelFunc
	done   chan error
	// release drops the dispatcher's heartbeat once it is joined
	release func()
}

// start runs the dispatcher. Its result is delivered on done, and a
// non-nil result also on fatal.
func (p *receivePath) start(d *dispatcher.Dispatcher, fatal chan<- error) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := d.Run(ctx)
		if err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
		p.done <- err
	}()
}

// close stops the dispatcher, waits for it and only then releases the pool
// memory and the queues.
func (p *receivePath) close(log *zap.SugaredLogger) error {
	var errs []error

	if p.cancel != nil {
		p.cancel()
		if err := <-p.done; err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
		p.cancel = nil
	}

	if p.release != nil {
		p.release()
		p.release = nil
	}

	if p.pool != nil {
		if err := p.pool.Close(); err != nil && !errors.Is(err, verbs.ErrClosed) {
			errs = append(errs, fmt.Errorf("release buffer pool: %w", err))
		}
	}
	if p.srq != nil {
		if err := p.srq.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy shared receive queue: %w", err))
		}
	}
	if p.cq != nil {
		if err := p.cq.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy completion queue: %w", err))
		}
	}
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close completion channel: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warnf("Releasing receive path: %v", err)
	}

	return err
}

// newReceivePath creates the completion channel and queue. The pool is added
// by the caller once it knows which queue the receives go to.
func newReceivePath(device verbs.Device, cqSize int) (*receivePath, error) {
	channel, err := device.CreateCompletionChannel()
	if err != nil {
		return nil, fmt.Errorf("create completion channel: %w", err)
	}

	cq, err := device.CreateCQ(cqSize, channel)
	if err != nil {
		_ = channel.Close()

		return nil, fmt.Errorf("create completion queue with %d entries: %w", cqSize, err)
	}

	return &receivePath{channel: channel, cq: cq}, nil
}

// attachPool registers a pool of depth slots for receiver and posts all of it.
func (p *receivePath) attachPool(pd verbs.ProtectionDomain, receiver verbs.ReceivePoster, depth, slotSize int) error {
	pool, err := bufferpool.New(pd, receiver, depth, slotSize, metrics.PoolObserver{})
	if err != nil {
		return err
	}
	p.pool = pool

	if err := pool.PostAll(); err != nil {
		return fmt.Errorf("post %d receives: %w", depth, err)
	}

	return nil
}
