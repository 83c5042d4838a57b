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

// Package sampler pushes metrics records from a source to the collector at a
// fixed interval, one frame in flight at a time.
package sampler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// Source produces the next record. Values are passed on as they are.
type Source interface {
	Collect(ctx context.Context) (wire.MetricsRecord, error)
}

// Sender transmits frames encoded into its registered buffer.
type Sender interface {
	Buffer() []byte
	// Send transmits the first n bytes of Buffer and returns once the
	// transport completed the send.
	Send(ctx context.Context, n int) error
}

// Config configures the sampler.
type Config struct {
	Interval     time.Duration
	StreamID     uint32
	MaxFrameSize int
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     constants.DefaultSampleInterval,
		StreamID:     constants.DefaultStreamID,
		MaxFrameSize: constants.MaxFrameSize,
	}
}

// Sampler is the agent's send loop.
type Sampler struct {
	cfg    Config
	source Source
	sender Sender
	logger *zap.SugaredLogger
}

// New creates a sampler.
func New(cfg Config, source Source, sender Sender, log *zap.SugaredLogger) *Sampler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}

	return &Sampler{cfg: cfg, source: source, sender: sender, logger: log}
}

// Run samples and sends until ctx is cancelled, which returns nil. A failed
// or timed out send ends the loop with that error; there is no retry here.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Infof("Sampling every %s on stream %d", s.cfg.Interval, s.cfg.StreamID)

	for {
		if err := s.SampleOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errorhandling.IsTransientError(err) {
				s.logger.Warnf("Skipping sample: %v", err)
			} else {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce collects one record, encodes it and sends it. Source failures
// are transient; encoding and send failures are permanent.
func (s *Sampler) SampleOnce(ctx context.Context) error {
	rec, err := s.source.Collect(ctx)
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentSampler)

		return errorhandling.NewTransientError(fmt.Errorf("collect metrics: %w", err))
	}

	n, err := wire.EncodeMetrics(s.sender.Buffer(), s.cfg.StreamID, &rec, s.cfg.MaxFrameSize)
	if err != nil {
		return errorhandling.NewPermanentError(fmt.Errorf("encode metrics: %w", err))
	}

	if err := s.sender.Send(ctx, n); err != nil {
		metrics.IncSendFailures()

		return errorhandling.NewPermanentError(fmt.Errorf("send metrics: %w", err))
	}

	metrics.IncSamplesSent()
	s.logger.Debugf("Sent %d byte metrics frame (node %d, cpu %.1f%%)", n, rec.Node.NodeID, rec.Node.CPUUtilization)

	return nil
}
