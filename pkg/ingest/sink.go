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

// Package ingest turns received buffers into store updates.
package ingest

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// Updater stores the latest record of a slot.
type Updater interface {
	Update(slot int, record wire.MetricsRecord) error
}

// Clearer drops the record of a slot.
type Clearer interface {
	Clear(slot int)
}

// Sink decodes buffers handed over by the dispatcher.
type Sink struct {
	store  Updater
	logger *zap.SugaredLogger
}

// NewSink returns a sink writing into store.
func NewSink(store Updater, log *zap.SugaredLogger) *Sink {
	return &Sink{store: store, logger: log}
}

// HandleReceive decodes data and applies it. Malformed frames come back as
// ignored errors; the connection that sent them stays usable.
func (s *Sink) HandleReceive(conn *connection.Context, data []byte) error {
	peer := "anonymous"
	if conn != nil {
		peer = conn.PeerString()
	}

	msg, err := wire.Decode(data)
	if err != nil {
		metrics.IncMalformedFrames(reason(err))
		s.logger.Warnf("Dropping malformed frame (%d bytes) from %s: %v", len(data), peer, err)

		return errorhandling.NewIgnoredError(err)
	}

	metrics.IncFrames(msg.Kind.String())

	switch msg.Kind {
	case wire.KindUnframed:
		s.logger.Infof("Received text from %s: %s", peer, printable(msg.Text))
	case wire.KindText:
		s.logger.Infof("Received text on stream %d from %s: %s", msg.Frame.StreamID, peer, printable(msg.Text))
	case wire.KindMetrics:
		return s.storeMetrics(conn, peer, msg)
	}

	return nil
}

func (s *Sink) storeMetrics(conn *connection.Context, peer string, msg wire.Message) error {
	rec := &msg.Metrics
	s.logger.Debugf("Metrics on stream %d from %s: app=%d node=%d cpu=%.1f%% gpu=%d enc=%.1f%% dec=%.1f%% latency=%.2fms fps=%d",
		msg.Frame.StreamID, peer, rec.App.AppID, rec.Node.NodeID, rec.Node.CPUUtilization,
		rec.Node.GPU.GPUID, rec.Node.GPU.EncoderUtilization, rec.Node.GPU.DecoderUtilization,
		rec.Perf.AvgLatencyMs, rec.Perf.FPS)

	if conn == nil {
		s.logger.Debugf("Not storing metrics from %s: unknown source", peer)

		return nil
	}

	return conn.WithSlot(func(slot int) error {
		if slot == connection.NoSlot {
			s.logger.Debugf("Not storing metrics from %s: connection has no store slot", peer)

			return nil
		}

		if err := s.store.Update(slot, msg.Metrics); err != nil {
			return fmt.Errorf("store metrics from %s: %w", peer, err)
		}

		return nil
	})
}

// ReleaseSlot forgets the record of a slot whose connection is gone, so a
// later connection handed the same slot does not inherit it. It is a no-op
// when the store cannot clear slots.
func (s *Sink) ReleaseSlot(slot int) {
	if slot == connection.NoSlot {
		return
	}

	if c, ok := s.store.(Clearer); ok {
		c.Clear(slot)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, wire.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, wire.ErrShortMetrics):
		return "short_metrics"
	case errors.Is(err, wire.ErrFrameTooLarge):
		return "too_large"
	default:
		return "invalid"
	}
}

// printable drops the NUL padding C senders leave behind.
func printable(text []byte) string {
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}

	return string(text)
}
