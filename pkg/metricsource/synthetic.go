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

// Package metricsource provides the records an agent sends: a synthetic
// generator for tests and demos, and a host source reading the local machine.
package metricsource

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// Synthetic produces random but plausible records.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic returns a generator seeded with seed. Equal seeds produce
// equal sequences.
func NewSynthetic(seed uint64) *Synthetic {
	return &Synthetic{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Collect returns the next record.
func (s *Synthetic) Collect(context.Context) (wire.MetricsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next(), nil
}

func (s *Synthetic) n(max uint32) uint32 {
	return s.rng.Uint32N(max)
}

func (s *Synthetic) pick(a, b uint32) uint32 {
	if s.n(2) == 1 {
		return a
	}

	return b
}

func (s *Synthetic) next() wire.MetricsRecord {
	qos := wire.QoSRequirement{
		LatencyMs: float32(s.n(200)),
		FPS:       20 + s.n(60),
	}

	input := wire.AppFeature{
		Width:     s.pick(1920, 1280),
		Height:    s.pick(1080, 720),
		Framerate: 15 + s.n(45),
		Codec:     s.n(4),
	}

	gpu := wire.GPUResource{
		GPUID:              s.n(8),
		EncoderSessions:    s.n(16),
		EncoderUtilization: float32(s.n(101)),
		DecoderUtilization: float32(s.n(101)),
	}

	return wire.MetricsRecord{
		QoS:   qos,
		Input: input,
		App:   wire.AppInfo{AppID: s.n(1000), Feature: input, QoS: qos},
		GPU:   gpu,
		Node: wire.NodeInfo{
			NodeID:         s.n(100),
			CPUUtilization: float32(s.n(101)),
			GPU:            gpu,
			NodeReady:      1,
			GPUPresent:     uint8(s.n(2)),
			PodCount:       s.n(50),
		},
		LB: wire.LBSignal{Result: uint8(s.n(2))},
		Perf: wire.PerfInfo{
			SessionID:    s.n(10000),
			PID:          s.n(50000),
			AvgLatencyMs: float32(s.n(100)),
			FPS:          20 + s.n(60),
		},
	}
}

// Func adapts a function to a source.
type Func func(ctx context.Context) (wire.MetricsRecord, error)

// Collect calls f.
func (f Func) Collect(ctx context.Context) (wire.MetricsRecord, error) { return f(ctx) }

// Static returns a source that always yields rec.
func Static(rec wire.MetricsRecord) Func {
	return func(context.Context) (wire.MetricsRecord, error) { return rec, nil }
}
