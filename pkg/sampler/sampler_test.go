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

package sampler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sampler"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

type sourceFunc func(ctx context.Context) (wire.MetricsRecord, error)

func (f sourceFunc) Collect(ctx context.Context) (wire.MetricsRecord, error) { return f(ctx) }

// fakeSender decodes what it is asked to send.
type fakeSender struct {
	mu     sync.Mutex
	buf    []byte
	frames []wire.Message
	fail   error
	closed chan struct{}
	once   sync.Once
}

func newFakeSender() *fakeSender {
	return &fakeSender{buf: make([]byte, constants.MaxFrameSize), closed: make(chan struct{})}
}

func (f *fakeSender) Buffer() []byte { return f.buf }

func (f *fakeSender) Send(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return f.fail
	}

	msg, err := wire.Decode(append([]byte(nil), f.buf[:n]...))
	if err != nil {
		return err
	}
	f.frames = append(f.frames, msg)

	return nil
}

func (f *fakeSender) sent() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]wire.Message(nil), f.frames...)
}

func (f *fakeSender) Done() <-chan struct{} { return f.closed }

func (f *fakeSender) Close() error {
	f.once.Do(func() { close(f.closed) })

	return nil
}

func fixedSource(cpu float32) sampler.Source {
	return sourceFunc(func(context.Context) (wire.MetricsRecord, error) {
		return wire.MetricsRecord{Node: wire.NodeInfo{NodeID: 7, CPUUtilization: cpu}}, nil
	})
}

var _ = Describe("Sampler", func() {
	var (
		sender *fakeSender
		log    *zap.SugaredLogger
		cfg    sampler.Config
	)

	BeforeEach(func() {
		sender = newFakeSender()
		log = zap.NewNop().Sugar()
		cfg = sampler.Config{Interval: 10 * time.Millisecond, StreamID: 5, MaxFrameSize: constants.MaxFrameSize}
	})

	It("sends one METRICS frame per tick on the configured stream", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s := sampler.New(cfg, fixedSource(73.5), sender, log)
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		Eventually(func() int { return len(sender.sent()) }, time.Second).Should(BeNumerically(">=", 3))
		cancel()
		Eventually(done, time.Second).Should(Receive(BeNil()))

		msg := sender.sent()[0]
		Expect(msg.Kind).To(Equal(wire.KindMetrics))
		Expect(msg.Frame.StreamID).To(Equal(uint32(5)))
		Expect(msg.Metrics.Node.CPUUtilization).To(Equal(float32(73.5)))
	})

	It("ends the loop on a failed send", func() {
		sender.fail = errors.New("completion with error")
		s := sampler.New(cfg, fixedSource(1), sender, log)

		err := s.Run(context.Background())
		Expect(err).To(MatchError(ContainSubstring("completion with error")))
		Expect(errorhandling.IsPermanentError(err)).To(BeTrue())
	})

	It("skips ticks whose source fails", func() {
		var calls int
		var mu sync.Mutex
		src := sourceFunc(func(context.Context) (wire.MetricsRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls%2 == 1 {
				return wire.MetricsRecord{}, errors.New("sensor busy")
			}

			return wire.MetricsRecord{}, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s := sampler.New(cfg, src, sender, log)
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		Eventually(func() int { return len(sender.sent()) }, time.Second).Should(BeNumerically(">=", 2))
		cancel()
		Eventually(done, time.Second).Should(Receive(BeNil()))
	})

	It("refuses frames beyond the maximum frame size", func() {
		cfg.MaxFrameSize = wire.HeaderSize + 10
		s := sampler.New(cfg, fixedSource(1), sender, log)

		err := s.SampleOnce(context.Background())
		Expect(err).To(MatchError(wire.ErrFrameTooLarge))
		Expect(sender.sent()).To(BeEmpty())
	})
})
