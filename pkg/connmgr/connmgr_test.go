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

package connmgr_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connection"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connmgr"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/dispatcher"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/errorhandling"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/exposition"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/ingest"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metricsource"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sampler"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/starvationchecker"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/store"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs/softrdma"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

const collectorAddr = "collector:7471"

// textLog records the text frames a server handed to its handler.
type textLog struct {
	mu    sync.Mutex
	texts []string
	gate  chan struct{}
}

func (t *textLog) HandleReceive(_ *connection.Context, data []byte) error {
	if t.gate != nil {
		<-t.gate
	}

	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.texts = append(t.texts, string(msg.Text))
	t.mu.Unlock()

	return nil
}

func (t *textLog) received() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.texts...)
}

func serverConfig() connmgr.ServerConfig {
	cfg := connmgr.DefaultServerConfig()
	cfg.ListenAddr = collectorAddr
	cfg.PoolDepth = 16
	cfg.PerConnectionDepth = 8
	cfg.CQSize = 64
	cfg.Slots = 4
	cfg.EventTimeout = 20 * time.Millisecond
	cfg.Dispatcher = dispatcher.Config{PollTimeout: 20 * time.Millisecond, BatchSize: 8}

	return cfg
}

func clientConfig() connmgr.ClientConfig {
	cfg := connmgr.DefaultClientConfig()
	cfg.ServerAddr = collectorAddr
	cfg.ResolveTimeout = time.Second
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SendTimeout = 2 * time.Second

	return cfg
}

func sendText(c *connmgr.Client, text string) error {
	n, err := wire.EncodeText(c.Buffer(), 1, []byte(text), constants.MaxFrameSize)
	if err != nil {
		return err
	}

	return c.Send(context.Background(), n)
}

var _ = Describe("Connection manager", func() {
	var (
		fabric  *softrdma.Fabric
		log     *zap.SugaredLogger
		server  *connmgr.Server
		cancel  context.CancelFunc
		stopped chan error
		clients []*connmgr.Client
	)

	startServerWith := func(cfg connmgr.ServerConfig, handler dispatcher.Handler, heartbeat dispatcher.Heartbeat) {
		server = connmgr.NewServer(cfg, fabric, handler, heartbeat, log)
		Expect(server.Listen()).To(Succeed())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		stopped = make(chan error, 1)

		go func() { stopped <- server.Run(ctx) }()
	}

	startServer := func(cfg connmgr.ServerConfig, handler dispatcher.Handler) {
		startServerWith(cfg, handler, nil)
	}

	dial := func() *connmgr.Client {
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()

		c, err := connmgr.Dial(ctx, fabric, clientConfig(), log)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		clients = append(clients, c)

		return c
	}

	slots := func() []int {
		var out []int
		for _, c := range server.Registry().All() {
			out = append(out, c.Slot())
		}

		return out
	}

	BeforeEach(func() {
		log = zap.NewNop().Sugar()
		fabric = softrdma.New(softrdma.NewMemoryNetwork(), softrdma.WithLogger(log), softrdma.WithRNRTimer(time.Millisecond))
		clients = nil
	})

	AfterEach(func() {
		for _, c := range clients {
			_ = c.Close()
		}
		if cancel != nil {
			cancel()
			Eventually(stopped, 3*time.Second).Should(Receive(BeNil()))
			cancel = nil
		}
	})

	It("accepts an agent into the lowest free slot and releases it on disconnect", func() {
		startServer(serverConfig(), &textLog{})

		first := dial()
		Expect(first.Connection().State()).To(Equal(connection.StateEstablished))
		Eventually(server.ActiveConnections).Should(Equal(1))
		Expect(slots()).To(ConsistOf(0))

		second := dial()
		Eventually(server.ActiveConnections).Should(Equal(2))
		Expect(slots()).To(ConsistOf(0, 1))

		Expect(first.Close()).To(Succeed())
		Eventually(server.ActiveConnections).Should(Equal(1))
		Expect(slots()).To(ConsistOf(1))

		dial()
		Eventually(server.ActiveConnections).Should(Equal(2))
		Expect(slots()).To(ConsistOf(0, 1))

		Expect(second.Close()).To(Succeed())
	})

	It("accepts agents beyond the store capacity without a slot", func() {
		cfg := serverConfig()
		cfg.Slots = 1
		startServer(cfg, &textLog{})

		dial()
		dial()
		Eventually(server.ActiveConnections).Should(Equal(2))
		Expect(slots()).To(ConsistOf(0, connection.NoSlot))
	})

	It("fails permanently when nothing listens at the address", func() {
		cfg := clientConfig()
		cfg.ServerAddr = "nowhere:1"
		cfg.ConnectTimeout = 500 * time.Millisecond

		_, err := connmgr.Dial(context.Background(), fabric, cfg, log)
		Expect(err).To(HaveOccurred())
		Expect(errorhandling.IsPermanentError(err)).To(BeTrue())
	})

	It("marks the client lost when the collector goes away", func() {
		startServer(serverConfig(), &textLog{})
		c := dial()
		Eventually(server.ActiveConnections).Should(Equal(1))

		cancel()
		Eventually(stopped, 3*time.Second).Should(Receive(BeNil()))
		cancel = nil

		Eventually(c.Done(), 3*time.Second).Should(BeClosed())
		Expect(errorhandling.IsPermanentError(sendText(c, "late"))).To(BeTrue())
	})

	It("holds a send that finds no posted receive until the handler frees a slot", func() {
		cfg := serverConfig()
		cfg.PoolDepth = 4
		handler := &textLog{gate: make(chan struct{})}
		startServer(cfg, handler)

		c := dial()
		for i := 1; i <= 4; i++ {
			Expect(sendText(c, fmt.Sprintf("frame-%d", i))).To(Succeed())
		}

		fifth := make(chan error, 1)
		go func() { fifth <- sendText(c, "frame-5") }()
		Consistently(fifth, 100*time.Millisecond).ShouldNot(Receive())

		close(handler.gate)
		Eventually(fifth, 3*time.Second).Should(Receive(BeNil()))
		Eventually(handler.received).Should(Equal([]string{"frame-1", "frame-2", "frame-3", "frame-4", "frame-5"}))
	})

	It("runs a dispatcher per connection in the per-connection topology", func() {
		cfg := serverConfig()
		cfg.Topology = connmgr.TopologyPerConnection
		handler := &textLog{}
		startServer(cfg, handler)

		a, b := dial(), dial()
		Expect(sendText(a, "from-a")).To(Succeed())
		Expect(sendText(b, "from-b")).To(Succeed())
		Eventually(handler.received).Should(ConsistOf("from-a", "from-b"))

		Expect(a.Close()).To(Succeed())
		Eventually(server.ActiveConnections).Should(Equal(1))
		Expect(sendText(b, "still-here")).To(Succeed())
		Eventually(handler.received).Should(ContainElement("still-here"))
	})

	Describe("dispatcher heartbeats", func() {
		var checker *starvationchecker.StarvationChecker

		BeforeEach(func() {
			checker = starvationchecker.NewStarvationChecker(300 * time.Millisecond)
			DeferCleanup(checker.Stop)
		})

		It("stays healthy after the last per-connection dispatcher is gone", func() {
			cfg := serverConfig()
			cfg.Topology = connmgr.TopologyPerConnection
			handler := &textLog{}
			startServerWith(cfg, handler, checker)

			c := dial()
			Expect(sendText(c, "hello")).To(Succeed())
			Eventually(handler.received).Should(ContainElement("hello"))
			Expect(checker.GetLastBeat().IsZero()).To(BeFalse())

			Expect(c.Close()).To(Succeed())
			Eventually(server.ActiveConnections).Should(BeZero())

			Consistently(checker.Check, 600*time.Millisecond, 50*time.Millisecond).Should(Succeed())
		})

		It("reports a stuck per-connection dispatcher while another keeps beating", func() {
			cfg := serverConfig()
			cfg.Topology = connmgr.TopologyPerConnection
			handler := &textLog{gate: make(chan struct{})}
			startServerWith(cfg, handler, checker)
			defer close(handler.gate)

			stuck := dial()
			dial()
			Eventually(server.ActiveConnections).Should(Equal(2))

			Expect(sendText(stuck, "blocks")).To(Succeed())
			Eventually(checker.Check, 2*time.Second, 50*time.Millisecond).Should(MatchError(ContainSubstring("completion dispatcher qp ")))
		})
	})

	Describe("end to end with the store and the scrape endpoint", func() {
		var (
			st        *store.Store
			responder *exposition.Responder
			scrapeURL string
		)

		BeforeEach(func() {
			st = store.New(4)
			startServer(serverConfig(), ingest.NewSink(st, log))

			responder = exposition.New(exposition.Config{Addr: "127.0.0.1:0"}, st, log)
			Expect(responder.Listen()).To(Succeed())
			scrapeURL = fmt.Sprintf("http://%s%s", responder.Addr(), constants.DefaultExpositionPath)

			ctx, stop := context.WithCancel(context.Background())
			go func() { _ = responder.Serve(ctx) }()
			DeferCleanup(stop)
		})

		scrape := func() string {
			resp, err := http.Get(scrapeURL)
			if err != nil {
				return ""
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)

			return string(body)
		}

		record := wire.MetricsRecord{Node: wire.NodeInfo{NodeID: 7, CPUUtilization: 73.5, NodeReady: 1, PodCount: 9}}

		It("exposes a record sent by an agent", func() {
			c := dial()

			s := sampler.New(sampler.Config{StreamID: 1}, metricsource.Static(record), c, log)
			Expect(s.SampleOnce(context.Background())).To(Succeed())

			Eventually(scrape).Should(ContainSubstring(`node_cpu_utilization_percent{queue="0",node_id="7",pod="9"} 73.5`))
			Expect(scrape()).To(ContainSubstring(`node_ready{queue="0",node_id="7",pod="9"} 1`))
		})

		It("clears the slot of a disconnected agent before handing it out again", func() {
			c := dial()
			s := sampler.New(sampler.Config{StreamID: 1}, metricsource.Static(record), c, log)
			Expect(s.SampleOnce(context.Background())).To(Succeed())
			Eventually(st.Valid).Should(Equal(1))

			Expect(c.Close()).To(Succeed())
			Eventually(server.ActiveConnections).Should(BeZero())
			Expect(st.Valid()).To(BeZero())

			dial()
			Eventually(server.ActiveConnections).Should(Equal(1))
			Expect(slots()).To(ConsistOf(0))
			Consistently(scrape, 100*time.Millisecond).ShouldNot(ContainSubstring(`node_id="7"`))
		})

		It("drops a truncated frame and keeps the connection for the next one", func() {
			c := dial()

			n, err := wire.EncodeMetrics(c.Buffer(), 1, &record, constants.MaxFrameSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Send(context.Background(), n-16)).To(Succeed())

			Consistently(st.Valid, 100*time.Millisecond).Should(BeZero())

			n, err = wire.EncodeMetrics(c.Buffer(), 1, &record, constants.MaxFrameSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Send(context.Background(), n)).To(Succeed())

			Eventually(st.Valid).Should(Equal(1))
			got, ok := st.Snapshot(0)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(record))
		})
	})
})
