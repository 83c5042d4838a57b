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

package softrdma_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs/softrdma"
)

const addr = "collector:7471"

func nextEvent(ch verbs.EventChannel) *verbs.CMEvent {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := ch.GetEvent(ctx)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return ev
}

func poll(cq verbs.CompletionQueue) []verbs.WorkCompletion {
	wc := make([]verbs.WorkCompletion, 16)
	n, err := cq.Poll(wc)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return wc[:n]
}

type side struct {
	channel verbs.EventChannel
	comp    verbs.CompletionChannel
	id      verbs.CMID
	pd      verbs.ProtectionDomain
	cq      verbs.CompletionQueue
	mr      verbs.MemoryRegion
	qp      verbs.QueuePair
}

var _ = Describe("Soft fabric", func() {
	var (
		fabric *softrdma.Fabric
		server side
		client side
		srq    verbs.SharedReceiveQueue
	)

	connect := func(rnrRetry uint8) {
		var err error

		server.channel, err = fabric.CreateEventChannel()
		Expect(err).NotTo(HaveOccurred())
		listener, err := fabric.CreateID(server.channel)
		Expect(err).NotTo(HaveOccurred())
		Expect(listener.Bind(addr)).To(Succeed())
		Expect(listener.Listen(4)).To(Succeed())

		client.channel, err = fabric.CreateEventChannel()
		Expect(err).NotTo(HaveOccurred())
		client.id, err = fabric.CreateID(client.channel)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.id.ResolveAddr(addr, time.Second)).To(Succeed())
		Expect(nextEvent(client.channel).Type).To(Equal(verbs.EventAddrResolved))
		Expect(client.id.ResolveRoute(time.Second)).To(Succeed())
		Expect(nextEvent(client.channel).Type).To(Equal(verbs.EventRouteResolved))

		dev := client.id.Device()
		Expect(dev).NotTo(BeNil())
		client.pd, _ = dev.AllocPD()
		client.cq, _ = dev.CreateCQ(16, nil)
		client.mr, err = client.pd.RegisterMemory(make([]byte, 256), verbs.AccessLocalWrite)
		Expect(err).NotTo(HaveOccurred())
		client.qp, err = client.id.CreateQP(client.pd, verbs.QPAttr{SendCQ: client.cq, RecvCQ: client.cq, MaxSendWR: 4, MaxRecvWR: 4})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.id.Connect(verbs.ConnParam{RetryCount: 7, RNRRetryCount: rnrRetry})).To(Succeed())

		req := nextEvent(server.channel)
		Expect(req.Type).To(Equal(verbs.EventConnectRequest))
		Expect(req.Param.RNRRetryCount).To(Equal(rnrRetry))
		server.id = req.ID

		sdev := server.id.Device()
		server.pd, _ = sdev.AllocPD()
		server.comp, err = sdev.CreateCompletionChannel()
		Expect(err).NotTo(HaveOccurred())
		server.cq, err = sdev.CreateCQ(64, server.comp)
		Expect(err).NotTo(HaveOccurred())
		server.mr, err = server.pd.RegisterMemory(make([]byte, 4*64), verbs.AccessLocalWrite)
		Expect(err).NotTo(HaveOccurred())
		srq, err = server.pd.CreateSRQ(verbs.SRQAttr{MaxWR: 4})
		Expect(err).NotTo(HaveOccurred())
		server.qp, err = server.id.CreateQP(server.pd, verbs.QPAttr{SendCQ: server.cq, RecvCQ: server.cq, SRQ: srq, MaxSendWR: 4})
		Expect(err).NotTo(HaveOccurred())
		Expect(server.id.Accept(verbs.ConnParam{InitiatorDepth: 1, ResponderResources: 1, RNRRetryCount: 7})).To(Succeed())

		Expect(nextEvent(server.channel).Type).To(Equal(verbs.EventEstablished))
		Expect(nextEvent(client.channel).Type).To(Equal(verbs.EventEstablished))
	}

	send := func(text string, wrID uint64) {
		n := copy(client.mr.Buffer(), text)
		Expect(client.qp.PostSend(verbs.SendWR{WRID: wrID, SGE: verbs.SGE{MR: client.mr, Length: n}, Signaled: true})).To(Succeed())
	}

	BeforeEach(func() {
		fabric = softrdma.New(softrdma.NewMemoryNetwork(), softrdma.WithLogger(zap.NewNop().Sugar()), softrdma.WithRNRTimer(time.Millisecond))
	})

	It("delivers a send into a posted shared receive and completes it on both sides", func() {
		connect(7)
		Expect(srq.PostRecv(verbs.RecvWR{WRID: 2, SGE: verbs.SGE{MR: server.mr, Offset: 64, Length: 64}})).To(Succeed())

		send("hello", 99)

		Eventually(func() []verbs.WorkCompletion { return poll(client.cq) }).Should(ConsistOf(
			verbs.WorkCompletion{WRID: 99, Status: verbs.WCSuccess, Opcode: verbs.OpSend, ByteLen: 5, QPNum: client.qp.Num()},
		))

		wcs := poll(server.cq)
		Expect(wcs).To(ConsistOf(verbs.WorkCompletion{WRID: 2, Status: verbs.WCSuccess, Opcode: verbs.OpRecv, ByteLen: 5, QPNum: server.qp.Num()}))
		Expect(string(server.mr.Buffer()[64:69])).To(Equal("hello"))
		Expect(srq.Outstanding()).To(Equal(0))
	})

	It("holds a send until a receive is posted when RNR retries are unlimited", func() {
		connect(7)
		send("late", 1)

		Consistently(func() []verbs.WorkCompletion { return poll(client.cq) }, 50*time.Millisecond).Should(BeEmpty())

		Expect(srq.PostRecv(verbs.RecvWR{WRID: 0, SGE: verbs.SGE{MR: server.mr, Length: 64}})).To(Succeed())
		Eventually(func() []verbs.WorkCompletion { return poll(client.cq) }).Should(HaveLen(1))
	})

	It("fails the send after the RNR retries are used up", func() {
		connect(0)
		send("nobody listens", 5)

		var wcs []verbs.WorkCompletion
		Eventually(func() []verbs.WorkCompletion {
			wcs = append(wcs, poll(client.cq)...)
			return wcs
		}).Should(HaveLen(1))
		Expect(wcs[0].Status).To(Equal(verbs.WCRNRRetryExceeded))
	})

	It("fires the completion channel once per arm", func() {
		connect(7)
		for i := range 2 {
			Expect(srq.PostRecv(verbs.RecvWR{WRID: uint64(i), SGE: verbs.SGE{MR: server.mr, Offset: i * 64, Length: 64}})).To(Succeed())
		}

		wait := func(d time.Duration) (verbs.CompletionQueue, error) {
			ctx, cancel := context.WithTimeout(context.Background(), d)
			defer cancel()

			return server.comp.GetCQEvent(ctx)
		}

		Expect(server.cq.RequestNotify()).To(Succeed())
		send("one", 1)

		cq, err := wait(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(cq).To(BeIdenticalTo(server.cq))
		cq.AckEvents(1)

		send("two", 2)
		var sent []verbs.WorkCompletion
		Eventually(func() []verbs.WorkCompletion {
			sent = append(sent, poll(client.cq)...)
			return sent
		}).Should(HaveLen(2))

		_, err = wait(50 * time.Millisecond)
		Expect(verbs.IsTimeout(err)).To(BeTrue())
		Expect(poll(server.cq)).To(HaveLen(2))
	})

	It("reports the disconnect to both sides and flushes outstanding sends", func() {
		connect(7)
		send("stuck", 3)

		Expect(client.id.Disconnect()).To(Succeed())
		Expect(nextEvent(client.channel).Type).To(Equal(verbs.EventDisconnected))
		Expect(nextEvent(server.channel).Type).To(Equal(verbs.EventDisconnected))

		Eventually(func() []verbs.WorkCompletion { return poll(client.cq) }).Should(ContainElement(
			HaveField("Status", verbs.WCFlushError),
		))

		Expect(server.id.DestroyQP()).To(Succeed())
		Expect(server.id.Destroy()).To(Succeed())
		Expect(client.id.Destroy()).To(Succeed())
	})

	It("reports an unreachable peer", func() {
		ch, _ := fabric.CreateEventChannel()
		id, _ := fabric.CreateID(ch)
		Expect(id.ResolveAddr("nowhere:1", time.Second)).To(Succeed())
		Expect(nextEvent(ch).Type).To(Equal(verbs.EventAddrResolved))
		Expect(id.ResolveRoute(time.Second)).To(Succeed())
		Expect(nextEvent(ch).Type).To(Equal(verbs.EventRouteResolved))

		pd, _ := id.Device().AllocPD()
		cq, _ := id.Device().CreateCQ(4, nil)
		_, err := id.CreateQP(pd, verbs.QPAttr{SendCQ: cq, RecvCQ: cq, MaxSendWR: 1, MaxRecvWR: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(id.Connect(verbs.ConnParam{})).To(Succeed())

		ev := nextEvent(ch)
		Expect(ev.Type).To(Equal(verbs.EventUnreachable))
		Expect(ev.Err).To(MatchError(softrdma.ErrNoListener))
	})
})
