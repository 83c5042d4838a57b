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

package bufferpool_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/bufferpool"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs/softrdma"
)

// recordingPoster stands in for a receive queue and remembers what was posted.
type recordingPoster struct {
	mu    sync.Mutex
	posts []verbs.RecvWR
	fail  error
}

func (r *recordingPoster) PostRecv(wr verbs.RecvWR) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail != nil {
		return r.fail
	}
	r.posts = append(r.posts, wr)

	return nil
}

func (r *recordingPoster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.posts)
}

var _ = Describe("Pool", func() {
	var (
		pd     verbs.ProtectionDomain
		poster *recordingPoster
		pool   *bufferpool.Pool
	)

	invariant := func() {
		ExpectWithOffset(1, pool.Posted()+pool.Decoding()).To(Equal(pool.Size()))
		ExpectWithOffset(1, pool.Posted()).To(BeNumerically(">=", 0))
	}

	BeforeEach(func() {
		var err error
		fabric := softrdma.New(softrdma.NewMemoryNetwork(), softrdma.WithLogger(zap.NewNop().Sugar()))
		pd, err = fabric.Device().AllocPD()
		Expect(err).NotTo(HaveOccurred())

		poster = &recordingPoster{}
		pool, err = bufferpool.New(pd, poster, 4, 64, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.PostAll()).To(Succeed())
	})

	It("posts every slot with its index as work request id", func() {
		Expect(pool.Posted()).To(Equal(4))
		Expect(poster.posts).To(HaveLen(4))
		for i, wr := range poster.posts {
			Expect(wr.WRID).To(Equal(uint64(i)))
			Expect(wr.SGE.Offset).To(Equal(i * 64))
			Expect(wr.SGE.Length).To(Equal(64))
		}
	})

	It("hands out exactly the received bytes and reposts afterwards", func() {
		copy(poster.posts[2].SGE.MR.Buffer()[128:], "payload")

		err := pool.Handle(2, 7, func(data []byte) error {
			Expect(string(data)).To(Equal("payload"))
			Expect(pool.State(2)).To(Equal(bufferpool.SlotDecoding))
			Expect(pool.Decoding()).To(Equal(1))
			invariant()

			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.State(2)).To(Equal(bufferpool.SlotPosted))
		Expect(poster.count()).To(Equal(5))
		invariant()
	})

	It("reposts when decoding fails", func() {
		decodeErr := errors.New("bad frame") //nolint:err113 // Test needs dynamic error
		err := pool.Handle(1, 10, func([]byte) error { return decodeErr })
		Expect(err).To(MatchError(decodeErr))
		Expect(pool.State(1)).To(Equal(bufferpool.SlotPosted))
		invariant()
	})

	It("reposts when the handler panics", func() {
		Expect(func() {
			_ = pool.Handle(0, 10, func([]byte) error { panic("boom") })
		}).To(PanicWith("boom"))
		Expect(pool.State(0)).To(Equal(bufferpool.SlotPosted))
		invariant()
	})

	It("keeps full capacity when every slot completes before any repost", func() {
		var nest func(i int) error
		nest = func(i int) error {
			if i == pool.Size() {
				Expect(pool.Posted()).To(Equal(0))
				Expect(pool.Decoding()).To(Equal(4))

				return nil
			}

			return pool.Handle(uint64(i), 1, func([]byte) error {
				invariant()

				return nest(i + 1)
			})
		}

		Expect(nest(0)).To(Succeed())
		Expect(pool.Posted()).To(Equal(4))
		Expect(poster.count()).To(Equal(8))
	})

	It("rejects completions for unknown or unposted slots", func() {
		Expect(pool.Handle(99, 1, func([]byte) error { return nil })).To(MatchError(bufferpool.ErrUnknownSlot))

		Expect(pool.Handle(3, 1, func([]byte) error {
			return pool.Handle(3, 1, func([]byte) error { return nil })
		})).To(MatchError(bufferpool.ErrSlotState))
		invariant()
	})

	It("leaves a slot idle when the receive queue is gone", func() {
		poster.fail = verbs.ErrClosed
		Expect(pool.Recover(1)).To(MatchError(verbs.ErrClosed))
		Expect(pool.State(1)).To(Equal(bufferpool.SlotIdle))
		Expect(pool.Posted()).To(Equal(3))

		poster.fail = nil
		Expect(pool.PostAll()).To(Succeed())
		Expect(pool.Posted()).To(Equal(4))
	})

	It("retires flushed slots without reposting them", func() {
		Expect(pool.Retire(2)).To(Succeed())
		Expect(pool.State(2)).To(Equal(bufferpool.SlotIdle))
		Expect(poster.count()).To(Equal(4))
		Expect(pool.Retire(2)).To(MatchError(bufferpool.ErrSlotState))
	})

	It("stops reposting after Close", func() {
		Expect(pool.Close()).To(Succeed())
		Expect(pool.Handle(0, 1, func([]byte) error { return nil })).To(MatchError(bufferpool.ErrClosed))
		Expect(pool.State(0)).To(Equal(bufferpool.SlotIdle))
		Expect(pd.Deallocate()).To(Succeed())
	})
})
