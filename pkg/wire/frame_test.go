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

package wire_test

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

var _ = Describe("Frame codec", func() {
	var rng *rand.Rand

	BeforeEach(func() {
		rng = rand.New(rand.NewPCG(1, 2))
	})

	randomPayload := func(n int) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(rng.IntN(256))
		}

		return p
	}

	Context("round trips", func() {
		It("decodes what it encodes for every payload length up to the maximum", func() {
			buf := make([]byte, constants.MaxFrameSize)
			for _, n := range []int{0, 1, 15, 16, 120, 1000, constants.MaxFrameSize - wire.HeaderSize} {
				frame := wire.NewFrame(wire.MessageType(rng.IntN(5)), rng.Uint32(), randomPayload(n))
				frame.Reserved = uint16(rng.IntN(1 << 16))

				written, err := wire.Encode(buf, frame, constants.MaxFrameSize)
				Expect(err).NotTo(HaveOccurred())
				Expect(written).To(Equal(wire.HeaderSize + n))

				decoded, framed, err := wire.DecodeFrame(buf[:written])
				Expect(err).NotTo(HaveOccurred())
				Expect(framed).To(BeTrue())
				Expect(decoded.Header).To(Equal(frame.Header))
				Expect(bytes.Equal(decoded.Payload, frame.Payload)).To(BeTrue())
			}
		})

		It("writes the header in network byte order", func() {
			out, err := wire.AppendFrame(wire.NewFrame(wire.TypeMetrics, 1, []byte("x")), constants.MaxFrameSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(out[:4]).To(Equal([]byte("MUXL")))
			Expect(binary.BigEndian.Uint16(out[4:6])).To(Equal(uint16(2)))
			Expect(binary.BigEndian.Uint32(out[8:12])).To(Equal(uint32(1)))
			Expect(binary.BigEndian.Uint32(out[12:16])).To(Equal(uint32(1)))
		})

		It("refuses frames larger than the maximum frame size", func() {
			buf := make([]byte, 2*constants.MaxFrameSize)
			_, err := wire.Encode(buf, wire.NewFrame(wire.TypeText, 1, make([]byte, constants.MaxFrameSize-wire.HeaderSize+1)), constants.MaxFrameSize)
			Expect(err).To(MatchError(wire.ErrFrameTooLarge))
		})

		It("refuses frames that do not fit the destination", func() {
			_, err := wire.Encode(make([]byte, 20), wire.NewFrame(wire.TypeText, 1, make([]byte, 8)), 0)
			Expect(err).To(MatchError(wire.ErrFrameTooLarge))
		})
	})

	Context("unframed input", func() {
		It("classifies any buffer shorter than the header as unframed text", func() {
			for n := 0; n < wire.HeaderSize; n++ {
				data := randomPayload(n)
				if n >= 4 {
					copy(data, "MUXL")
				}

				msg, err := wire.Decode(data)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg.Kind).To(Equal(wire.KindUnframed))
				Expect(msg.Text).To(HaveLen(n))
			}
		})

		It("classifies buffers without the magic as unframed text", func() {
			for range 200 {
				data := randomPayload(wire.HeaderSize + rng.IntN(200))
				if binary.BigEndian.Uint32(data) == wire.Magic {
					continue
				}

				msg, err := wire.Decode(data)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg.Kind).To(Equal(wire.KindUnframed))
				Expect(bytes.Equal(msg.Text, data)).To(BeTrue())
			}
		})
	})

	Context("truncated frames", func() {
		It("rejects a declared length beyond the received bytes", func() {
			data := make([]byte, 200)
			binary.BigEndian.PutUint32(data[0:4], wire.Magic)
			binary.BigEndian.PutUint16(data[4:6], uint16(wire.TypeMetrics))
			binary.BigEndian.PutUint32(data[12:16], 9000)

			var err error
			Expect(func() { _, err = wire.Decode(data) }).NotTo(Panic())
			Expect(err).To(MatchError(wire.ErrTruncatedFrame))
		})

		It("does not overflow on the largest possible length", func() {
			data := make([]byte, wire.HeaderSize)
			binary.BigEndian.PutUint32(data[0:4], wire.Magic)
			binary.BigEndian.PutUint32(data[12:16], 0xFFFFFFFF)

			_, framed, err := wire.DecodeFrame(data)
			Expect(framed).To(BeTrue())
			Expect(err).To(MatchError(wire.ErrTruncatedFrame))
		})

		It("accepts trailing bytes after the declared payload", func() {
			out, err := wire.AppendFrame(wire.NewFrame(wire.TypeText, 3, []byte("hello")), 0)
			Expect(err).NotTo(HaveOccurred())

			msg, err := wire.Decode(append(out, "garbage"...))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(wire.KindText))
			Expect(string(msg.Text)).To(Equal("hello"))
		})
	})

	Context("message types", func() {
		It("treats unknown types as text", func() {
			out, err := wire.AppendFrame(wire.NewFrame(wire.MessageType(42), 7, []byte("diag")), 0)
			Expect(err).NotTo(HaveOccurred())

			msg, err := wire.Decode(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(wire.KindText))
			Expect(msg.Frame.StreamID).To(Equal(uint32(7)))
			Expect(string(msg.Text)).To(Equal("diag"))
		})

		It("rejects METRICS frames shorter than a record", func() {
			out, err := wire.AppendFrame(wire.NewFrame(wire.TypeMetrics, 1, make([]byte, wire.MetricsRecordSize-1)), 0)
			Expect(err).NotTo(HaveOccurred())

			_, err = wire.Decode(out)
			Expect(err).To(MatchError(wire.ErrShortMetrics))
		})
	})
})
