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
	"encoding/binary"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

func sampleRecord() wire.MetricsRecord {
	return wire.MetricsRecord{
		QoS:   wire.QoSRequirement{LatencyMs: 21.6, FPS: 60},
		Input: wire.AppFeature{Width: 1920, Height: 1080, Framerate: 60, Codec: 1},
		App: wire.AppInfo{
			AppID:   3,
			Feature: wire.AppFeature{Width: 1280, Height: 720, Framerate: 30, Codec: 2},
			QoS:     wire.QoSRequirement{LatencyMs: 40, FPS: 30},
		},
		GPU: wire.GPUResource{GPUID: 1, EncoderSessions: 4, EncoderUtilization: 55.5, DecoderUtilization: 12.25},
		Node: wire.NodeInfo{
			NodeID:         7,
			CPUUtilization: 73.5,
			GPU:            wire.GPUResource{GPUID: 1, EncoderSessions: 4, EncoderUtilization: 55.5, DecoderUtilization: 12.25},
			NodeReady:      1,
			GPUPresent:     1,
			PodCount:       9,
		},
		LB:   wire.LBSignal{Result: 2},
		Perf: wire.PerfInfo{SessionID: 11, PID: 4242, AvgLatencyMs: 18.75, FPS: 59},
	}
}

var _ = Describe("MetricsRecord", func() {
	It("has the size of the C agent's struct", func() {
		rec := sampleRecord()
		out, err := rec.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(wire.MetricsRecordSize))
	})

	It("round trips every field", func() {
		rec := sampleRecord()
		out, err := rec.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var decoded wire.MetricsRecord
		Expect(decoded.UnmarshalBinary(out)).To(Succeed())
		Expect(decoded).To(Equal(rec))
	})

	It("places fields at the C offsets", func() {
		rec := sampleRecord()
		out, err := rec.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		Expect(binary.LittleEndian.Uint32(out[24:])).To(Equal(uint32(3)), "app id")
		Expect(binary.LittleEndian.Uint32(out[68:])).To(Equal(uint32(7)), "node id")
		Expect(math.Float32frombits(binary.LittleEndian.Uint32(out[72:]))).To(Equal(float32(73.5)), "cpu")
		Expect(out[92]).To(Equal(uint8(1)), "node ready")
		Expect(out[93]).To(Equal(uint8(1)), "gpu present")
		Expect(out[94:96]).To(Equal([]byte{0, 0}), "padding")
		Expect(binary.LittleEndian.Uint32(out[96:])).To(Equal(uint32(9)), "pod count")
		Expect(out[100]).To(Equal(uint8(2)), "lb result")
		Expect(binary.LittleEndian.Uint32(out[108:])).To(Equal(uint32(4242)), "pid")
	})

	It("ignores bytes after the record", func() {
		rec := sampleRecord()
		out, err := rec.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var decoded wire.MetricsRecord
		Expect(decoded.UnmarshalBinary(append(out, 0xde, 0xad))).To(Succeed())
		Expect(decoded).To(Equal(rec))
	})

	It("decodes a METRICS frame into a metrics message", func() {
		rec := sampleRecord()
		buf := make([]byte, constants.MaxFrameSize)

		n, err := wire.EncodeMetrics(buf, 1, &rec, constants.MaxFrameSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(wire.HeaderSize + wire.MetricsRecordSize))

		msg, err := wire.Decode(buf[:n])
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Kind).To(Equal(wire.KindMetrics))
		Expect(msg.Frame.StreamID).To(Equal(uint32(1)))
		Expect(msg.Metrics).To(Equal(rec))
	})
})
