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

package store

import (
	"fmt"
	"io"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

type label struct {
	name  string
	value func(slot int, r *wire.MetricsRecord) string
}

var (
	labelQueue   = label{"queue", func(slot int, _ *wire.MetricsRecord) string { return strconv.Itoa(slot) }}
	labelAppID   = label{"app_id", func(_ int, r *wire.MetricsRecord) string { return u32(r.App.AppID) }}
	labelNodeID  = label{"node_id", func(_ int, r *wire.MetricsRecord) string { return u32(r.Node.NodeID) }}
	labelPod     = label{"pod", func(_ int, r *wire.MetricsRecord) string { return u32(r.Node.PodCount) }}
	labelCodec   = label{"codec", func(_ int, r *wire.MetricsRecord) string { return u32(r.Input.Codec) }}
	labelGPUID   = label{"gpu_id", func(_ int, r *wire.MetricsRecord) string { return u32(r.Node.GPU.GPUID) }}
	labelSession = label{"session_id", func(_ int, r *wire.MetricsRecord) string { return u32(r.Perf.SessionID) }}
	labelPID     = label{"pid", func(_ int, r *wire.MetricsRecord) string { return u32(r.Perf.PID) }}
)

// family is one exposed gauge and how to read it from a record.
type family struct {
	name   string
	help   string
	labels []label
	value  func(r *wire.MetricsRecord) float64
}

var (
	qosLabels  = []label{labelQueue, labelAppID, labelNodeID, labelPod}
	appLabels  = []label{labelQueue, labelAppID, labelCodec}
	nodeLabels = []label{labelQueue, labelNodeID, labelPod}
	gpuLabels  = []label{labelQueue, labelGPUID, labelNodeID, labelPod}
	perfLabels = []label{labelQueue, labelSession, labelPID}
)

var families = []family{
	{"qos_latency_ms", "Latency the application requires in milliseconds.", qosLabels,
		func(r *wire.MetricsRecord) float64 { return f32(r.App.QoS.LatencyMs) }},
	{"qos_fps", "Frame rate the application requires.", qosLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.App.QoS.FPS) }},

	{"app_input_width_pixels", "Width of the application's input stream.", appLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Input.Width) }},
	{"app_input_height_pixels", "Height of the application's input stream.", appLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Input.Height) }},
	{"app_input_framerate", "Frame rate of the application's input stream.", appLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Input.Framerate) }},

	{"node_cpu_utilization_percent", "CPU utilization of the node.", nodeLabels,
		func(r *wire.MetricsRecord) float64 { return f32(r.Node.CPUUtilization) }},
	{"node_gpu_present", "Whether the node has a GPU (1) or not (0).", nodeLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Node.GPUPresent) }},
	{"node_ready", "Whether the node is ready (1) or not (0).", nodeLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Node.NodeReady) }},

	{"gpu_encoder_sessions", "Active encoder sessions on the GPU.", gpuLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Node.GPU.EncoderSessions) }},
	{"gpu_encoder_utilization_percent", "Encoder utilization of the GPU.", gpuLabels,
		func(r *wire.MetricsRecord) float64 { return f32(r.Node.GPU.EncoderUtilization) }},
	{"gpu_decoder_utilization_percent", "Decoder utilization of the GPU.", gpuLabels,
		func(r *wire.MetricsRecord) float64 { return f32(r.Node.GPU.DecoderUtilization) }},

	{"lb_result", "Load balancer decision for the node.", nodeLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.LB.Result) }},

	{"perf_avg_latency_ms", "Average latency the session achieves in milliseconds.", perfLabels,
		func(r *wire.MetricsRecord) float64 { return f32(r.Perf.AvgLatencyMs) }},
	{"perf_fps", "Frame rate the session achieves.", perfLabels,
		func(r *wire.MetricsRecord) float64 { return float64(r.Perf.FPS) }},
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// f32 widens v so that it prints with the shortest float32 representation,
// 0.1 instead of 0.10000000149011612.
func f32(v float32) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	if err != nil {
		return float64(v)
	}

	return f
}

// RenderTo writes the exposition text for all valid slots to w.
func (s *Store) RenderTo(w io.Writer) error {
	slots := s.snapshot()
	if len(slots) == 0 {
		return nil
	}

	for _, fam := range families {
		mf := &dto.MetricFamily{
			Name:   proto.String(fam.name),
			Help:   proto.String(fam.help),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: make([]*dto.Metric, 0, len(slots)),
		}

		for i := range slots {
			sr := &slots[i]
			pairs := make([]*dto.LabelPair, 0, len(fam.labels))
			for _, l := range fam.labels {
				pairs = append(pairs, &dto.LabelPair{
					Name:  proto.String(l.name),
					Value: proto.String(l.value(sr.slot, &sr.record)),
				})
			}

			mf.Metric = append(mf.Metric, &dto.Metric{
				Label: pairs,
				Gauge: &dto.Gauge{Value: proto.Float64(fam.value(&sr.record))},
			})
		}

		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("render %s: %w", fam.name, err)
		}
	}

	return nil
}
