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

package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MetricsRecordSize is the encoded size of MetricsRecord.
const MetricsRecordSize = 120

// RecordByteOrder is the byte order of MetricsRecord fields. The record keeps
// the native little-endian layout of the C agents so both can feed one collector.
var RecordByteOrder = binary.LittleEndian

// QoSRequirement is what an application asks for.
type QoSRequirement struct {
	LatencyMs float32
	FPS       uint32
}

// AppFeature describes an application's input stream.
type AppFeature struct {
	Width     uint32
	Height    uint32
	Framerate uint32
	Codec     uint32
}

// AppInfo identifies an application with its stream and QoS requirement.
type AppInfo struct {
	AppID   uint32
	Feature AppFeature
	QoS     QoSRequirement
}

// GPUResource is the encoder/decoder load of one GPU.
type GPUResource struct {
	GPUID              uint32
	EncoderSessions    uint32
	EncoderUtilization float32
	DecoderUtilization float32
}

// NodeInfo describes the node the agent runs on.
type NodeInfo struct {
	NodeID         uint32
	CPUUtilization float32
	GPU            GPUResource
	NodeReady      uint8
	GPUPresent     uint8
	PodCount       uint32
}

// LBSignal is the load balancer decision for the node.
type LBSignal struct {
	Result uint8
}

// PerfInfo is what a running session actually achieves.
type PerfInfo struct {
	SessionID    uint32
	PID          uint32
	AvgLatencyMs float32
	FPS          uint32
}

// MetricsRecord is one sample pushed by an agent.
type MetricsRecord struct {
	QoS   QoSRequirement
	Input AppFeature
	App   AppInfo
	GPU   GPUResource
	Node  NodeInfo
	LB    LBSignal
	Perf  PerfInfo
}

// field offsets; padding follows the 4 byte alignment of the C struct
const (
	offQoS   = 0
	offInput = 8
	offApp   = 24
	offGPU   = 52
	offNode  = 68
	offLB    = 100
	offPerf  = 104
)

// MarshalTo writes the record into dst, which must be at least MetricsRecordSize long.
// Padding bytes are zeroed.
func (r *MetricsRecord) MarshalTo(dst []byte) error {
	if len(dst) < MetricsRecordSize {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortMetrics, MetricsRecordSize, len(dst))
	}

	b := dst[:MetricsRecordSize]
	clear(b)

	putQoS(b[offQoS:], r.QoS)
	putFeature(b[offInput:], r.Input)
	RecordByteOrder.PutUint32(b[offApp:], r.App.AppID)
	putFeature(b[offApp+4:], r.App.Feature)
	putQoS(b[offApp+20:], r.App.QoS)
	putGPU(b[offGPU:], r.GPU)

	RecordByteOrder.PutUint32(b[offNode:], r.Node.NodeID)
	putFloat(b[offNode+4:], r.Node.CPUUtilization)
	putGPU(b[offNode+8:], r.Node.GPU)
	b[offNode+24] = r.Node.NodeReady
	b[offNode+25] = r.Node.GPUPresent
	RecordByteOrder.PutUint32(b[offNode+28:], r.Node.PodCount)

	b[offLB] = r.LB.Result

	RecordByteOrder.PutUint32(b[offPerf:], r.Perf.SessionID)
	RecordByteOrder.PutUint32(b[offPerf+4:], r.Perf.PID)
	putFloat(b[offPerf+8:], r.Perf.AvgLatencyMs)
	RecordByteOrder.PutUint32(b[offPerf+12:], r.Perf.FPS)

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *MetricsRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetricsRecordSize)
	if err := r.MarshalTo(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// UnmarshalBinary decodes the leading MetricsRecordSize bytes of data.
// Trailing bytes are ignored.
func (r *MetricsRecord) UnmarshalBinary(data []byte) error {
	if len(data) < MetricsRecordSize {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortMetrics, MetricsRecordSize, len(data))
	}

	b := data[:MetricsRecordSize]

	r.QoS = qos(b[offQoS:])
	r.Input = feature(b[offInput:])
	r.App = AppInfo{
		AppID:   RecordByteOrder.Uint32(b[offApp:]),
		Feature: feature(b[offApp+4:]),
		QoS:     qos(b[offApp+20:]),
	}
	r.GPU = gpu(b[offGPU:])
	r.Node = NodeInfo{
		NodeID:         RecordByteOrder.Uint32(b[offNode:]),
		CPUUtilization: float(b[offNode+4:]),
		GPU:            gpu(b[offNode+8:]),
		NodeReady:      b[offNode+24],
		GPUPresent:     b[offNode+25],
		PodCount:       RecordByteOrder.Uint32(b[offNode+28:]),
	}
	r.LB = LBSignal{Result: b[offLB]}
	r.Perf = PerfInfo{
		SessionID:    RecordByteOrder.Uint32(b[offPerf:]),
		PID:          RecordByteOrder.Uint32(b[offPerf+4:]),
		AvgLatencyMs: float(b[offPerf+8:]),
		FPS:          RecordByteOrder.Uint32(b[offPerf+12:]),
	}

	return nil
}

func putFloat(b []byte, v float32) {
	RecordByteOrder.PutUint32(b, math.Float32bits(v))
}

func float(b []byte) float32 {
	return math.Float32frombits(RecordByteOrder.Uint32(b))
}

func putQoS(b []byte, q QoSRequirement) {
	putFloat(b[0:], q.LatencyMs)
	RecordByteOrder.PutUint32(b[4:], q.FPS)
}

func qos(b []byte) QoSRequirement {
	return QoSRequirement{LatencyMs: float(b[0:]), FPS: RecordByteOrder.Uint32(b[4:])}
}

func putFeature(b []byte, f AppFeature) {
	RecordByteOrder.PutUint32(b[0:], f.Width)
	RecordByteOrder.PutUint32(b[4:], f.Height)
	RecordByteOrder.PutUint32(b[8:], f.Framerate)
	RecordByteOrder.PutUint32(b[12:], f.Codec)
}

func feature(b []byte) AppFeature {
	return AppFeature{
		Width:     RecordByteOrder.Uint32(b[0:]),
		Height:    RecordByteOrder.Uint32(b[4:]),
		Framerate: RecordByteOrder.Uint32(b[8:]),
		Codec:     RecordByteOrder.Uint32(b[12:]),
	}
}

func putGPU(b []byte, g GPUResource) {
	RecordByteOrder.PutUint32(b[0:], g.GPUID)
	RecordByteOrder.PutUint32(b[4:], g.EncoderSessions)
	putFloat(b[8:], g.EncoderUtilization)
	putFloat(b[12:], g.DecoderUtilization)
}

func gpu(b []byte) GPUResource {
	return GPUResource{
		GPUID:              RecordByteOrder.Uint32(b[0:]),
		EncoderSessions:    RecordByteOrder.Uint32(b[4:]),
		EncoderUtilization: float(b[8:]),
		DecoderUtilization: float(b[12:]),
	}
}
