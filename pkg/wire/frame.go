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

// Package wire implements the mux framing used between agents and the collector.
//
// A frame is a 16 byte big-endian header followed by the payload:
//
//	magic:u32 ("MUXL") type:u16 reserved:u16 stream_id:u32 len:u32
//
// Buffers that are too short for a header or that do not start with the magic
// are not rejected. Older agents send plain text without a header and the
// collector keeps accepting it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is "MUXL" read as a big-endian uint32.
const Magic uint32 = 0x4D55584C

// HeaderSize is the encoded size of Header.
const HeaderSize = 16

// MessageType selects how a frame's payload is interpreted.
type MessageType uint16

const (
	TypeText    MessageType = 1
	TypeMetrics MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeMetrics:
		return "metrics"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

var (
	// ErrFrameTooLarge is returned by Encode when header plus payload exceed the maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum frame size")
	// ErrTruncatedFrame means the header declares more payload than was received.
	ErrTruncatedFrame = errors.New("declared payload length exceeds received bytes")
	// ErrShortMetrics means a METRICS frame carries fewer bytes than one MetricsRecord.
	ErrShortMetrics = errors.New("metrics payload shorter than record size")
)

// Header is the fixed mux frame header.
type Header struct {
	Magic    uint32
	Type     MessageType
	Reserved uint16
	StreamID uint32
	Length   uint32
}

// Frame is a header plus its payload. Payload aliases the decoded buffer.
type Frame struct {
	Header
	Payload []byte
}

// NewFrame builds a frame with Magic and Length filled in.
func NewFrame(typ MessageType, streamID uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:    Magic,
			Type:     typ,
			StreamID: streamID,
			Length:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

// EncodedLen returns the number of bytes Encode writes for payloadLen bytes of payload.
func EncodedLen(payloadLen int) int {
	return HeaderSize + payloadLen
}

// Encode writes f into dst, which must hold at least maxFrameSize bytes if
// maxFrameSize is positive. Magic and Length are derived from the payload;
// Type, Reserved and StreamID are written as given. It returns the number of
// bytes written.
func Encode(dst []byte, f Frame, maxFrameSize int) (int, error) {
	total := EncodedLen(len(f.Payload))
	if maxFrameSize > 0 && total > maxFrameSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxFrameSize)
	}
	if total > len(dst) {
		return 0, fmt.Errorf("%w: %d bytes do not fit a %d byte buffer", ErrFrameTooLarge, total, len(dst))
	}

	binary.BigEndian.PutUint32(dst[0:4], Magic)
	binary.BigEndian.PutUint16(dst[4:6], uint16(f.Type))
	binary.BigEndian.PutUint16(dst[6:8], f.Reserved)
	binary.BigEndian.PutUint32(dst[8:12], f.StreamID)
	binary.BigEndian.PutUint32(dst[12:16], uint32(len(f.Payload)))
	copy(dst[HeaderSize:], f.Payload)

	return total, nil
}

// AppendFrame encodes f and returns a freshly allocated buffer.
func AppendFrame(f Frame, maxFrameSize int) ([]byte, error) {
	buf := make([]byte, EncodedLen(len(f.Payload)))
	n, err := Encode(buf, f, maxFrameSize)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// IsFramed reports whether data starts with a complete mux header.
func IsFramed(data []byte) bool {
	return len(data) >= HeaderSize && binary.BigEndian.Uint32(data[0:4]) == Magic
}

// DecodeFrame parses the frame at the start of data. The boolean result is
// false when data is unframed text; in that case the error is nil.
func DecodeFrame(data []byte) (Frame, bool, error) {
	if !IsFramed(data) {
		return Frame{}, false, nil
	}

	h := Header{
		Magic:    binary.BigEndian.Uint32(data[0:4]),
		Type:     MessageType(binary.BigEndian.Uint16(data[4:6])),
		Reserved: binary.BigEndian.Uint16(data[6:8]),
		StreamID: binary.BigEndian.Uint32(data[8:12]),
		Length:   binary.BigEndian.Uint32(data[12:16]),
	}

	// compared in uint64 so a hostile length cannot overflow
	if uint64(HeaderSize)+uint64(h.Length) > uint64(len(data)) {
		return Frame{Header: h}, true, fmt.Errorf("%w: header says %d, got %d", ErrTruncatedFrame, h.Length, len(data)-HeaderSize)
	}

	return Frame{Header: h, Payload: data[HeaderSize : HeaderSize+int(h.Length)]}, true, nil
}
