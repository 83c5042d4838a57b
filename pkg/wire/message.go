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

import "fmt"

// Kind is the interpretation chosen for a received buffer.
type Kind int

const (
	// KindUnframed is raw text without a mux header.
	KindUnframed Kind = iota
	// KindText is a TEXT frame, or a frame of an unknown type.
	KindText
	// KindMetrics is a METRICS frame carrying a MetricsRecord.
	KindMetrics
)

func (k Kind) String() string {
	switch k {
	case KindUnframed:
		return "unframed"
	case KindText:
		return "text"
	case KindMetrics:
		return "metrics"
	default:
		return "invalid"
	}
}

// Message is a decoded receive buffer.
type Message struct {
	Kind Kind
	// Frame is set for KindText and KindMetrics.
	Frame Frame
	// Text is the raw buffer for KindUnframed and the payload for KindText.
	Text []byte
	// Metrics is set for KindMetrics.
	Metrics MetricsRecord
}

// Decode interprets one received buffer. A non-nil error means the frame was
// malformed and must be dropped; the connection it came from stays usable.
// Text aliases data, so callers copy it before the buffer is reposted.
func Decode(data []byte) (Message, error) {
	frame, framed, err := DecodeFrame(data)
	if !framed {
		return Message{Kind: KindUnframed, Text: data}, nil
	}
	if err != nil {
		return Message{Frame: frame}, err
	}

	switch frame.Type {
	case TypeMetrics:
		var rec MetricsRecord
		if err := rec.UnmarshalBinary(frame.Payload); err != nil {
			return Message{Frame: frame}, fmt.Errorf("stream %d: %w", frame.StreamID, err)
		}

		return Message{Kind: KindMetrics, Frame: frame, Metrics: rec}, nil
	default:
		return Message{Kind: KindText, Frame: frame, Text: frame.Payload}, nil
	}
}

// EncodeMetrics frames rec as a METRICS message into dst.
func EncodeMetrics(dst []byte, streamID uint32, rec *MetricsRecord, maxFrameSize int) (int, error) {
	var payload [MetricsRecordSize]byte
	if err := rec.MarshalTo(payload[:]); err != nil {
		return 0, err
	}

	return Encode(dst, NewFrame(TypeMetrics, streamID, payload[:]), maxFrameSize)
}

// EncodeText frames text as a TEXT message into dst.
func EncodeText(dst []byte, streamID uint32, text []byte, maxFrameSize int) (int, error) {
	return Encode(dst, NewFrame(TypeText, streamID, text), maxFrameSize)
}
