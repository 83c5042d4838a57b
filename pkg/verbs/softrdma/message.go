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

package softrdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs"
)

// Link messages: kind:u8 length:u32 body.
type msgKind uint8

const (
	msgConnect msgKind = iota + 1
	msgAccept
	msgReject
	msgSend
	msgAck
	msgNak
	msgDisconnect
)

const (
	msgHeaderSize = 5
	// maxBodySize guards against a peer announcing absurd lengths.
	maxBodySize = 1 << 20
)

var errBodyTooLarge = errors.New("link message body too large")

func writeMessage(w io.Writer, kind msgKind, body []byte) error {
	buf := make([]byte, msgHeaderSize+len(body))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[msgHeaderSize:], body)

	_, err := w.Write(buf)

	return err
}

func readMessage(r io.Reader) (msgKind, []byte, error) {
	var hdr [msgHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxBodySize {
		return 0, nil, fmt.Errorf("%w: %d bytes", errBodyTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	return msgKind(hdr[0]), body, nil
}

// handshake is the body of msgConnect and msgAccept.
type handshake struct {
	param verbs.ConnParam
	qpNum uint32
}

func (h handshake) marshal() []byte {
	buf := make([]byte, 8+len(h.param.PrivateData))
	buf[0] = h.param.InitiatorDepth
	buf[1] = h.param.ResponderResources
	buf[2] = h.param.RetryCount
	buf[3] = h.param.RNRRetryCount
	binary.BigEndian.PutUint32(buf[4:8], h.qpNum)
	copy(buf[8:], h.param.PrivateData)

	return buf
}

func parseHandshake(body []byte) (handshake, error) {
	if len(body) < 8 {
		return handshake{}, fmt.Errorf("short handshake: %d bytes", len(body))
	}

	h := handshake{
		param: verbs.ConnParam{
			InitiatorDepth:     body[0],
			ResponderResources: body[1],
			RetryCount:         body[2],
			RNRRetryCount:      body[3],
		},
		qpNum: binary.BigEndian.Uint32(body[4:8]),
	}
	if len(body) > 8 {
		h.param.PrivateData = append([]byte(nil), body[8:]...)
	}

	return h, nil
}
