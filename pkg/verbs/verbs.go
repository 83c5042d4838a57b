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

// Package verbs describes the RDMA objects the collector and the agent use:
// the connection manager (event channel, CM ids), protection domains,
// registered memory, completion channels and queues, shared receive queues
// and queue pairs. Providers implement these interfaces; softrdma is the
// software provider used when no RDMA hardware is present and in tests.
package verbs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrTimeout is returned by blocking waits whose context expired.
	ErrTimeout = errors.New("wait timed out")
	// ErrClosed is returned when an object was destroyed or its connection is gone.
	ErrClosed = errors.New("object closed")
	// ErrQueueFull is returned when a work queue cannot take another request.
	ErrQueueFull = errors.New("work queue full")
	// ErrInvalidSGE is returned when a scatter/gather element lies outside its memory region.
	ErrInvalidSGE = errors.New("scatter/gather element outside memory region")
	// ErrInvalidState is returned when an operation does not fit the CM id's state.
	ErrInvalidState = errors.New("invalid state for operation")
)

// WCStatus is the status of a work completion.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLengthError
	WCLocalProtectionError
	WCFlushError
	WCRemoteInvalidRequest
	WCRetryExceeded
	WCRNRRetryExceeded
	WCGeneralError
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocalLengthError:
		return "local length error"
	case WCLocalProtectionError:
		return "local protection error"
	case WCFlushError:
		return "work request flushed"
	case WCRemoteInvalidRequest:
		return "remote invalid request"
	case WCRetryExceeded:
		return "transport retry counter exceeded"
	case WCRNRRetryExceeded:
		return "RNR retry counter exceeded"
	case WCGeneralError:
		return "general error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// WCOpcode tells which kind of work request completed.
type WCOpcode int

const (
	OpSend WCOpcode = iota
	OpRecv
)

func (o WCOpcode) String() string {
	if o == OpRecv {
		return "recv"
	}

	return "send"
}

// WorkCompletion reports the outcome of one work request.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	// QPNum is the local queue pair the request was executed on. For receives
	// taken from a shared receive queue it identifies the connection.
	QPNum uint32
}

// SGE is a scatter/gather element: a window into a registered memory region.
type SGE struct {
	MR     MemoryRegion
	Offset int
	Length int
}

// Bytes returns the window the element describes.
func (s SGE) Bytes() ([]byte, error) {
	if s.MR == nil {
		return nil, ErrInvalidSGE
	}

	buf := s.MR.Buffer()
	if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > len(buf) {
		return nil, fmt.Errorf("%w: [%d,%d) of %d bytes", ErrInvalidSGE, s.Offset, s.Offset+s.Length, len(buf))
	}

	return buf[s.Offset : s.Offset+s.Length], nil
}

// RecvWR is a receive work request.
type RecvWR struct {
	WRID uint64
	SGE  SGE
}

// SendWR is a send work request. Unsignaled sends produce a completion only on error.
type SendWR struct {
	WRID     uint64
	SGE      SGE
	Signaled bool
}

// ReceivePoster is anything receives can be posted to: a queue pair or a shared receive queue.
type ReceivePoster interface {
	PostRecv(wr RecvWR) error
}

// AccessFlags are memory region access rights.
type AccessFlags int

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// MemoryRegion is a registered buffer. The buffer must not be reused until Deregister returns.
type MemoryRegion interface {
	LKey() uint32
	Buffer() []byte
	Deregister() error
}

// ProtectionDomain groups memory regions, shared receive queues and queue pairs.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error)
	CreateSRQ(attr SRQAttr) (SharedReceiveQueue, error)
	Deallocate() error
}

// SRQAttr sizes a shared receive queue.
type SRQAttr struct {
	MaxWR  int
	MaxSGE int
}

// SharedReceiveQueue feeds receives to every queue pair attached to it.
type SharedReceiveQueue interface {
	ReceivePoster
	// Outstanding is the number of receives currently posted.
	Outstanding() int
	Destroy() error
}

// CompletionChannel delivers "this completion queue has new entries" events.
type CompletionChannel interface {
	// GetCQEvent blocks until an armed completion queue fires or ctx is done.
	GetCQEvent(ctx context.Context) (CompletionQueue, error)
	Close() error
}

// CompletionQueue collects work completions.
type CompletionQueue interface {
	// RequestNotify arms the queue: the next completion added fires one event on its channel.
	RequestNotify() error
	// Poll moves up to len(wc) completions into wc and returns how many it moved.
	Poll(wc []WorkCompletion) (int, error)
	// AckEvents acknowledges events returned by GetCQEvent.
	AckEvents(n int)
	Destroy() error
}

// Device is an RDMA device context.
type Device interface {
	Name() string
	AllocPD() (ProtectionDomain, error)
	CreateCompletionChannel() (CompletionChannel, error)
	CreateCQ(entries int, channel CompletionChannel) (CompletionQueue, error)
}

// QPAttr configures a queue pair. With SRQ set, receives come from the shared
// queue and MaxRecvWR is ignored.
type QPAttr struct {
	SendCQ    CompletionQueue
	RecvCQ    CompletionQueue
	SRQ       SharedReceiveQueue
	MaxSendWR int
	MaxRecvWR int
}

// QueuePair is a reliable connected queue pair.
type QueuePair interface {
	ReceivePoster
	Num() uint32
	PostSend(wr SendWR) error
	Destroy() error
}

// ConnParam is exchanged during connection establishment.
type ConnParam struct {
	InitiatorDepth     uint8
	ResponderResources uint8
	RetryCount         uint8
	RNRRetryCount      uint8
	PrivateData        []byte
}

// CMEventType is the kind of a connection manager event.
type CMEventType int

const (
	EventAddrResolved CMEventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectError
	EventUnreachable
	EventRejected
	EventEstablished
	EventDisconnected
	EventDeviceRemoval
)

func (t CMEventType) String() string {
	switch t {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventAddrError:
		return "ADDR_ERROR"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventRouteError:
		return "ROUTE_ERROR"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventConnectError:
		return "CONNECT_ERROR"
	case EventUnreachable:
		return "UNREACHABLE"
	case EventRejected:
		return "REJECTED"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventDeviceRemoval:
		return "DEVICE_REMOVAL"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// CMEvent is one connection manager event. ID is the id the event is about;
// for CONNECT_REQUEST it is a new id for the incoming connection and Listener
// is the listening id.
type CMEvent struct {
	Type     CMEventType
	ID       CMID
	Listener CMID
	Param    ConnParam
	Err      error
}

// EventChannel delivers CM events in the order they happened.
type EventChannel interface {
	GetEvent(ctx context.Context) (*CMEvent, error)
	Close() error
}

// CMID is a connection manager identifier, the RDMA counterpart of a socket.
type CMID interface {
	Bind(addr string) error
	Listen(backlog int) error
	ResolveAddr(addr string, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	Connect(param ConnParam) error
	Accept(param ConnParam) error
	Reject(privateData []byte) error
	Disconnect() error

	// Device is available once the address is resolved or the id came from a connect request.
	Device() Device
	CreateQP(pd ProtectionDomain, attr QPAttr) (QueuePair, error)
	QP() QueuePair
	DestroyQP() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Destroy() error
}

// Provider creates event channels and CM ids.
type Provider interface {
	CreateEventChannel() (EventChannel, error)
	CreateID(channel EventChannel) (CMID, error)
}

// IsTimeout reports whether err came from an expired wait.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
