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

package constants

import "time"

const (
	// MaxFrameSize bounds a mux frame (header plus payload) and is the size of
	// one receive slot in the buffer pool.
	MaxFrameSize = 4096

	// DefaultPoolDepth is the number of receive slots posted on the shared receive queue.
	DefaultPoolDepth = 1024

	// DefaultPerConnectionDepth is the pool depth of one connection in the
	// per-connection topology.
	DefaultPerConnectionDepth = 64

	// DefaultCQSize is the number of entries of the shared completion queue.
	// It must cover every outstanding receive plus sends on the server side.
	DefaultCQSize = 8192

	// DefaultPollBatch is the number of completions drained per poll call.
	DefaultPollBatch = 64

	// DefaultPollTimeout bounds every blocking wait of the dispatcher and the
	// connection manager event loop so they notice cancellation.
	DefaultPollTimeout = 500 * time.Millisecond

	// DefaultListenBacklog is the pending connect request backlog of the listener.
	DefaultListenBacklog = 64

	// DefaultInitiatorDepth and DefaultResponderResources are advertised when
	// accepting or connecting. The mux protocol only uses sends, so one
	// outstanding RDMA read is plenty.
	DefaultInitiatorDepth     = 1
	DefaultResponderResources = 1

	// DefaultRetryCount is the transport retry count used when connecting.
	DefaultRetryCount = 7

	// DefaultRNRRetryCount of 7 means "retry forever" on receiver-not-ready.
	DefaultRNRRetryCount = 7

	// InfiniteRNRRetry is the RNR retry value that never gives up.
	InfiniteRNRRetry = 7

	// DefaultResolveTimeout bounds address and route resolution on the agent.
	DefaultResolveTimeout = 2 * time.Second

	// DefaultMaxSendWR is the send queue depth of a queue pair.
	DefaultMaxSendWR = 16
)

const (
	// DefaultRDMAPort is the port the collector listens on for agent connections.
	DefaultRDMAPort = 7471

	// DefaultExpositionAddr is where the scrape endpoint listens.
	DefaultExpositionAddr = ":9123"

	// DefaultExpositionPath is the single path the scrape endpoint serves.
	DefaultExpositionPath = "/gpu_metrics"

	// DefaultExpositionWorkers bounds concurrently served scrape requests.
	DefaultExpositionWorkers = 4

	// MaxRequestLine is the longest request line the scrape endpoint reads.
	MaxRequestLine = 8192

	// ExpositionReadTimeout bounds reading the request line of a scrape.
	ExpositionReadTimeout = 5 * time.Second

	// AcceptRetryDelay is the first pause after a failed accept on the scrape
	// endpoint; it doubles up to MaxAcceptRetryDelay while accepts keep failing.
	AcceptRetryDelay    = 5 * time.Millisecond
	MaxAcceptRetryDelay = time.Second

	// DefaultAdminAddr serves /metrics, /live and /ready for the binaries themselves.
	DefaultAdminAddr = ":8081"

	// DefaultStoreCapacity is the number of source slots kept by the collector.
	DefaultStoreCapacity = 64

	// DefaultSampleInterval is the agent's sampling period.
	DefaultSampleInterval = 200 * time.Millisecond

	// DefaultStreamID is the stream id the agent stamps on METRICS frames.
	DefaultStreamID = 1

	// DefaultSendTimeout bounds how long the agent waits for one send completion.
	DefaultSendTimeout = 30 * time.Second

	// StarvationThreshold is how long the dispatcher may go without waking up
	// before the watchdog reports it. Several poll timeouts.
	StarvationThreshold = 10 * time.Second

	// DefaultShutdownTimeout bounds the graceful shutdown of HTTP servers.
	DefaultShutdownTimeout = 3 * time.Second
)
