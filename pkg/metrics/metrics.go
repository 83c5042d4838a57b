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

// Package metrics holds the collector's and agent's own Prometheus metrics
// and the admin endpoint that serves them.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/bufferpool"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
)

const (
	// Component labels.
	ComponentConnectionManager = "connection_manager"
	ComponentDispatcher        = "dispatcher"
	ComponentIngest            = "ingest"
	ComponentExposition        = "exposition"
	ComponentSampler           = "sampler"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "umh"
	subsystem = "rdma_collector"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	// Data plane.
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Received buffers by interpretation (unframed, text, metrics)",
		},
		[]string{"kind"},
	)

	malformedFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they could not be decoded",
		},
		[]string{"reason"},
	)

	completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "completions_total",
			Help:      "Work completions polled from the completion queue by opcode and status",
		},
		[]string{"opcode", "status"},
	)

	repostsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reposts_total",
			Help:      "Receive slots handed back to the receive queue",
		},
	)

	poolSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_slots",
			Help:      "Receive slots by state (posted, decoding)",
		},
		[]string{"state"},
	)

	dispatcherStarvedSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatcher_starved_total_seconds",
			Help:      "Total seconds the completion dispatcher did not wake up",
		},
	)

	// Control plane.
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Established agent connections",
		},
	)

	cmEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cm_events_total",
			Help:      "Connection manager events by type and whether the current state expected them",
		},
		[]string{"event", "expected"},
	)

	// Outer surfaces.
	expositionResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exposition_responses_total",
			Help:      "Exposition responses by status code",
		},
		[]string{"code"},
	)

	samplesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_sent_total",
			Help:      "Metrics records sent and completed by the sampler",
		},
	)

	sendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Sends that failed or timed out",
		},
	)
)

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// IncFrames counts one received buffer of the given kind.
func IncFrames(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

// IncMalformedFrames counts one dropped frame.
func IncMalformedFrames(reason string) {
	malformedFramesTotal.WithLabelValues(reason).Inc()
}

// IncCompletions counts one polled work completion.
func IncCompletions(opcode, status string) {
	completionsTotal.WithLabelValues(opcode, status).Inc()
}

// AddStarvationTime increases the dispatcher starvation counter by seconds.
func AddStarvationTime(seconds float64) {
	dispatcherStarvedSeconds.Add(seconds)
}

// ConnectionOpened counts a newly established connection.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed removes a connection counted by ConnectionOpened.
func ConnectionClosed() { activeConnections.Dec() }

// IncCMEvent counts one connection manager event.
func IncCMEvent(event string, expected bool) {
	cmEventsTotal.WithLabelValues(event, strconv.FormatBool(expected)).Inc()
}

// IncExpositionResponse counts one exposition response.
func IncExpositionResponse(code int) {
	expositionResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// IncSamplesSent counts one completed sample send.
func IncSamplesSent() { samplesSentTotal.Inc() }

// IncSendFailures counts one failed sample send.
func IncSendFailures() { sendFailuresTotal.Inc() }

// PoolObserver feeds buffer pool slot transitions into pool_slots and reposts_total.
type PoolObserver struct{}

var _ bufferpool.Observer = PoolObserver{}

func (PoolObserver) SlotTransition(from, to bufferpool.SlotState) {
	if from != bufferpool.SlotIdle {
		poolSlots.WithLabelValues(from.String()).Dec()
	}
	if to != bufferpool.SlotIdle {
		poolSlots.WithLabelValues(to.String()).Inc()
	}
}

func (PoolObserver) Reposted() { repostsTotal.Inc() }

// SetupAdminEndpoint starts an HTTP server exposing /metrics, /live and /ready.
// This should be called once at application startup.
func SetupAdminEndpoint(addr string, health healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if health != nil {
		mux.HandleFunc("/live", health.LiveEndpoint)
		mux.HandleFunc("/ready", health.ReadyEndpoint)
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For(logger.ComponentAdminServer))
		}
	}()

	return server
}
