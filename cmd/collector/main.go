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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/config"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connmgr"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/exposition"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/ingest"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/starvationchecker"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/store"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs/softrdma"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var (
	_ connmgr.HeartbeatRegistry = (*starvationchecker.StarvationChecker)(nil)
	_ connmgr.SlotReleaser      = (*ingest.Sink)(nil)
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadCollector(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		logger.For(logger.ComponentConfig).Errorf("Invalid configuration: %v", err)

		return 2
	}

	logger.Configure(cfg.Logging.Level, cfg.Logging.LogFormat())
	defer func() { _ = logger.Sync() }()

	sentry.InitSentry(sentry.Options{DSN: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment, Release: version}, true)

	log := logger.For(logger.ComponentCollector)
	log.Infof("Starting rdma collector %s...", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// every dispatcher registers its own heartbeat; the checker is quiet while none runs
	checker := starvationchecker.NewStarvationChecker(cfg.StarvationThreshold)
	defer checker.Stop()

	st := store.New(cfg.Slots)
	sink := ingest.NewSink(st, logger.For(logger.ComponentIngest))
	responder := exposition.New(cfg.Exposition(), st, logger.For(logger.ComponentExposition))

	fabric := softrdma.New(&softrdma.TCPNetwork{}, softrdma.WithLogger(logger.For(logger.ComponentTransport)))
	server := connmgr.NewServer(cfg.Server(), fabric, sink, checker, logger.For(logger.ComponentConnectionManager))

	if err := server.Listen(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to listen for agents: %w", err)

		return 1
	}
	if err := responder.Listen(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start scrape endpoint: %w", err)

		return 1
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("dispatcher-starvation", checker.Check)
	health.AddReadinessCheck("scrape-endpoint", healthcheck.TCPDialCheck(responder.Addr().String(), time.Second))

	admin := metrics.SetupAdminEndpoint(cfg.AdminAddr, health)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		defer cancel()

		if err := admin.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown admin server: %w", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return responder.Serve(gctx) })

	if err := g.Wait(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Collector failed: %w", err)

		return 1
	}

	log.Info("rdma collector stopped")

	return 0
}
