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

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/config"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connmgr"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metricsource"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sampler"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/verbs/softrdma"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadAgent(os.Args[1:])
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

	log := logger.For(logger.ComponentAgent)
	log.Infof("Starting rdma agent %s, sending to %s", version, cfg.ServerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newSource(ctx, cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up metric source: %w", err)

		return 1
	}

	if cfg.AdminAddr != "" {
		admin := metrics.SetupAdminEndpoint(cfg.AdminAddr, nil)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	fabric := softrdma.New(&softrdma.TCPNetwork{}, softrdma.WithLogger(logger.For(logger.ComponentTransport)))

	dial := func(ctx context.Context) (sampler.Session, error) {
		client, err := connmgr.Dial(ctx, fabric, cfg.Client(), logger.For(logger.ComponentConnectionManager))
		if err != nil {
			return nil, err
		}

		return client, nil
	}

	send := func(ctx context.Context, sender sampler.Sender) error {
		return sampler.New(cfg.Sampler(), source, sender, logger.For(logger.ComponentSampler)).Run(ctx)
	}

	if cfg.Reconnect.Enabled {
		err = sampler.Supervise(ctx, cfg.Supervisor(), dial, send, log)
	} else {
		err = runOnce(ctx, dial, send)
	}

	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Agent failed: %w", err)

		return 1
	}

	log.Info("rdma agent stopped")

	return 0
}

// runOnce runs a single session. Losing it ends the agent.
func runOnce(ctx context.Context, dial sampler.DialFunc, send sampler.RunFunc) error {
	session, err := dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	return send(ctx, session)
}

func newSource(ctx context.Context, cfg config.AgentConfig) (sampler.Source, error) {
	synthetic := metricsource.NewSynthetic(cfg.Seed)

	if cfg.Source == config.SourceHost {
		return metricsource.NewHost(ctx, cfg.NodeID, synthetic)
	}

	return synthetic, nil
}
