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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/config"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connmgr"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/exposition"
)

func setenv(key, value string) {
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, key)
}

func writeConfig(content string) string {
	dir, err := os.MkdirTemp("", "config-test")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)

	path := filepath.Join(dir, "config.yaml")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

	return path
}

var _ = Describe("Collector configuration", func() {
	It("loads valid defaults without any input", func() {
		cfg, err := config.LoadCollector(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server()).To(Equal(connmgr.DefaultServerConfig()))
		Expect(cfg.Exposition()).To(Equal(exposition.DefaultConfig()))
	})

	It("applies file, environment and flags in increasing precedence", func() {
		path := writeConfig(`
listenAddr: ":9000"
topology: per-connection
slots: 8
expositionPath: /from-file
starvationThreshold: 20s
`)
		setenv("SLOTS", "16")
		setenv("EXPOSITION_PATH", "/from-env")

		cfg, err := config.LoadCollector([]string{"--config", path, "--exposition-path", "/from-flag"})
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.ListenAddr).To(Equal(":9000"))
		Expect(cfg.Topology).To(Equal("per-connection"))
		Expect(cfg.Slots).To(Equal(16))
		Expect(cfg.ExpositionPath).To(Equal("/from-flag"))
		Expect(cfg.StarvationThreshold).To(Equal(20 * time.Second))
		Expect(cfg.PoolDepth).To(Equal(config.DefaultCollectorConfig().PoolDepth))
	})

	It("finds the file through CONFIG_FILE", func() {
		setenv("CONFIG_FILE", writeConfig("slots: 3\n"))

		cfg, err := config.LoadCollector(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Slots).To(Equal(3))
	})

	It("reports every invalid setting at once", func() {
		_, err := config.LoadCollector([]string{"--topology", "ring", "--slots", "0", "--exposition-path", "metrics"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(And(
			ContainSubstring(`topology "ring"`),
			ContainSubstring("slots must be positive"),
			ContainSubstring(`expositionPath "metrics"`),
		))
	})

	It("rejects a completion queue smaller than the shared pool", func() {
		cfg := config.DefaultCollectorConfig()
		cfg.CQSize = cfg.PoolDepth - 1
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("cqSize")))

		cfg.Topology = string(connmgr.TopologyPerConnection)
		Expect(cfg.Validate()).To(Succeed())
	})

	It("fails on malformed environment values and unknown flags", func() {
		setenv("POOL_DEPTH", "many")
		_, err := config.LoadCollector(nil)
		Expect(err).To(MatchError(ContainSubstring("POOL_DEPTH")))

		Expect(os.Unsetenv("POOL_DEPTH")).To(Succeed())
		_, err = config.LoadCollector([]string{"--no-such-flag"})
		Expect(err).To(HaveOccurred())
	})

	It("fails on a missing or broken file", func() {
		_, err := config.LoadCollector([]string{"--config", "/does/not/exist.yaml"})
		Expect(err).To(MatchError(ContainSubstring("read config file")))

		_, err = config.LoadCollector([]string{"--config", writeConfig("slots: [")})
		Expect(err).To(MatchError(ContainSubstring("parse config file")))
	})

	It("returns ErrHelp for --help", func() {
		_, err := config.LoadCollector([]string{"--help"})
		Expect(err).To(MatchError(config.ErrHelp))
	})

	It("translates into connection manager and scrape endpoint settings", func() {
		cfg, err := config.LoadCollector([]string{"--listen", ":7000", "--pool-depth", "32", "--exposition-workers", "1"})
		Expect(err).NotTo(HaveOccurred())

		server := cfg.Server()
		Expect(server.ListenAddr).To(Equal(":7000"))
		Expect(server.PoolDepth).To(Equal(32))
		Expect(server.Topology).To(Equal(connmgr.TopologyShared))

		Expect(cfg.Exposition().MaxConcurrent).To(Equal(1))
	})
})

var _ = Describe("Agent configuration", func() {
	It("loads valid defaults without any input", func() {
		cfg, err := config.LoadAgent(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Source).To(Equal(config.SourceSynthetic))
		Expect(cfg.Reconnect.Enabled).To(BeFalse())
	})

	It("reads reconnect settings from the environment and flags", func() {
		setenv("RECONNECT_ENABLED", "true")
		setenv("RECONNECT_MAX_INTERVAL", "1m")
		setenv("NODE_ID", "42")

		cfg, err := config.LoadAgent([]string{"-s", "collector:7471", "--reconnect-initial-interval", "2s", "--source", "host"})
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.ServerAddr).To(Equal("collector:7471"))
		Expect(cfg.Source).To(Equal(config.SourceHost))
		Expect(cfg.NodeID).To(Equal(uint32(42)))

		sup := cfg.Supervisor()
		Expect(sup.InitialInterval).To(Equal(2 * time.Second))
		Expect(sup.MaxInterval).To(Equal(time.Minute))
	})

	It("rejects out-of-range ids and inverted reconnect intervals", func() {
		setenv("STREAM_ID", "-1")
		_, err := config.LoadAgent(nil)
		Expect(err).To(MatchError(ContainSubstring("STREAM_ID")))

		cfg := config.DefaultAgentConfig()
		cfg.Reconnect.Enabled = true
		cfg.Reconnect.MaxInterval = cfg.Reconnect.InitialInterval / 2
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("reconnect.maxInterval")))
	})

	It("rejects unknown sources and log formats", func() {
		_, err := config.LoadAgent([]string{"--source", "gpu", "--log-format", "xml"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(And(ContainSubstring(`source "gpu"`), ContainSubstring(`logging.format "xml"`)))
	})

	It("carries the settings into the client and the sampler", func() {
		cfg, err := config.LoadAgent([]string{"--interval", "1s", "--stream-id", "9", "--send-timeout", "5s"})
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Sampler().Interval).To(Equal(time.Second))
		Expect(cfg.Sampler().StreamID).To(Equal(uint32(9)))
		Expect(cfg.Client().SendTimeout).To(Equal(5 * time.Second))
		Expect(cfg.Client().RNRRetryCount).To(Equal(connmgr.DefaultClientConfig().RNRRetryCount))
	})
})
