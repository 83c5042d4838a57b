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

// Package config loads the collector and agent settings. Values come from the
// built-in defaults, a YAML file, the environment and command-line flags,
// each overriding the one before.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/connmgr"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/constants"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/exposition"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sampler"
)

// Metric sources the agent can sample.
const (
	SourceSynthetic = "synthetic"
	SourceHost      = "host"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn,omitempty"`
	Environment string `yaml:"environment,omitempty"`
}

// CollectorConfig configures the collector binary.
type CollectorConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Sentry  SentryConfig  `yaml:"sentry"`

	ListenAddr         string `yaml:"listenAddr"`
	Topology           string `yaml:"topology"`
	PoolDepth          int    `yaml:"poolDepth"`
	PerConnectionDepth int    `yaml:"perConnectionDepth"`
	CQSize             int    `yaml:"cqSize"`
	Slots              int    `yaml:"slots"` // store capacity

	ExpositionAddr    string `yaml:"expositionAddr"`
	ExpositionPath    string `yaml:"expositionPath"`
	ExpositionWorkers int    `yaml:"expositionWorkers"`

	AdminAddr           string        `yaml:"adminAddr"`
	StarvationThreshold time.Duration `yaml:"starvationThreshold"`
}

// ReconnectConfig controls the agent's reconnect supervisor.
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	// MaxElapsedTime of zero retries forever
	MaxElapsedTime time.Duration `yaml:"maxElapsedTime"`
}

// AgentConfig configures the agent binary.
type AgentConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Sentry  SentryConfig  `yaml:"sentry"`

	ServerAddr     string        `yaml:"serverAddr"`
	ResolveTimeout time.Duration `yaml:"resolveTimeout"`
	SendTimeout    time.Duration `yaml:"sendTimeout"`

	Interval time.Duration `yaml:"interval"`
	StreamID uint32        `yaml:"streamId"`
	Source   string        `yaml:"source"`
	NodeID   uint32        `yaml:"nodeId"` // 0 derives it from the host name
	Seed     uint64        `yaml:"seed"`

	// AdminAddr is empty when the agent exposes no metrics of its own.
	AdminAddr string          `yaml:"adminAddr,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: string(logger.ProductionLevel), Format: string(logger.FormatConsole)}
}

// DefaultCollectorConfig returns the collector defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Logging:             defaultLogging(),
		ListenAddr:          fmt.Sprintf(":%d", constants.DefaultRDMAPort),
		Topology:            string(connmgr.TopologyShared),
		PoolDepth:           constants.DefaultPoolDepth,
		PerConnectionDepth:  constants.DefaultPerConnectionDepth,
		CQSize:              constants.DefaultCQSize,
		Slots:               constants.DefaultStoreCapacity,
		ExpositionAddr:      constants.DefaultExpositionAddr,
		ExpositionPath:      constants.DefaultExpositionPath,
		ExpositionWorkers:   constants.DefaultExpositionWorkers,
		AdminAddr:           constants.DefaultAdminAddr,
		StarvationThreshold: constants.StarvationThreshold,
	}
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() AgentConfig {
	sup := sampler.DefaultSupervisorConfig()

	return AgentConfig{
		Logging:        defaultLogging(),
		ServerAddr:     fmt.Sprintf("127.0.0.1:%d", constants.DefaultRDMAPort),
		ResolveTimeout: constants.DefaultResolveTimeout,
		SendTimeout:    constants.DefaultSendTimeout,
		Interval:       constants.DefaultSampleInterval,
		StreamID:       constants.DefaultStreamID,
		Source:         SourceSynthetic,
		Seed:           1,
		Reconnect: ReconnectConfig{
			InitialInterval: sup.InitialInterval,
			MaxInterval:     sup.MaxInterval,
			MaxElapsedTime:  sup.MaxElapsedTime,
		},
	}
}

func (l LoggingConfig) validate() error {
	var errs []error

	switch logger.LogLevel(strings.ToUpper(l.Level)) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel, logger.ProductionLevel:
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR, PRODUCTION", l.Level))
	}

	if logger.ParseFormat(l.Format, "") == "" {
		errs = append(errs, fmt.Errorf("logging.format %q is not one of CONSOLE, JSON", l.Format))
	}

	return errors.Join(errs...)
}

// LogFormat returns the parsed log format.
func (l LoggingConfig) LogFormat() logger.LogFormat {
	return logger.ParseFormat(l.Format, logger.FormatConsole)
}

// Validate reports every invalid setting at once.
func (c CollectorConfig) Validate() error {
	errs := []error{c.Logging.validate()}

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr must not be empty"))
	}

	switch connmgr.Topology(c.Topology) {
	case connmgr.TopologyShared:
		if c.CQSize < c.PoolDepth {
			errs = append(errs, fmt.Errorf("cqSize %d cannot hold the completions of poolDepth %d", c.CQSize, c.PoolDepth))
		}
	case connmgr.TopologyPerConnection:
	default:
		errs = append(errs, fmt.Errorf("topology %q is not one of %s, %s", c.Topology, connmgr.TopologyShared, connmgr.TopologyPerConnection))
	}

	if c.PoolDepth <= 0 {
		errs = append(errs, fmt.Errorf("poolDepth must be positive, got %d", c.PoolDepth))
	}
	if c.PerConnectionDepth <= 0 {
		errs = append(errs, fmt.Errorf("perConnectionDepth must be positive, got %d", c.PerConnectionDepth))
	}
	if c.Slots <= 0 {
		errs = append(errs, fmt.Errorf("slots must be positive, got %d", c.Slots))
	}
	if c.ExpositionAddr == "" {
		errs = append(errs, errors.New("expositionAddr must not be empty"))
	}
	if !strings.HasPrefix(c.ExpositionPath, "/") {
		errs = append(errs, fmt.Errorf("expositionPath %q must start with /", c.ExpositionPath))
	}
	if c.ExpositionWorkers <= 0 {
		errs = append(errs, fmt.Errorf("expositionWorkers must be positive, got %d", c.ExpositionWorkers))
	}
	if c.StarvationThreshold <= 0 {
		errs = append(errs, fmt.Errorf("starvationThreshold must be positive, got %s", c.StarvationThreshold))
	}

	return errors.Join(errs...)
}

// Server returns the connection manager settings.
func (c CollectorConfig) Server() connmgr.ServerConfig {
	cfg := connmgr.DefaultServerConfig()
	cfg.ListenAddr = c.ListenAddr
	cfg.Topology = connmgr.Topology(c.Topology)
	cfg.PoolDepth = c.PoolDepth
	cfg.PerConnectionDepth = c.PerConnectionDepth
	cfg.CQSize = c.CQSize
	cfg.Slots = c.Slots

	return cfg
}

// Exposition returns the scrape endpoint settings.
func (c CollectorConfig) Exposition() exposition.Config {
	cfg := exposition.DefaultConfig()
	cfg.Addr = c.ExpositionAddr
	cfg.Path = c.ExpositionPath
	cfg.MaxConcurrent = c.ExpositionWorkers

	return cfg
}

// Validate reports every invalid setting at once.
func (c AgentConfig) Validate() error {
	errs := []error{c.Logging.validate()}

	if c.ServerAddr == "" {
		errs = append(errs, errors.New("serverAddr must not be empty"))
	}
	if c.ResolveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resolveTimeout must be positive, got %s", c.ResolveTimeout))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sendTimeout must be positive, got %s", c.SendTimeout))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Source != SourceSynthetic && c.Source != SourceHost {
		errs = append(errs, fmt.Errorf("source %q is not one of %s, %s", c.Source, SourceSynthetic, SourceHost))
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.InitialInterval <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.initialInterval must be positive, got %s", c.Reconnect.InitialInterval))
		}
		if c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
			errs = append(errs, fmt.Errorf("reconnect.maxInterval %s is below reconnect.initialInterval %s",
				c.Reconnect.MaxInterval, c.Reconnect.InitialInterval))
		}
		if c.Reconnect.MaxElapsedTime < 0 {
			errs = append(errs, fmt.Errorf("reconnect.maxElapsedTime must not be negative, got %s", c.Reconnect.MaxElapsedTime))
		}
	}

	return errors.Join(errs...)
}

// Client returns the connection settings.
func (c AgentConfig) Client() connmgr.ClientConfig {
	cfg := connmgr.DefaultClientConfig()
	cfg.ServerAddr = c.ServerAddr
	cfg.ResolveTimeout = c.ResolveTimeout
	cfg.ConnectTimeout = c.SendTimeout
	cfg.SendTimeout = c.SendTimeout

	return cfg
}

// Sampler returns the send loop settings.
func (c AgentConfig) Sampler() sampler.Config {
	cfg := sampler.DefaultConfig()
	cfg.Interval = c.Interval
	cfg.StreamID = c.StreamID

	return cfg
}

// Supervisor returns the reconnect settings.
func (c AgentConfig) Supervisor() sampler.SupervisorConfig {
	return sampler.SupervisorConfig{
		InitialInterval: c.Reconnect.InitialInterval,
		MaxInterval:     c.Reconnect.MaxInterval,
		MaxElapsedTime:  c.Reconnect.MaxElapsedTime,
	}
}
