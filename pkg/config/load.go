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

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"gopkg.in/yaml.v3"
)

// ErrHelp is returned when -h or --help was given. The usage has been printed.
var ErrHelp = pflag.ErrHelp

// LoadCollector builds the collector configuration from args (without the
// program name) and the environment, then validates it.
func LoadCollector(args []string) (CollectorConfig, error) {
	cfg := DefaultCollectorConfig()

	if err := load("collector", args, &cfg, applyCollectorEnv, bindCollectorFlags); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// LoadAgent builds the agent configuration from args (without the program
// name) and the environment, then validates it.
func LoadAgent(args []string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if err := load("agent", args, &cfg, applyAgentEnv, bindAgentFlags); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// load applies the config file named by --config (or CONFIG_FILE), the
// environment and the flags to cfg, in that order.
func load[T any](name string, args []string, cfg *T, applyEnv func(*T) error, bind func(*pflag.FlagSet, *T)) error {
	path, err := configPath(name, args)
	if err != nil {
		return err
	}

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	bind(fs, cfg)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ErrHelp
		}

		return fmt.Errorf("parse flags: %w", err)
	}

	return nil
}

// configPath finds the config file before the other flags are parsed, since
// the file sits below them in precedence.
func configPath(name string, args []string) (string, error) {
	fallback, err := env.GetAsString("CONFIG_FILE", false, "")
	if err != nil {
		return "", fmt.Errorf("read CONFIG_FILE: %w", err)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", fallback, "")

	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", fmt.Errorf("parse flags: %w", err)
	}

	return *path, nil
}

func readFile[T any](path string, cfg *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// envReader collects every bad variable instead of stopping at the first.
type envReader struct {
	errs []error
}

func (r *envReader) asString(key string, dst *string) {
	v, err := env.GetAsString(key, false, *dst)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	*dst = v
}

func (r *envReader) asInt(key string, dst *int) {
	v, err := env.GetAsInt(key, false, *dst)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	*dst = v
}

func (r *envReader) asUint32(key string, dst *uint32) {
	v, err := env.GetAsInt(key, false, int(*dst))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	if v < 0 || int64(v) > math.MaxUint32 {
		r.errs = append(r.errs, fmt.Errorf("%s: %d is out of range", key, v))

		return
	}
	*dst = uint32(v)
}

func (r *envReader) asUint64(key string, dst *uint64) {
	v, err := env.GetAsInt(key, false, int(*dst))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	if v < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: %d is negative", key, v))

		return
	}
	*dst = uint64(v)
}

func (r *envReader) asBool(key string, dst *bool) {
	v, err := env.GetAsBool(key, false, *dst)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	*dst = v
}

func (r *envReader) asDuration(key string, dst *time.Duration) {
	raw, err := env.GetAsString(key, false, "")
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	if raw == "" {
		return
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))

		return
	}
	*dst = d
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func readCommonEnv(r *envReader, logging *LoggingConfig, sentry *SentryConfig) {
	r.asString("LOGGING_LEVEL", &logging.Level)
	r.asString("LOGGING_FORMAT", &logging.Format)
	r.asString("SENTRY_DSN", &sentry.DSN)
	r.asString("SENTRY_ENVIRONMENT", &sentry.Environment)
}

func applyCollectorEnv(c *CollectorConfig) error {
	r := &envReader{}
	readCommonEnv(r, &c.Logging, &c.Sentry)

	r.asString("LISTEN_ADDR", &c.ListenAddr)
	r.asString("TOPOLOGY", &c.Topology)
	r.asInt("POOL_DEPTH", &c.PoolDepth)
	r.asInt("PER_CONNECTION_DEPTH", &c.PerConnectionDepth)
	r.asInt("CQ_SIZE", &c.CQSize)
	r.asInt("SLOTS", &c.Slots)
	r.asString("EXPOSITION_ADDR", &c.ExpositionAddr)
	r.asString("EXPOSITION_PATH", &c.ExpositionPath)
	r.asInt("EXPOSITION_WORKERS", &c.ExpositionWorkers)
	r.asString("ADMIN_ADDR", &c.AdminAddr)
	r.asDuration("STARVATION_THRESHOLD", &c.StarvationThreshold)

	return r.err()
}

func applyAgentEnv(c *AgentConfig) error {
	r := &envReader{}
	readCommonEnv(r, &c.Logging, &c.Sentry)

	r.asString("SERVER_ADDR", &c.ServerAddr)
	r.asDuration("RESOLVE_TIMEOUT", &c.ResolveTimeout)
	r.asDuration("SEND_TIMEOUT", &c.SendTimeout)
	r.asDuration("SAMPLE_INTERVAL", &c.Interval)
	r.asUint32("STREAM_ID", &c.StreamID)
	r.asString("METRIC_SOURCE", &c.Source)
	r.asUint32("NODE_ID", &c.NodeID)
	r.asUint64("SEED", &c.Seed)
	r.asString("ADMIN_ADDR", &c.AdminAddr)
	r.asBool("RECONNECT_ENABLED", &c.Reconnect.Enabled)
	r.asDuration("RECONNECT_INITIAL_INTERVAL", &c.Reconnect.InitialInterval)
	r.asDuration("RECONNECT_MAX_INTERVAL", &c.Reconnect.MaxInterval)
	r.asDuration("RECONNECT_MAX_ELAPSED_TIME", &c.Reconnect.MaxElapsedTime)

	return r.err()
}

func bindCommonFlags(fs *pflag.FlagSet, logging *LoggingConfig, sentry *SentryConfig) {
	fs.StringVar(&logging.Level, "log-level", logging.Level, "DEBUG, INFO, WARN, ERROR or PRODUCTION")
	fs.StringVar(&logging.Format, "log-format", logging.Format, "CONSOLE or JSON")
	fs.StringVar(&sentry.DSN, "sentry-dsn", sentry.DSN, "Sentry DSN, empty disables reporting")
	fs.StringVar(&sentry.Environment, "sentry-environment", sentry.Environment, "Sentry environment")
}

func bindCollectorFlags(fs *pflag.FlagSet, c *CollectorConfig) {
	bindCommonFlags(fs, &c.Logging, &c.Sentry)

	fs.StringVarP(&c.ListenAddr, "listen", "l", c.ListenAddr, "address agents connect to")
	fs.StringVar(&c.Topology, "topology", c.Topology, "shared or per-connection")
	fs.IntVar(&c.PoolDepth, "pool-depth", c.PoolDepth, "receive slots on the shared receive queue")
	fs.IntVar(&c.PerConnectionDepth, "per-connection-depth", c.PerConnectionDepth, "receive slots per connection in the per-connection topology")
	fs.IntVar(&c.CQSize, "cq-size", c.CQSize, "entries of the shared completion queue")
	fs.IntVar(&c.Slots, "slots", c.Slots, "number of agents whose metrics are kept")
	fs.StringVar(&c.ExpositionAddr, "exposition-addr", c.ExpositionAddr, "address of the scrape endpoint")
	fs.StringVar(&c.ExpositionPath, "exposition-path", c.ExpositionPath, "path of the scrape endpoint")
	fs.IntVar(&c.ExpositionWorkers, "exposition-workers", c.ExpositionWorkers, "scrapes answered at once")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "address of /metrics, /live and /ready")
	fs.DurationVar(&c.StarvationThreshold, "starvation-threshold", c.StarvationThreshold, "dispatcher silence before it counts as starved")
}

func bindAgentFlags(fs *pflag.FlagSet, c *AgentConfig) {
	bindCommonFlags(fs, &c.Logging, &c.Sentry)

	fs.StringVarP(&c.ServerAddr, "server", "s", c.ServerAddr, "collector address")
	fs.DurationVar(&c.ResolveTimeout, "resolve-timeout", c.ResolveTimeout, "address and route resolution timeout")
	fs.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "connect and send completion timeout")
	fs.DurationVarP(&c.Interval, "interval", "i", c.Interval, "sampling interval")
	fs.Uint32Var(&c.StreamID, "stream-id", c.StreamID, "stream id stamped on metrics frames")
	fs.StringVar(&c.Source, "source", c.Source, "synthetic or host")
	fs.Uint32Var(&c.NodeID, "node-id", c.NodeID, "node id reported by the host source, 0 derives it from the host name")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "seed of the synthetic source")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "address of /metrics, empty disables it")
	fs.BoolVar(&c.Reconnect.Enabled, "reconnect", c.Reconnect.Enabled, "reconnect with backoff instead of exiting on connection loss")
	fs.DurationVar(&c.Reconnect.InitialInterval, "reconnect-initial-interval", c.Reconnect.InitialInterval, "first reconnect delay")
	fs.DurationVar(&c.Reconnect.MaxInterval, "reconnect-max-interval", c.Reconnect.MaxInterval, "longest reconnect delay")
	fs.DurationVar(&c.Reconnect.MaxElapsedTime, "reconnect-max-elapsed", c.Reconnect.MaxElapsedTime, "give up after this long without a connection, 0 never gives up")
}
