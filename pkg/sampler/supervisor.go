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

package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/wire"
)

// Session is one connection to the collector.
type Session interface {
	Sender
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (Session, error)

// RunFunc drives an open session until it fails or ctx is cancelled.
type RunFunc func(ctx context.Context, sender Sender) error

// SupervisorConfig is the reconnect policy.
type SupervisorConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime gives up after this long without a working session.
	// Zero retries forever.
	MaxElapsedTime time.Duration
}

// DefaultSupervisorConfig returns the agent's reconnect defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (c SupervisorConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.MaxElapsedTime

	return backoff.WithContext(b, ctx)
}

// Supervise dials a session, runs it and dials again with exponential backoff
// when the session fails. It stops when ctx is cancelled, when the backoff
// gives up and when a frame cannot be encoded, which no reconnect fixes.
func Supervise(ctx context.Context, cfg SupervisorConfig, dial DialFunc, run RunFunc, log *zap.SugaredLogger) error {
	policy := cfg.backOff(ctx)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		session, err := dial(ctx)
		if err != nil {
			return fmt.Errorf("dial collector: %w", err)
		}
		defer func() {
			if err := session.Close(); err != nil {
				log.Debugf("Closing session: %v", err)
			}
		}()

		// a session that came up counts as success for the backoff
		policy.Reset()

		err = run(ctx, session)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case err == nil:
			return errors.New("session ended")
		case errors.Is(err, wire.ErrFrameTooLarge):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	notify := func(err error, next time.Duration) {
		log.Warnf("Session to collector failed, reconnecting in %s: %v", next.Round(time.Millisecond), err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if ctx.Err() != nil {
		return nil
	}

	return err
}
