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

package starvationchecker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/logger"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/metrics"
	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
)

// StarvationChecker watches the heartbeats of the completion dispatchers. A
// dispatcher beats on every wake, including the bounded timeouts of an idle
// completion channel, so a missing beat means its goroutine is blocked
// somewhere it should not be (a stuck handler, a wedged provider).
//
// Every dispatcher registers its own heartbeat with Register and releases it
// when it is joined. The checker is idle while nothing is registered and Beat
// was never called: the collector only starts dispatchers on connection
// requests, and in per-connection mode they come and go with their agents.
type StarvationChecker struct {
	sources             map[uint64]*source
	ctx                 context.Context //nolint:containedctx // This is intentional for background service lifecycle
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	checkInterval       time.Duration
	nextID              uint64
	mutex               sync.RWMutex
}

type source struct {
	name     string
	lastBeat time.Time
}

// defaultSource backs Beat for callers that never Register.
const defaultSource = 0

// NewStarvationChecker creates a checker and starts its background goroutine,
// which looks at the heartbeats once per second. It must be stopped with Stop.
func NewStarvationChecker(threshold time.Duration) *StarvationChecker {
	return newStarvationChecker(threshold, time.Second)
}

func newStarvationChecker(threshold, interval time.Duration) *StarvationChecker {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &StarvationChecker{
		sources:             make(map[uint64]*source),
		starvationThreshold: threshold,
		checkInterval:       interval,
		nextID:              defaultSource + 1,
		logger:              logger.For(logger.ComponentStarvationChecker),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Infof("Starvation checker created with threshold %s", threshold)

	return checker
}

func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			name, since, ok := s.stalest()
			if !ok {
				continue
			}

			if since > s.starvationThreshold {
				metrics.AddStarvationTime(s.checkInterval.Seconds())
				sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "[StarvationChecker.checkStarvationLoop] Completion dispatcher %s starvation detected: %.2f seconds since last wake", name, since.Seconds())
			} else {
				s.logger.Debugf("Completion dispatchers are healthy, oldest wake was %.2f seconds ago", since.Seconds())
			}
		}
	}
}

// stalest returns the source that went longest without a beat.
func (s *StarvationChecker) stalest() (string, time.Duration, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var (
		oldest *source
		found  bool
	)

	for _, src := range s.sources {
		if !found || src.lastBeat.Before(oldest.lastBeat) {
			oldest, found = src, true
		}
	}

	if !found {
		return "", 0, false
	}

	return oldest.name, time.Since(oldest.lastBeat), true
}

// Stop terminates the background goroutine.
func (s *StarvationChecker) Stop() {
	s.logger.Info("Stopping starvation checker")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Starvation checker stopped")
}

// Register adds a heartbeat named name. The returned beat marks it alive and
// release removes it from the check. The heartbeat counts as fresh when it
// is registered, so a dispatcher that never wakes is reported too.
func (s *StarvationChecker) Register(name string) (beat func(), release func()) {
	s.mutex.Lock()
	id := s.nextID
	s.nextID++
	s.sources[id] = &source{name: name, lastBeat: time.Now()}
	s.mutex.Unlock()

	beat = func() { s.beat(id, name) }
	release = func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		delete(s.sources, id)
	}

	return beat, release
}

// Beat marks the unnamed default heartbeat as alive.
func (s *StarvationChecker) Beat() {
	s.beat(defaultSource, "dispatcher")
}

func (s *StarvationChecker) beat(id uint64, name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	src, ok := s.sources[id]
	if !ok {
		if id != defaultSource {
			// released; a late wake must not bring it back
			return
		}

		src = &source{name: name}
		s.sources[id] = src
	}

	src.lastBeat = time.Now()
}

// GetLastBeat returns the time of the most recent beat of any heartbeat, zero
// if there was none.
func (s *StarvationChecker) GetLastBeat() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var last time.Time
	for _, src := range s.sources {
		if src.lastBeat.After(last) {
			last = src.lastBeat
		}
	}

	return last
}

// Check is a healthcheck.Check: it fails while any registered dispatcher is
// starved.
func (s *StarvationChecker) Check() error {
	name, since, ok := s.stalest()
	if ok && since > s.starvationThreshold {
		return fmt.Errorf("completion dispatcher %s starved for %s", name, since.Round(time.Millisecond))
	}

	return nil
}
