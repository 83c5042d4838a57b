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

package sentry

import (
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const debounceWindow = 2 * time.Hour

// reportFatal logs the error, sends it to sentry and flushes the client.
// The caller decides how the process terminates.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]string) {
	log.Errorw("Encountered a fatal error, shutting down", "error", err)

	sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)
}

var (
	errorLastSent      = time.Now().Add(-24 * time.Hour)
	errorLastSentMutex sync.Mutex
)

func reportError(err error, log *zap.SugaredLogger, context map[string]string) {
	log.Error(err)

	errorLastSentMutex.Lock()
	defer errorLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(errorLastSent) < debounceWindow {
		return
	}

	sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
	errorLastSent = time.Now()
}

var (
	warningLastSent      = time.Now().Add(-24 * time.Hour)
	warningLastSentMutex sync.Mutex
)

func reportWarning(err error, log *zap.SugaredLogger, context map[string]string) {
	log.Warn(err)

	warningLastSentMutex.Lock()
	defer warningLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(warningLastSent) < debounceWindow {
		return
	}

	sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
	warningLastSent = time.Now()
}
