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
	"strings"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Package-level state for debouncing errors.
var shouldDebounceErrors = true

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounceErrors = false
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounceErrors = true
}

// Options configures the sentry client. An empty DSN keeps reporting local:
// issues are still logged but nothing leaves the process.
type Options struct {
	DSN         string
	Release     string
	Environment string
	// BeforeSend lets tests observe events without a network transport.
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// InitSentry initializes the global sentry hub.
func InitSentry(opts Options, debounceErrors bool) {
	shouldDebounceErrors = debounceErrors

	if opts.DSN == "" && opts.BeforeSend == nil {
		zap.S().Debug("Sentry disabled, no DSN configured")

		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:           opts.DSN,
		Environment:   opts.Environment,
		Release:       "rdma-metric-collector@" + opts.Release,
		EnableTracing: false,
		BeforeSend:    opts.BeforeSend,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	// first phrase, up to a period, comma or colon
	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEvent(level sentry.Level, err error, context map[string]string) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	if len(context) > 0 {
		event.Tags = make(map[string]string, len(context))
		for key, value := range context {
			event.Tags[key] = value
			if key == "operation" || key == "component" {
				event.Fingerprint = append(event.Fingerprint, key+": "+value)
			}
		}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	localHub := sentry.CurrentHub().Clone()
	localHub.CaptureEvent(event)
}
