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

package sentry_test

import (
	"errors"
	"sync"

	sentrygo "github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/rdma-metric-collector/pkg/sentry"
)

var _ = Describe("Sentry reporting", func() {
	var (
		log      *zap.SugaredLogger
		mu       sync.Mutex
		captured []*sentrygo.Event
	)

	BeforeEach(func() {
		log = zaptest.NewLogger(GinkgoT()).Sugar()
		mu.Lock()
		captured = nil
		mu.Unlock()

		sentry.InitSentry(sentry.Options{
			Release: "0.0.0-test",
			BeforeSend: func(event *sentrygo.Event, _ *sentrygo.EventHint) *sentrygo.Event {
				mu.Lock()
				defer mu.Unlock()
				captured = append(captured, event)

				return nil
			},
		}, false)
	})

	AfterEach(func() {
		sentry.DisableTestMode()
	})

	events := func() []*sentrygo.Event {
		mu.Lock()
		defer mu.Unlock()

		return append([]*sentrygo.Event(nil), captured...)
	}

	It("sends warnings with a short exception title", func() {
		sentry.ReportIssue(errors.New("dispatcher stalled: no wakeup for 5s"), sentry.IssueTypeWarning, log) //nolint:err113 // Test needs dynamic error

		Eventually(events).Should(HaveLen(1))
		event := events()[0]
		Expect(event.Level).To(Equal(sentrygo.LevelWarning))
		Expect(event.Exception).To(HaveLen(1))
		Expect(event.Exception[0].Type).To(Equal("dispatcher stalled"))
	})

	It("attaches connection context as tags", func() {
		sentry.ReportConnectionError(log, "conn-1", "accept", errors.New("create qp failed")) //nolint:err113 // Test needs dynamic error

		Eventually(events).Should(HaveLen(1))
		Expect(events()[0].Tags).To(HaveKeyWithValue("connection_id", "conn-1"))
		Expect(events()[0].Fingerprint).To(ContainElement("operation: accept"))
	})

	It("does not panic with a nil logger", func() {
		Expect(func() {
			sentry.ReportIssuef(sentry.IssueTypeFatal, nil, "pool registration failed: %d slots", 1024)
		}).NotTo(Panic())
		Eventually(events).Should(HaveLen(1))
	})
})
