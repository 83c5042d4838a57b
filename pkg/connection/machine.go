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

package connection

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

func transitions() []fsm.EventDesc {
	return []fsm.EventDesc{
		// client: init -> address_resolving -> route_resolving -> connecting
		{Name: EventResolveAddr, Src: []string{StateInit}, Dst: StateAddressResolving},
		{Name: EventAddrResolved, Src: []string{StateAddressResolving}, Dst: StateRouteResolving},
		{Name: EventRouteResolved, Src: []string{StateRouteResolving}, Dst: StateConnecting},

		// collector side
		{Name: EventConnectRequest, Src: []string{StateInit}, Dst: StateListenAccepting},
		{Name: EventListen, Src: []string{StateInit}, Dst: StateListening},

		// connecting/listen_accepting -> established
		{Name: EventEstablished, Src: []string{StateConnecting, StateListenAccepting}, Dst: StateEstablished},

		// established -> disconnecting -> closed
		{Name: EventDisconnect, Src: []string{StateEstablished, StateConnecting, StateListenAccepting}, Dst: StateDisconnecting},
		{Name: EventClosed, Src: []string{StateDisconnecting}, Dst: StateClosed},

		// any failure before the connection is usable closes it right away
		{
			Name: EventFail,
			Src: []string{
				StateInit,
				StateAddressResolving,
				StateRouteResolving,
				StateConnecting,
				StateListenAccepting,
				StateListening,
				StateEstablished,
				StateDisconnecting,
			},
			Dst: StateClosed,
		},
	}
}

func newMachine(id string, log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		StateInit,
		fsm.Events(transitions()),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Connection %s: %s -> %s (%s)", id, e.Src, e.Dst, e.Event)
			},
		},
	)
}
