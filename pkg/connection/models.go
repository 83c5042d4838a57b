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

// Connection states. Agents walk Init -> AddressResolving -> RouteResolving ->
// Connecting -> Established; connections accepted by the collector go
// Init -> ListenAccepting -> Established. Both end in Disconnecting -> Closed.
// The collector's listener sits in Listening for its whole life.
const (
	StateInit             = "init"
	StateAddressResolving = "address_resolving"
	StateRouteResolving   = "route_resolving"
	StateConnecting       = "connecting"
	StateListenAccepting  = "listen_accepting"
	StateListening        = "listening"
	StateEstablished      = "established"
	StateDisconnecting    = "disconnecting"
	StateClosed           = "closed"
)

// Connection events.
const (
	EventResolveAddr    = "resolve_addr"
	EventAddrResolved   = "addr_resolved"
	EventRouteResolved  = "route_resolved"
	EventConnectRequest = "connect_request"
	EventListen         = "listen"
	EventEstablished    = "established"
	EventDisconnect     = "disconnect"
	EventClosed         = "closed"
	EventFail           = "fail"
)

// Role tells which side of a connection a context describes.
type Role string

const (
	RoleClient   Role = "client"
	RoleAccepted Role = "accepted"
	RoleListener Role = "listener"
)
