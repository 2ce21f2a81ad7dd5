// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package transport implements the session-managed communication layer of the
// MCP server: a streamable HTTP front door that multiplexes many client
// sessions behind one endpoint, and a stdio transport for local
// single-session use. Each session owns exactly one protocol engine; the
// transport routes inbound messages to it and streams its outbound
// notifications back to the client.
package transport

import (
	"context"
	"errors"
)

// Engine is the per-session protocol endpoint the transport delivers messages
// to. HandleMessage returns the serialized response, or nil for notifications.
// Notifications yields server-initiated messages until the engine closes the
// channel. Close releases the engine; it must be safe to call more than once.
type Engine interface {
	HandleMessage(ctx context.Context, msg []byte) ([]byte, error)
	Notifications() <-chan []byte
	Close(ctx context.Context) error
}

// EngineFactory builds the engine for a new session. onClose is invoked at
// most once when the engine shuts down on its own initiative; the transport
// uses it to unregister the session. Engines must not invoke it from Close,
// which covers transport-initiated teardown.
type EngineFactory func(onClose func()) (Engine, error)

var (
	// ErrSessionNotFound reports a session key that is unknown, expired, or
	// already terminated.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamActive reports that a session already has a live push stream.
	ErrStreamActive = errors.New("session already has an active stream")
)
