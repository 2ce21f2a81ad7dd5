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
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap"
)

const (
	// SessionHeader carries the session key on every request after initialize.
	SessionHeader = "Mcp-Session-Id"

	// LastEventIDHeader resumes a push stream from the last event the client
	// saw before it disconnected.
	LastEventIDHeader = "Last-Event-ID"

	// DefaultKeepAliveInterval is the period between SSE keepalive comments.
	DefaultKeepAliveInterval = 15 * time.Second

	// maxBodyBytes caps inbound POST bodies.
	maxBodyBytes = 10 * 1024 * 1024
)

// StreamableHTTPServer implements the MCP streamable-http server transport:
// POST carries client messages in, GET opens the per-session SSE push stream,
// DELETE terminates the session. Sessions are keyed by the Mcp-Session-Id
// header, issued on a successful initialize and owned by a Registry.
//
// Security: This transport has NO authentication or authorization. It MUST
// only be bound to localhost (127.0.0.1 / ::1). Exposing it on a network
// interface grants unauthenticated access to all registered MCP tools.
type StreamableHTTPServer struct {
	registry  *Registry
	newEngine EngineFactory
	logger    *zap.Logger
	keepAlive time.Duration
}

// StreamableHTTPServerConfig configures the HTTP server transport.
type StreamableHTTPServerConfig struct {
	// EngineFactory builds one protocol engine per session. Required.
	EngineFactory EngineFactory

	// Registry owns session lifecycle. Required.
	Registry *Registry

	Logger *zap.Logger

	// KeepAliveInterval is the period between SSE keepalive comments.
	// Defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
}

// NewStreamableHTTPServer creates a new MCP streamable HTTP server handler.
func NewStreamableHTTPServer(config StreamableHTTPServerConfig) (*StreamableHTTPServer, error) {
	if config.EngineFactory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = DefaultKeepAliveInterval
	}

	return &StreamableHTTPServer{
		registry:  config.Registry,
		newEngine: config.EngineFactory,
		logger:    config.Logger,
		keepAlive: config.KeepAliveInterval,
	}, nil
}

// ServeHTTP implements http.Handler for the MCP endpoint.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, nil,
			protocol.InvalidRequest, "method not allowed")
	}
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	// Accept "application/json" with optional params like charset.
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, _ := mime.ParseMediaType(ct)
		if mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, nil,
				protocol.InvalidRequest, "Content-Type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, nil,
			protocol.InvalidRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, nil,
			protocol.InvalidRequest, "empty request body")
		return
	}

	sessionKey := r.Header.Get(SessionHeader)
	if sessionKey == "" {
		// Only a lone initialize request may open a session. Batches are
		// never session-initiating, even when one element is an initialize.
		if !s.isInitializeRequest(body) {
			writeError(w, http.StatusBadRequest, protocol.PeekRequestID(body),
				protocol.InvalidRequest, "Mcp-Session-Id header required")
			return
		}
		s.createSession(w, r, body)
		return
	}

	sess, ok := s.registry.Touch(sessionKey)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.PeekRequestID(body),
			protocol.SessionNotFound, "session not found")
		return
	}

	resp, err := sess.Dispatch(r.Context(), body)
	if err != nil {
		s.logger.Error("engine error",
			zap.String("session_id", sessionKey),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, protocol.PeekRequestID(body),
			protocol.InternalError, "internal server error")
		return
	}

	if resp == nil {
		// Notification - accepted but no content.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// createSession runs an initialize request through a fresh engine and admits
// the session only once the engine has confirmed it. A failed initialize
// leaves no session behind.
func (s *StreamableHTTPServer) createSession(w http.ResponseWriter, r *http.Request, body []byte) {
	key := uuid.New().String()

	engine, err := s.newEngine(func() { s.registry.Remove(key) })
	if err != nil {
		s.logger.Error("failed to create engine", zap.Error(err))
		writeError(w, http.StatusInternalServerError, protocol.PeekRequestID(body),
			protocol.InternalError, "failed to start session")
		return
	}

	resp, err := engine.HandleMessage(r.Context(), body)
	if err != nil {
		s.discardEngine(engine)
		s.logger.Error("initialize failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, protocol.PeekRequestID(body),
			protocol.InternalError, "internal server error")
		return
	}

	var parsed protocol.Response
	if resp == nil || json.Unmarshal(resp, &parsed) != nil {
		s.discardEngine(engine)
		s.logger.Error("initialize produced no usable response")
		writeError(w, http.StatusInternalServerError, protocol.PeekRequestID(body),
			protocol.InternalError, "internal server error")
		return
	}

	if parsed.Error != nil {
		// The engine rejected the handshake. Relay its error verbatim,
		// without a session key.
		s.discardEngine(engine)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
		return
	}

	s.registry.Register(NewSession(key, engine))

	w.Header().Set(SessionHeader, key)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// discardEngine tears down an engine that never became a session.
func (s *StreamableHTTPServer) discardEngine(engine Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		s.logger.Warn("engine close failed", zap.Error(err))
	}
}

func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeError(w, http.StatusNotAcceptable, nil,
			protocol.InvalidRequest, "Accept must include text/event-stream")
		return
	}

	sessionKey := r.Header.Get(SessionHeader)
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, nil,
			protocol.InvalidRequest, "Mcp-Session-Id header required")
		return
	}

	sess, err := s.registry.AttachStream(sessionKey)
	if err == ErrSessionNotFound {
		writeError(w, http.StatusNotFound, nil,
			protocol.SessionNotFound, "session not found")
		return
	}
	if err == ErrStreamActive {
		writeError(w, http.StatusConflict, nil,
			protocol.InvalidRequest, "session already has an active stream")
		return
	}
	defer s.registry.DetachStream(sess)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, nil,
			protocol.InternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replayed := sess.Events.After(r.Header.Get(LastEventIDHeader))
	for _, ev := range replayed {
		writeSSEEvent(w, flusher, ev)
	}

	s.logger.Debug("push stream attached",
		zap.String("session_id", sessionKey),
		zap.Int("replayed", len(replayed)),
	)

	keepalive := time.NewTicker(s.keepAlive)
	defer keepalive.Stop()

	notifications := sess.Engine.Notifications()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-notifications:
			if !open {
				// Engine shut down; the stream ends with it.
				return
			}
			writeSSEEvent(w, flusher, sess.Events.Append(msg))
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.Header.Get(SessionHeader)
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, nil,
			protocol.InvalidRequest, "Mcp-Session-Id header required")
		return
	}

	if !s.registry.Terminate(sessionKey) {
		writeError(w, http.StatusNotFound, nil,
			protocol.SessionNotFound, "session not found")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// isInitializeRequest checks if the body is a single initialize method call.
// A batch unmarshals into an array, not an object, and therefore reports
// false here.
func (s *StreamableHTTPServer) isInitializeRequest(body []byte) bool {
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Method == "initialize"
}

// writeSSEEvent writes one event in wire form and flushes it to the client.
func writeSSEEvent(w io.Writer, flusher http.Flusher, ev SSEEvent) {
	_, _ = fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", ev.ID, ev.Data)
	flusher.Flush()
}

// writeError writes a JSON-RPC error envelope with the given HTTP status.
// Transport-level failures carry the request id when one could be recovered
// from the inbound message, and null otherwise.
func writeError(w http.ResponseWriter, status int, id *protocol.RequestID, code int, message string) {
	body, err := protocol.MarshalResponse(id, nil, protocol.NewError(code, message, nil))
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
