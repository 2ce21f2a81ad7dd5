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
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap"
)

// MethodHandler processes a JSON-RPC method call.
// id is the request ID (nil for notifications).
// params is the raw JSON params from the request.
type MethodHandler func(ctx context.Context, id json.RawMessage, params json.RawMessage) (interface{}, error)

// Engine is a JSON-RPC based MCP endpoint that dispatches method calls to
// registered handlers. A transport creates one engine per session and feeds
// it messages through HandleMessage; server-initiated messages flow back
// through Notifications.
type Engine struct {
	info         protocol.Implementation
	capabilities protocol.ServerCapabilities
	handlers     map[string]MethodHandler
	logger       *zap.Logger
	tools        ToolProvider
	resources    ResourceProvider

	mu                 sync.RWMutex
	closed             bool
	clientInfo         *protocol.Implementation     // Stored after initialize
	clientCapabilities *protocol.ClientCapabilities // Stored after initialize

	notifyCh chan []byte // Buffered channel for outgoing notifications
}

// Option configures an Engine.
type Option func(*Engine)

// WithToolProvider registers a ToolProvider and enables the tools capability.
func WithToolProvider(p ToolProvider) Option {
	return func(e *Engine) {
		e.tools = p
		e.capabilities.Tools = &protocol.ToolsCapability{}
		e.RegisterHandler("tools/list", e.handleToolsList)
		e.RegisterHandler("tools/call", e.handleToolsCall)
	}
}

// WithResourceProvider registers a ResourceProvider and enables the resources
// capability. Sets ListChanged: true to indicate the engine may send resource
// list change notifications.
func WithResourceProvider(p ResourceProvider) Option {
	return func(e *Engine) {
		e.resources = p
		e.capabilities.Resources = &protocol.ResourcesCapability{
			ListChanged: true,
		}
		e.RegisterHandler("resources/list", e.handleResourcesList)
		e.RegisterHandler("resources/read", e.handleResourcesRead)
	}
}

// NewEngine creates an engine with the given identity and options.
func NewEngine(name, version string, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		info: protocol.Implementation{
			Name:    name,
			Version: version,
		},
		capabilities: protocol.ServerCapabilities{
			Logging: &protocol.LoggingCapability{},
		},
		handlers: make(map[string]MethodHandler),
		logger:   logger,
		notifyCh: make(chan []byte, 16),
	}

	// Register built-in handlers
	e.RegisterHandler("initialize", e.handleInitialize)
	e.RegisterHandler("notifications/initialized", e.handleNotificationsInitialized)
	e.RegisterHandler("ping", e.handlePing)

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RegisterHandler registers a handler for a JSON-RPC method.
func (e *Engine) RegisterHandler(method string, handler MethodHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = handler
}

// HandleMessage processes a single JSON-RPC message and returns the response
// bytes. For notifications (no id), returns nil.
func (e *Engine) HandleMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var req protocol.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return protocol.MarshalResponse(nil, nil, protocol.NewError(protocol.ParseError, "invalid JSON", nil))
	}

	if err := protocol.ValidateRequest(&req); err != nil {
		return protocol.MarshalResponse(nil, nil, protocol.NewError(protocol.InvalidRequest, err.Error(), nil))
	}

	e.logger.Debug("handling request", zap.String("method", req.Method), zap.Any("id", req.ID))
	start := time.Now()

	e.mu.RLock()
	handler, ok := e.handlers[req.Method]
	e.mu.RUnlock()

	if !ok {
		// Unknown method
		if req.ID == nil {
			// Notification for unknown method - ignore silently
			return nil, nil
		}
		return protocol.MarshalResponse(req.ID, nil, protocol.NewError(protocol.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil))
	}

	// Extract raw ID for the handler
	var rawID json.RawMessage
	if req.ID != nil {
		idBytes, err := json.Marshal(req.ID)
		if err != nil {
			return protocol.MarshalResponse(nil, nil, protocol.NewError(protocol.InternalError, "failed to marshal request ID", nil))
		}
		rawID = idBytes
	}

	result, err := handler(ctx, rawID, req.Params)
	duration := time.Since(start)

	if err != nil {
		// Handler returned an error
		e.logger.Warn("handler error",
			zap.String("method", req.Method),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		if req.ID == nil {
			// Notification - don't send error response
			return nil, nil
		}
		// Preserve original JSON-RPC error code if the handler returned a *protocol.Error
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return protocol.MarshalResponse(req.ID, nil, rpcErr)
		}
		return protocol.MarshalResponse(req.ID, nil, protocol.NewError(protocol.InternalError, err.Error(), nil))
	}

	e.logger.Debug("request handled",
		zap.String("method", req.Method),
		zap.Duration("duration", duration),
	)

	if req.ID == nil {
		// Notification - no response
		return nil, nil
	}

	return protocol.MarshalResponse(req.ID, result, nil)
}

// Notifications yields server-initiated messages. The channel is closed when
// the engine closes.
func (e *Engine) Notifications() <-chan []byte {
	return e.notifyCh
}

// Close releases the engine and ends its notification stream. Safe to call
// more than once.
func (e *Engine) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.notifyCh)
	return nil
}

// handleInitialize processes the initialize request.
func (e *Engine) handleInitialize(_ context.Context, _ json.RawMessage, params json.RawMessage) (interface{}, error) {
	var initParams protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, protocol.NewError(protocol.InvalidParams, fmt.Sprintf("invalid initialize params: %v", err), nil)
		}
	}

	// Validate protocol version compatibility
	if initParams.ProtocolVersion != "" && initParams.ProtocolVersion != protocol.ProtocolVersion {
		e.logger.Warn("client protocol version mismatch",
			zap.String("client_version", initParams.ProtocolVersion),
			zap.String("server_version", protocol.ProtocolVersion),
		)
	}

	// Store client info and capabilities for observability
	e.mu.Lock()
	caps := initParams.Capabilities
	e.clientCapabilities = &caps
	if initParams.ClientInfo.Name != "" {
		e.clientInfo = &initParams.ClientInfo
	}
	e.mu.Unlock()

	if initParams.ClientInfo.Name != "" {
		e.logger.Info("client connected",
			zap.String("client_name", initParams.ClientInfo.Name),
			zap.String("client_version", initParams.ClientInfo.Version),
			zap.Bool("supports_sampling", initParams.Capabilities.Sampling != nil),
			zap.Bool("supports_roots", initParams.Capabilities.Roots != nil),
		)
	}

	result := protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    e.capabilities,
		ServerInfo:      e.info,
	}
	return result, nil
}

// handleNotificationsInitialized handles the initialized notification (no-op).
func (e *Engine) handleNotificationsInitialized(_ context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
	e.logger.Debug("client initialized")
	return nil, nil
}

// handlePing handles the ping request.
func (e *Engine) handlePing(_ context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

// ClientInfo returns the connected client's information, or nil if not yet initialized.
func (e *Engine) ClientInfo() *protocol.Implementation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clientInfo
}

// ClientCapabilities returns the connected client's capabilities, or nil if not yet initialized.
func (e *Engine) ClientCapabilities() *protocol.ClientCapabilities {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clientCapabilities
}

// NotifyResourceListChanged enqueues a resources/list_changed notification
// for delivery on the session's push stream.
func (e *Engine) NotifyResourceListChanged() {
	e.notify("notifications/resources/list_changed", nil)
}

// NotifyLogMessage enqueues a notifications/message log entry for the client.
// level follows the MCP logging levels (debug, info, warning, error).
func (e *Engine) NotifyLogMessage(level, loggerName string, data interface{}) {
	e.notify("notifications/message", protocol.LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

// notify marshals and enqueues a notification. If the engine is closed or the
// channel is full the notification is dropped with a log entry.
func (e *Engine) notify(method string, params interface{}) {
	payload, err := protocol.MarshalNotification(method, params)
	if err != nil {
		e.logger.Error("failed to marshal notification", zap.String("method", method), zap.Error(err))
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Debug("notification dropped, engine closed", zap.String("method", method))
		return
	}

	select {
	case e.notifyCh <- payload:
		e.logger.Debug("enqueued notification", zap.String("method", method))
	default:
		e.logger.Warn("notification channel full, dropping", zap.String("method", method))
	}
}
