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
// Package client implements the companion MCP streamable-http client:
// requests go out as POSTs that carry the session key once the server
// issues one, server pushes arrive over the session's SSE stream, and
// DELETE tears the session down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap"
)

// ErrSessionExpired indicates the server no longer knows our session (HTTP 404).
var ErrSessionExpired = errors.New("session expired")

// SessionHeader carries the session key on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

const defaultRequestTimeout = 30 * time.Second

// Config configures the MCP client.
type Config struct {
	// Endpoint is the MCP URL, e.g. "http://127.0.0.1:5056/mcp". Required.
	Endpoint string

	// HTTPClient overrides the default client, e.g. for tests.
	HTTPClient *http.Client

	// RequestTimeout bounds each request. Defaults to 30s. Ignored when
	// HTTPClient is provided.
	RequestTimeout time.Duration

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client is an MCP client connection over the streamable-http transport.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	nextID int64

	mu                 sync.RWMutex
	sessionID          string
	initialized        bool
	serverInfo         protocol.Implementation
	serverCapabilities protocol.ServerCapabilities
	closed             bool

	// Tool cache, filled by ListTools.
	toolsMu sync.RWMutex
	tools   map[string]protocol.Tool

	streamCtx    context.Context
	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup
}

// NewClient creates a streamable-http MCP client.
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())

	return &Client{
		endpoint:     config.Endpoint,
		httpClient:   httpClient,
		logger:       logger,
		tools:        make(map[string]protocol.Tool),
		streamCtx:    streamCtx,
		streamCancel: streamCancel,
	}, nil
}

// Initialize performs the MCP handshake: it sends initialize, captures the
// session key the server issues, and completes with the initialized
// notification.
func (c *Client) Initialize(ctx context.Context, clientInfo protocol.Implementation) (*protocol.InitializeResult, error) {
	c.mu.RLock()
	already := c.initialized
	c.mu.RUnlock()
	if already {
		return nil, fmt.Errorf("already initialized")
	}

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      clientInfo,
	}

	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	c.logger.Info("MCP client initialized",
		zap.String("server", result.ServerInfo.Name),
		zap.String("version", result.ServerInfo.Version),
		zap.String("session_id", c.SessionID()))

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return &result, nil
}

// Call sends a request and returns the decoded response envelope. A JSON-RPC
// error in the envelope comes back as a *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      protocol.NewNumericRequestID(atomic.AddInt64(&c.nextID, 1)),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("no response for request %s", method)
	}

	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return &resp, nil
}

// Notify sends a notification; the server acknowledges it without a body.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	_, err := c.post(ctx, req)
	return err
}

// post sends one message and returns the response body, nil when the server
// answered 202 Accepted.
func (c *Client) post(ctx context.Context, req *protocol.Request) ([]byte, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("client closed")
	}
	c.mu.RUnlock()

	message, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID := c.SessionID(); sessionID != "" {
		httpReq.Header.Set(SessionHeader, sessionID)
	}

	c.logger.Debug("sending POST request",
		zap.String("method", req.Method),
		zap.Int("message_size", len(message)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, nil
	case http.StatusNotFound:
		c.logger.Warn("session expired, clearing session")
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
		return nil, ErrSessionExpired
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, body)
	}

	if sessionID := resp.Header.Get(SessionHeader); sessionID != "" {
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = sessionID
			c.logger.Info("session established", zap.String("session_id", sessionID))
		}
		c.mu.Unlock()
	}

	return io.ReadAll(resp.Body)
}

// ListTools returns the server's tools and refreshes the local cache.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result protocol.ToolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	c.toolsMu.Lock()
	c.tools = make(map[string]protocol.Tool, len(result.Tools))
	for _, tool := range result.Tools {
		c.tools[tool.Name] = tool
	}
	c.toolsMu.Unlock()

	return result.Tools, nil
}

// CallTool invokes a tool. Arguments are validated against the tool's input
// schema before anything goes on the wire; a tool-level failure (isError)
// comes back as an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error) {
	tool, err := c.getTool(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateToolArguments(tool, arguments); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", name, err)
	}

	resp, err := c.Call(ctx, "tools/call", protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result: %w", err)
	}

	if result.IsError {
		if len(result.Content) > 0 && result.Content[0].Type == "text" {
			return nil, fmt.Errorf("tool error: %s", result.Content[0].Text)
		}
		return nil, fmt.Errorf("tool returned error")
	}
	return &result, nil
}

// getTool retrieves a tool definition from the cache or the server.
func (c *Client) getTool(ctx context.Context, name string) (protocol.Tool, error) {
	c.toolsMu.RLock()
	tool, exists := c.tools[name]
	c.toolsMu.RUnlock()
	if exists {
		return tool, nil
	}

	if _, err := c.ListTools(ctx); err != nil {
		return protocol.Tool{}, err
	}

	c.toolsMu.RLock()
	tool, exists = c.tools[name]
	c.toolsMu.RUnlock()
	if !exists {
		return protocol.Tool{}, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// ListResources returns the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	resp, err := c.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var result protocol.ResourceListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	resp, err := c.Call(ctx, "resources/read", protocol.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}

	var result protocol.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resources/read result: %w", err)
	}
	return &result, nil
}

// Ping checks connection health.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", struct{}{})
	return err
}

// OpenStream subscribes to the session's SSE push stream and returns a
// channel of notification payloads. The channel closes when the stream ends
// or the client is closed. The underlying subscription reconnects with the
// last seen event id, so replayable pushes are not lost across drops.
func (c *Client) OpenStream(ctx context.Context) (<-chan []byte, error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("no active session; initialize first")
	}

	sseClient := sse.NewClient(c.endpoint)
	sseClient.Connection = c.httpClient
	sseClient.Headers[SessionHeader] = sessionID
	sseClient.Headers["Accept"] = "text/event-stream"

	events := make(chan []byte, 100)

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-c.streamCtx.Done()
		cancel()
	}()

	c.streamWG.Add(1)
	go func() {
		defer c.streamWG.Done()
		defer close(events)
		defer cancel()

		err := sseClient.SubscribeWithContext(streamCtx, "message", func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			select {
			case events <- msg.Data:
			case <-streamCtx.Done():
			}
		})
		if err != nil && streamCtx.Err() == nil {
			c.logger.Warn("SSE stream ended", zap.Error(err))
		}
	}()

	return events, nil
}

// Terminate ends the session on the server with a DELETE.
func (c *Client) Terminate(ctx context.Context) error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(SessionHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 405 means the server does not allow client-initiated termination.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		c.logger.Debug("server does not support session termination")
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to terminate session: HTTP %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.sessionID = ""
	c.initialized = false
	c.mu.Unlock()

	c.logger.Info("session terminated")
	return nil
}

// Close ends any open stream and terminates the session, best effort.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.streamCancel()
	c.streamWG.Wait()

	if c.SessionID() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Terminate(ctx)
	}

	c.logger.Info("MCP client closed")
	return nil
}

// SessionID returns the current session key, empty before initialize.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerInfo returns the server implementation info from initialize.
func (c *Client) ServerInfo() protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the server capabilities from initialize.
func (c *Client) ServerCapabilities() protocol.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// IsInitialized reports whether the handshake has completed.
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}
