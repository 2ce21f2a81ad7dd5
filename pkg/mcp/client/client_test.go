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
package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	mcpserver "github.com/teradata-labs/spool/pkg/mcp/server"
	"github.com/teradata-labs/spool/pkg/mcp/transport"
	"go.uber.org/zap/zaptest"
)

// stubProvider serves one tool and one resource for round-trip tests.
type stubProvider struct {
	mu        sync.Mutex
	callCount int
	callErr   error
}

func (p *stubProvider) ListTools(_ context.Context) ([]protocol.Tool, error) {
	return []protocol.Tool{{
		Name:        "run_report",
		Description: "Execute a report",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"report_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"report_id"},
		},
	}}, nil
}

func (p *stubProvider) CallTool(_ context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error) {
	p.mu.Lock()
	p.callCount++
	err := p.callErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &protocol.CallToolResult{
		Content: []protocol.Content{
			{Type: "text", Text: `{"id":"run-1","status":"queued"}`},
		},
	}, nil
}

func (p *stubProvider) ListResources(_ context.Context) ([]protocol.Resource, error) {
	return []protocol.Resource{
		{URI: "report://definitions/daily-usage", Name: "Daily Usage", MimeType: "application/json"},
	}, nil
}

func (p *stubProvider) ReadResource(_ context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{
			{URI: uri, MimeType: "application/json", Text: `{"id":"daily-usage"}`},
		},
	}, nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

type serverHarness struct {
	ts       *httptest.Server
	registry *transport.Registry
	provider *stubProvider

	mu      sync.Mutex
	engines []*mcpserver.Engine
}

func (h *serverHarness) engine(i int) *mcpserver.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &serverHarness{provider: &stubProvider{}}

	h.registry = transport.NewRegistry(transport.RegistryConfig{
		Capacity: 8,
		Logger:   logger,
	})
	t.Cleanup(func() { h.registry.CloseAll(context.Background()) })

	front, err := transport.NewStreamableHTTPServer(transport.StreamableHTTPServerConfig{
		EngineFactory: func(_ func()) (transport.Engine, error) {
			engine := mcpserver.NewEngine("spool-test", "0.0.1", logger,
				mcpserver.WithToolProvider(h.provider),
				mcpserver.WithResourceProvider(h.provider),
			)
			h.mu.Lock()
			h.engines = append(h.engines, engine)
			h.mu.Unlock()
			return engine, nil
		},
		Registry:          h.registry,
		Logger:            logger,
		KeepAliveInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	h.ts = httptest.NewServer(front)
	t.Cleanup(h.ts.Close)
	return h
}

func newConnectedClient(t *testing.T, h *serverHarness) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint: h.ts.URL,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), protocol.Implementation{
		Name:    "test-client",
		Version: "0.0.1",
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestInitialize(t *testing.T) {
	h := newServerHarness(t)
	c, err := NewClient(Config{Endpoint: h.ts.URL, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	result, err := c.Initialize(context.Background(), protocol.Implementation{
		Name:    "test-client",
		Version: "0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "spool-test", result.ServerInfo.Name)
	assert.True(t, c.IsInitialized())
	assert.NotEmpty(t, c.SessionID())
	assert.NotNil(t, c.ServerCapabilities().Tools)
	assert.Equal(t, "spool-test", c.ServerInfo().Name)

	_, err = c.Initialize(context.Background(), protocol.Implementation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")
}

func TestPing(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	require.NoError(t, c.Ping(context.Background()))
}

func TestListTools(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "run_report", tools[0].Name)
}

func TestCallTool(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	result, err := c.CallTool(context.Background(), "run_report", map[string]interface{}{
		"report_id": "daily-usage",
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "queued")
	assert.Equal(t, 1, h.provider.calls())
}

func TestCallTool_ValidatesArgumentsLocally(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	_, err := c.CallTool(context.Background(), "run_report", map[string]interface{}{
		"report_id": 42,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")
	assert.Zero(t, h.provider.calls(), "invalid call should never reach the server")
}

func TestCallTool_ToolErrorSurfaced(t *testing.T) {
	h := newServerHarness(t)
	h.provider.callErr = errors.New("upstream unavailable")
	c := newConnectedClient(t, h)

	_, err := c.CallTool(context.Background(), "run_report", map[string]interface{}{
		"report_id": "daily-usage",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool error")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestCall_RPCErrorSurfaced(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	_, err := c.Call(context.Background(), "no/such/method", nil)
	require.Error(t, err)

	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)
}

func TestResources(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	resources, err := c.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "report://definitions/daily-usage", resources[0].URI)

	read, err := c.ReadResource(context.Background(), resources[0].URI)
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, "daily-usage")
}

func TestOpenStream_RequiresSession(t *testing.T) {
	h := newServerHarness(t)
	c, err := NewClient(Config{Endpoint: h.ts.URL, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.OpenStream(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active session")
}

func TestOpenStream_ReceivesPush(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.OpenStream(ctx)
	require.NoError(t, err)

	// The subscription attaches asynchronously, so push until one lands.
	var got []byte
	require.Eventually(t, func() bool {
		h.engine(0).NotifyLogMessage("info", "spool", map[string]interface{}{
			"event": "run_completed",
		})
		select {
		case data := <-events:
			got = data
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)

	assert.Contains(t, string(got), "notifications/message")
	assert.Contains(t, string(got), "run_completed")
}

func TestTerminate(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	key := c.SessionID()
	require.NoError(t, c.Terminate(context.Background()))
	assert.Empty(t, c.SessionID())
	assert.False(t, h.registry.Has(key), "session should be gone server side")
}

func TestSessionExpiry(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	// Kill the session out from under the client.
	require.True(t, h.registry.Terminate(c.SessionID()))

	err := c.Ping(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, c.SessionID(), "expired session key should be cleared")
}

func TestClose_Idempotent(t *testing.T) {
	h := newServerHarness(t)
	c := newConnectedClient(t, h)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
