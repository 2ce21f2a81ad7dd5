// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mcpserver "github.com/teradata-labs/spool/pkg/mcp/server"
	"github.com/teradata-labs/spool/pkg/mcp/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"0.0.1"}}}`

// testStack wires a real engine factory, registry, and front door behind
// the assembled handler.
type testStack struct {
	srv *Server
	ts  *httptest.Server

	mu      sync.Mutex
	engines []*mcpserver.Engine
}

func newTestStack(t *testing.T, mutate func(*Config)) *testStack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	stack := &testStack{}

	registry := transport.NewRegistry(transport.RegistryConfig{
		Capacity: 8,
		Logger:   logger,
	})
	t.Cleanup(func() { registry.CloseAll(context.Background()) })

	front, err := transport.NewStreamableHTTPServer(transport.StreamableHTTPServerConfig{
		EngineFactory: func(_ func()) (transport.Engine, error) {
			engine := mcpserver.NewEngine("spool-test", "0.0.1", logger)
			stack.mu.Lock()
			stack.engines = append(stack.engines, engine)
			stack.mu.Unlock()
			return engine, nil
		},
		Registry:          registry,
		Logger:            logger,
		KeepAliveInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	cfg := Config{
		Addr:   "127.0.0.1:0",
		MCP:    front,
		Logger: logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	stack.srv, err = NewServer(cfg)
	require.NoError(t, err)

	stack.ts = httptest.NewServer(stack.srv.Handler())
	t.Cleanup(stack.ts.Close)
	return stack
}

func (st *testStack) engine(i int) *mcpserver.Engine {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.engines[i]
}

// initialize opens a session and returns its key.
func (st *testStack) initialize(t *testing.T, path string) string {
	t.Helper()
	resp, err := http.Post(st.ts.URL+path, "application/json", strings.NewReader(initializeBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	key := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, key)
	return key
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{MCP: http.NotFoundHandler()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Addr")

	_, err = NewServer(Config{Addr: "127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP handler")
}

func TestLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:5056", true},
		{"[::1]:5056", true},
		{"localhost:5056", true},
		{"0.0.0.0:5056", false},
		{"[::]:5056", false},
		{":5056", false},
		{"203.0.113.5:5056", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, loopbackAddr(tt.addr), "addr %q", tt.addr)
	}
}

func TestNewServer_WarnsBeyondLoopback(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		wantWarn bool
	}{
		{"loopback stays quiet", "127.0.0.1:5056", false},
		{"all interfaces warns", "0.0.0.0:5056", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)

			_, err := NewServer(Config{
				Addr:   tt.addr,
				MCP:    http.NotFoundHandler(),
				Logger: zap.New(core),
			})
			require.NoError(t, err)

			warned := logs.FilterMessageSnippet("unauthenticated").Len() > 0
			assert.Equal(t, tt.wantWarn, warned)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, err := http.Get(stack.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	// Security headers are applied globally, health included.
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestMCPRouting(t *testing.T) {
	stack := newTestStack(t, nil)

	key := stack.initialize(t, "/mcp")
	assert.NotEmpty(t, key)

	// Responses on the MCP path must not be cached.
	resp, err := http.Post(stack.ts.URL+"/mcp", "application/json",
		strings.NewReader(initializeBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestCustomMCPPath(t *testing.T) {
	stack := newTestStack(t, func(cfg *Config) {
		cfg.MCPPath = "/rpc"
	})

	key := stack.initialize(t, "/rpc")
	assert.NotEmpty(t, key)

	resp, err := http.Post(stack.ts.URL+"/mcp", "application/json",
		strings.NewReader(initializeBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownPath(t *testing.T) {
	stack := newTestStack(t, nil)

	resp, err := http.Get(stack.ts.URL + "/admin")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiterWired(t *testing.T) {
	stack := newTestStack(t, func(cfg *Config) {
		cfg.RateLimiter = transport.NewRateLimiter(transport.RateLimitConfig{
			Window:  time.Minute,
			Ceiling: 2,
			Logger:  zaptest.NewLogger(t),
		})
	})

	for i := 0; i < 2; i++ {
		resp, err := http.Post(stack.ts.URL+"/mcp", "application/json",
			strings.NewReader(initializeBody))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Post(stack.ts.URL+"/mcp", "application/json",
		strings.NewReader(initializeBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// The health endpoint sits outside the throttled path.
	health, err := http.Get(stack.ts.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCORSWired(t *testing.T) {
	stack := newTestStack(t, func(cfg *Config) {
		cfg.CORS = &transport.CORSPolicy{
			AllowedOrigins: []string{"http://localhost:*"},
			AllowedPaths:   transport.PathAllowlist{"/mcp"},
			Logger:         zaptest.NewLogger(t),
		}
	})

	// Preflight.
	req, err := http.NewRequest(http.MethodOptions, stack.ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:6274")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, Mcp-Session-Id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:6274", resp.Header.Get("Access-Control-Allow-Origin"))

	// Actual cross-origin request.
	req, err = http.NewRequest(http.MethodPost, stack.ts.URL+"/mcp", strings.NewReader(initializeBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:6274")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:6274", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Mcp-Session-Id")
}

// TestEngineNotificationReachesStream drives a push end to end: an engine
// emits a log notification and it arrives on the session's SSE stream
// through the full middleware chain.
func TestEngineNotificationReachesStream(t *testing.T) {
	stack := newTestStack(t, nil)
	key := stack.initialize(t, "/mcp")

	req, err := http.NewRequest(http.MethodGet, stack.ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	stack.engine(0).NotifyLogMessage("info", "spool", map[string]interface{}{
		"event": "run_completed",
	})

	reader := bufio.NewReader(resp.Body)
	var data []byte
	for {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		if bytes.HasPrefix(line, []byte("data: ")) {
			data = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data: ")))
			break
		}
	}

	assert.Contains(t, string(data), "notifications/message")
	assert.Contains(t, string(data), "run_completed")
}

func TestStartStop(t *testing.T) {
	stack := newTestStack(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- stack.srv.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, stack.srv.Stop(stopCtx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop in time")
	}
}
