// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server assembles the public HTTP surface: the MCP transport at a
// configurable path plus a health endpoint, with rate limiting, CORS, and
// security headers applied around it.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teradata-labs/spool/pkg/mcp/transport"
	"go.uber.org/zap"
)

// DefaultMCPPath is where the MCP transport is mounted.
const DefaultMCPPath = "/mcp"

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:5056". Required.
	Addr string

	// MCP is the transport handler mounted at MCPPath. Required.
	MCP http.Handler

	// MCPPath defaults to "/mcp".
	MCPPath string

	// RateLimiter, when set, throttles requests on the MCP path.
	RateLimiter *transport.RateLimiter

	// CORS, when set, applies the cross-origin policy on the MCP path.
	CORS *transport.CORSPolicy

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Server is the HTTP server fronting the MCP transport.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *zap.Logger
	addr       string
	mcpPath    string
}

// NewServer assembles the route table and middleware chain from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("server: Addr is required")
	}
	if cfg.MCP == nil {
		return nil, fmt.Errorf("server: MCP handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpPath := cfg.MCPPath
	if mcpPath == "" {
		mcpPath = DefaultMCPPath
	}

	// Innermost first: cache suppression on every MCP response, then the
	// rate limit, then CORS outermost so throttled responses still carry
	// cross-origin headers and preflights never consume rate budget.
	mcpHandler := transport.NoStore(cfg.MCP)
	if cfg.RateLimiter != nil {
		mcpHandler = cfg.RateLimiter.Middleware(mcpHandler)
	}
	if cfg.CORS != nil {
		mcpHandler = cfg.CORS.Middleware(mcpHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle(mcpPath, mcpHandler)

	handler := transport.SecurityHeaders(mux)

	// The MCP endpoint has no authentication; anything beyond loopback is an
	// explicit operator decision worth flagging.
	if !loopbackAddr(cfg.Addr) {
		logger.Warn("MCP endpoint is unauthenticated and bound beyond loopback",
			zap.String("addr", cfg.Addr),
			zap.String("recommendation", "bind to 127.0.0.1 or ::1 unless the network is trusted"))
	}

	return &Server{
		handler: handler,
		logger:  logger,
		addr:    cfg.Addr,
		mcpPath: mcpPath,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // No timeout for SSE
			IdleTimeout:  120 * time.Second,
		},
	}, nil
}

// loopbackAddr reports whether addr binds only to the loopback interface.
// A bare hostname or an unparseable address counts as non-loopback.
func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// Handler returns the assembled handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server until Stop is called or the listener fails.
// Request contexts derive from ctx, so canceling it ends open SSE streams
// and lets a following Shutdown complete.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("starting HTTP server",
		zap.String("addr", s.addr),
		zap.String("mcp_path", s.mcpPath))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}
