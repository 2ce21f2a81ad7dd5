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
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/teradata-labs/spool/internal/version"
	mcpserver "github.com/teradata-labs/spool/pkg/mcp/server"
	"github.com/teradata-labs/spool/pkg/mcp/transport"
	"github.com/teradata-labs/spool/pkg/reports"
	"github.com/teradata-labs/spool/pkg/server"
	"github.com/teradata-labs/spool/pkg/upstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serverName = "spool"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the spool MCP server",
	Long: `Start the spool daemon serving MCP over streamable HTTP.

The server will:
- Connect to the configured reporting service
- Accept MCP sessions at the protocol endpoint, one engine per session
- Expire idle sessions and evict the least recently used at capacity
- Push notifications to clients over per-session SSE streams

Press Ctrl+C to gracefully shutdown.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().Bool("stdio", false, "serve a single session on stdin/stdout instead of HTTP")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	// Logging goes to stderr or a file, never stdout: in --stdio mode
	// stdout carries the protocol stream.
	logger := setupLogger(config.Logging.File, config.Logging.Level)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting spoold",
		zap.String("version", version.Get()),
		zap.String("upstream", config.Upstream.BaseURL),
	)

	// Show actual config file used (not just the --config flag)
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		logger.Info("config file loaded", zap.String("path", configFileUsed))
	} else {
		logger.Info("no config file found, using defaults + environment + flags")
	}

	reporting, err := upstream.NewClient(upstream.Config{
		BaseURL: config.Upstream.BaseURL,
		APIKey:  config.Upstream.APIKey,
		Timeout: time.Duration(config.Upstream.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create upstream client", zap.Error(err))
	}

	toolset := reports.NewToolset(reporting, logger,
		reports.WithRequestTimeout(time.Duration(config.Upstream.TimeoutSeconds)*time.Second),
	)

	newEngine := func() *mcpserver.Engine {
		return mcpserver.NewEngine(serverName, version.Get(), logger,
			mcpserver.WithToolProvider(toolset),
			mcpserver.WithResourceProvider(toolset),
		)
	}

	if stdio, _ := cmd.Flags().GetBool("stdio"); stdio {
		runStdio(logger, newEngine())
		return
	}
	runHTTP(logger, newEngine)
}

// runStdio serves exactly one session over stdin/stdout, bypassing the
// HTTP session layer. Used when an MCP client spawns spoold directly.
func runStdio(logger *zap.Logger, engine *mcpserver.Engine) {
	srv, err := transport.NewStdioServer(transport.StdioServerConfig{
		Engine: engine,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create stdio server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("serving a single MCP session on stdio")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("stdio server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// runHTTP serves the streamable HTTP transport until a shutdown signal.
func runHTTP(logger *zap.Logger, newEngine func() *mcpserver.Engine) {
	registry := transport.NewRegistry(transport.RegistryConfig{
		Capacity:      config.Session.Capacity,
		IdleTimeout:   time.Duration(config.Session.IdleTimeoutSeconds) * time.Second,
		SweepInterval: time.Duration(config.Session.SweepIntervalSeconds) * time.Second,
		CloseTimeout:  time.Duration(config.Session.CloseTimeoutSeconds) * time.Second,
		Logger:        logger,
	})

	front, err := transport.NewStreamableHTTPServer(transport.StreamableHTTPServerConfig{
		EngineFactory: func(_ func()) (transport.Engine, error) {
			return newEngine(), nil
		},
		Registry:          registry,
		Logger:            logger,
		KeepAliveInterval: time.Duration(config.Session.KeepAliveSeconds) * time.Second,
	})
	if err != nil {
		logger.Fatal("failed to create MCP transport", zap.Error(err))
	}

	var limiter *transport.RateLimiter
	if config.RateLimit.Enabled {
		limiter = transport.NewRateLimiter(transport.RateLimitConfig{
			Window:     time.Duration(config.RateLimit.WindowSeconds) * time.Second,
			Ceiling:    config.RateLimit.Ceiling,
			MaxClients: config.RateLimit.MaxClients,
			Logger:     logger,
		})
		logger.Info("rate limiting enabled",
			zap.Int("window_seconds", config.RateLimit.WindowSeconds),
			zap.Int("ceiling", config.RateLimit.Ceiling),
		)
	}

	// CORS stays off until origins are explicitly listed; the protocol
	// endpoint carries session credentials, so there is no wildcard.
	var cors *transport.CORSPolicy
	if config.CORS.Enabled && len(config.CORS.AllowedOrigins) > 0 {
		paths := config.CORS.AllowedPaths
		if len(paths) == 0 {
			paths = []string{config.Server.MCPPath}
		}
		cors = &transport.CORSPolicy{
			AllowedOrigins: config.CORS.AllowedOrigins,
			AllowedPaths:   paths,
			Logger:         logger,
		}
		logger.Info("CORS enabled",
			zap.Strings("origins", config.CORS.AllowedOrigins),
			zap.Strings("paths", paths),
		)
	}

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	srv, err := server.NewServer(server.Config{
		Addr:        addr,
		MCP:         front,
		MCPPath:     config.Server.MCPPath,
		RateLimiter: limiter,
		CORS:        cors,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to create HTTP server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(done)
		sig := <-sigCh
		logger.Info("shutting down gracefully (press Ctrl+C again to force)",
			zap.String("signal", sig.String()))

		go func() {
			<-sigCh
			logger.Warn("force shutdown requested")
			os.Exit(1)
		}()

		grace := time.Duration(config.Server.ShutdownGraceSeconds) * time.Second
		shutdownCtx, cancelGrace := context.WithTimeout(context.Background(), grace)
		defer cancelGrace()

		// Ending the serve context closes open SSE streams so Shutdown
		// can drain the remaining requests.
		cancel()

		// The grace window caps total shutdown latency: when it expires
		// the process exits even if a downstream close is still hanging.
		completed := shutdownWithin(grace, func() {
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping HTTP server", zap.Error(err))
			}
			registry.CloseAll(shutdownCtx)
		})
		if !completed {
			logger.Error("shutdown grace window expired, forcing exit")
			_ = logger.Sync()
			os.Exit(1)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}
	<-done
	logger.Info("shutdown complete")
}

// shutdownWithin runs fn and reports whether it finished inside the grace
// window.
func shutdownWithin(grace time.Duration, fn func()) bool {
	finished := make(chan struct{})
	go func() {
		fn()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(grace):
		return false
	}
}

// setupLogger creates a zap logger that writes to a file, or stderr if no
// file is specified.
func setupLogger(logFile, logLevel string) *zap.Logger {
	logger, err := buildLogger(logFile, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// buildLogger is the testable core of setupLogger. It returns an error
// instead of calling os.Exit so tests can exercise all code paths.
func buildLogger(logFile, logLevel string) (*zap.Logger, error) {
	level := parseLogLevel(logLevel)

	var output zapcore.WriteSyncer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- log file path from CLI flag
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", logFile, err)
		}
		output = zapcore.AddSync(f)
	} else {
		// Write to stderr (not stdout!) as a fallback
		output = zapcore.AddSync(os.Stderr)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		output,
		level,
	)

	return zap.New(core), nil
}

// parseLogLevel converts a string log level to a zapcore.Level.
func parseLogLevel(logLevel string) zapcore.Level {
	switch logLevel {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
