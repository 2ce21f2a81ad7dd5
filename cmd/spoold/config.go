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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultConfigFileName is the name of the config file
const DefaultConfigFileName = "spoold"

// Config holds all configuration for the spool daemon.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Session registry configuration
	Session SessionConfig `mapstructure:"session"`

	// Rate limit configuration for the protocol endpoint
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// CORS configuration for browser-based clients
	CORS CORSConfig `mapstructure:"cors"`

	// Upstream reporting service configuration
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	MCPPath string `mapstructure:"mcp_path"`

	// ShutdownGraceSeconds bounds how long shutdown waits for in-flight
	// requests and session closes (default: 10)
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// SessionConfig holds the session registry configuration.
type SessionConfig struct {
	// Capacity is the maximum number of concurrent sessions. The least
	// recently used session is evicted when a new one would exceed it.
	Capacity int `mapstructure:"capacity"`

	// IdleTimeoutSeconds is how long a session may sit idle before the
	// sweeper expires it (default: 1800)
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`

	// SweepIntervalSeconds is the period between expiry sweeps (default: 60)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// CloseTimeoutSeconds bounds each engine close during eviction (default: 5)
	CloseTimeoutSeconds int `mapstructure:"close_timeout_seconds"`

	// KeepAliveSeconds is the period between SSE keepalive comments on
	// idle push streams (default: 15)
	KeepAliveSeconds int `mapstructure:"keepalive_seconds"`
}

// RateLimitConfig holds per-client admission control for the protocol path.
// Requests are keyed by client IP; each client gets ceiling requests per
// window with burst up to the ceiling.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	Ceiling       int  `mapstructure:"ceiling"`
	MaxClients    int  `mapstructure:"max_clients"`
}

// CORSConfig holds cross-origin configuration.
//
// CORS headers are only emitted for requests whose path falls under one of
// the allowed path prefixes. Origins must be listed explicitly; there is no
// wildcard because the protocol endpoint carries session credentials.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedPaths   []string `mapstructure:"allowed_paths"`
}

// UpstreamConfig holds the reporting service connection configuration.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"` // prefer SPOOL_UPSTREAM_API_KEY or --upstream-key over the file
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // File path for log output (optional, defaults to stderr)
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Setup config file
	if cfgFile != "" {
		// Use config file from flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in standard locations
		viper.AddConfigPath(getSpoolDataDir())       // Spool data directory (respects SPOOL_DATA_DIR)
		viper.AddConfigPath(".")                     // Current directory
		viper.AddConfigPath("/etc/spool/")           // System-wide
		viper.SetConfigName(DefaultConfigFileName)   // spoold.yaml
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	// Bind environment variables
	viper.SetEnvPrefix("SPOOL")
	viper.AutomaticEnv()

	// Unmarshal config
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Nested keys are not visible to AutomaticEnv without a key replacer,
	// so the two upstream settings that matter for deployment get explicit
	// environment fallbacks, applied only when nothing else set them.
	if config.Upstream.BaseURL == "" {
		config.Upstream.BaseURL = os.Getenv("SPOOL_UPSTREAM_BASE_URL")
	}
	if config.Upstream.APIKey == "" {
		config.Upstream.APIKey = os.Getenv("SPOOL_UPSTREAM_API_KEY")
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Server defaults. Binds to loopback: the protocol endpoint is
	// unauthenticated, so exposing it beyond localhost is an explicit
	// operator decision.
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 5056)
	viper.SetDefault("server.mcp_path", "/mcp")
	viper.SetDefault("server.shutdown_grace_seconds", 10)

	// Session defaults
	viper.SetDefault("session.capacity", 128)
	viper.SetDefault("session.idle_timeout_seconds", 1800) // 30 minutes
	viper.SetDefault("session.sweep_interval_seconds", 60)
	viper.SetDefault("session.close_timeout_seconds", 5)
	viper.SetDefault("session.keepalive_seconds", 15)

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.window_seconds", 60)
	viper.SetDefault("rate_limit.ceiling", 120)
	viper.SetDefault("rate_limit.max_clients", 4096)

	// CORS defaults: enabled but with no allowed origins, so nothing is
	// emitted until the operator lists the origins that may connect.
	viper.SetDefault("cors.enabled", true)
	viper.SetDefault("cors.allowed_origins", []string{})
	viper.SetDefault("cors.allowed_paths", []string{"/mcp"})

	// Upstream defaults
	viper.SetDefault("upstream.timeout_seconds", 30)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MCPPath == "" || !strings.HasPrefix(c.Server.MCPPath, "/") {
		return fmt.Errorf("invalid mcp_path: %q (must start with /)", c.Server.MCPPath)
	}

	if c.Session.Capacity < 1 {
		return fmt.Errorf("session.capacity must be at least 1, got %d", c.Session.Capacity)
	}
	if c.Session.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("session.idle_timeout_seconds must be at least 1, got %d", c.Session.IdleTimeoutSeconds)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.WindowSeconds < 1 {
			return fmt.Errorf("rate_limit.window_seconds must be at least 1, got %d", c.RateLimit.WindowSeconds)
		}
		if c.RateLimit.Ceiling < 1 {
			return fmt.Errorf("rate_limit.ceiling must be at least 1, got %d", c.RateLimit.Ceiling)
		}
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (set via --upstream-url, SPOOL_UPSTREAM_BASE_URL, or config file)")
	}

	return nil
}

// getSpoolDataDir returns the spool data directory.
//
// Priority:
// 1. SPOOL_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.spool (default)
//
// The returned path is always absolute. Tilde (~) in SPOOL_DATA_DIR is
// expanded to the user's home directory; relative paths are made absolute.
// This is called during bootstrap, before the config file is loaded, to
// locate the config file itself.
func getSpoolDataDir() string {
	if dataDir := os.Getenv("SPOOL_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return ".spool"
	}
	return filepath.Join(homeDir, ".spool")
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	// Make path absolute
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return `# Spool daemon configuration
# Priority: CLI flags > config file > environment variables > defaults

server:
  host: 127.0.0.1
  port: 5056
  mcp_path: /mcp
  shutdown_grace_seconds: 10

session:
  capacity: 128
  idle_timeout_seconds: 1800
  sweep_interval_seconds: 60
  close_timeout_seconds: 5
  keepalive_seconds: 15

rate_limit:
  enabled: true
  window_seconds: 60
  ceiling: 120
  max_clients: 4096

cors:
  enabled: true
  # Origins must be listed explicitly. Example for the MCP inspector:
  # allowed_origins:
  #   - http://localhost:6274
  allowed_origins: []
  allowed_paths:
    - /mcp

upstream:
  base_url: https://reporting.example.com
  timeout_seconds: 30
  # api_key: honored here, but prefer SPOOL_UPSTREAM_API_KEY or --upstream-key
  # so the key stays out of committed files

logging:
  level: info  # debug, info, warn, error
  # file: /var/log/spool/spoold.log
`
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage spoold configuration",
	Long:  `Manage configuration files for the spool daemon.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate example configuration file",
	Long:  `Generate an example spoold.yaml configuration file in ~/.spool/`,
	Run:   runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration (merged from all sources).`,
	Run:   runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configDir := getSpoolDataDir()
	configPath := filepath.Join(configDir, DefaultConfigFileName+".yaml")

	// Create directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.WriteFile(configPath, []byte(GenerateExampleConfig()), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config file created: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Set the reporting service endpoint:")
	fmt.Printf("   edit %s (upstream.base_url)\n", configPath)
	fmt.Println("2. Export the API key (keeps it out of the file):")
	fmt.Println("   export SPOOL_UPSTREAM_API_KEY=...")
	fmt.Println("3. Start the server:")
	fmt.Println("   spoold serve")
}

func runConfigShow(cmd *cobra.Command, args []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Server:")
	fmt.Printf("  Host: %s\n", config.Server.Host)
	fmt.Printf("  Port: %d\n", config.Server.Port)
	fmt.Printf("  MCP Path: %s\n", config.Server.MCPPath)
	fmt.Printf("  Shutdown Grace: %ds\n", config.Server.ShutdownGraceSeconds)
	fmt.Println()

	fmt.Println("Sessions:")
	fmt.Printf("  Capacity: %d\n", config.Session.Capacity)
	fmt.Printf("  Idle Timeout: %ds\n", config.Session.IdleTimeoutSeconds)
	fmt.Printf("  Sweep Interval: %ds\n", config.Session.SweepIntervalSeconds)
	fmt.Printf("  Keep-Alive: %ds\n", config.Session.KeepAliveSeconds)
	fmt.Println()

	fmt.Println("Rate Limiting:")
	fmt.Printf("  Enabled: %t\n", config.RateLimit.Enabled)
	if config.RateLimit.Enabled {
		fmt.Printf("  Window: %ds\n", config.RateLimit.WindowSeconds)
		fmt.Printf("  Ceiling: %d\n", config.RateLimit.Ceiling)
		fmt.Printf("  Max Clients: %d\n", config.RateLimit.MaxClients)
	}
	fmt.Println()

	fmt.Println("CORS:")
	fmt.Printf("  Enabled: %t\n", config.CORS.Enabled)
	if config.CORS.Enabled {
		fmt.Printf("  Allowed Origins: %v\n", config.CORS.AllowedOrigins)
		fmt.Printf("  Allowed Paths: %v\n", config.CORS.AllowedPaths)
	}
	fmt.Println()

	fmt.Println("Upstream:")
	fmt.Printf("  Base URL: %s\n", config.Upstream.BaseURL)
	if config.Upstream.APIKey != "" {
		fmt.Printf("  API Key: %s\n", maskSecret(config.Upstream.APIKey))
	} else {
		fmt.Printf("  API Key: (not set)\n")
	}
	fmt.Printf("  Timeout: %ds\n", config.Upstream.TimeoutSeconds)
	fmt.Println()

	fmt.Println("Logging:")
	fmt.Printf("  Level: %s\n", config.Logging.Level)
	if config.Logging.File != "" {
		fmt.Printf("  File: %s\n", config.Logging.File)
	} else {
		fmt.Printf("  File: (stderr)\n")
	}
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
