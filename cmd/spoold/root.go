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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/teradata-labs/spool/internal/version"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "spoold",
	Short:   "Spool - session-managed MCP gateway for the reporting service",
	Long: `Spool (spoold) exposes the reporting service to MCP clients over
streamable HTTP. Each client gets its own protocol engine behind a
server-assigned session key; idle sessions expire and the least recently
used session is evicted when capacity is reached.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SPOOL_DATA_DIR/spoold.yaml)")

	// Server flags
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "HTTP bind host")
	rootCmd.PersistentFlags().Int("port", 5056, "HTTP bind port")
	rootCmd.PersistentFlags().String("mcp-path", "/mcp", "MCP endpoint path")

	// Session flags
	rootCmd.PersistentFlags().Int("session-capacity", 128, "maximum concurrent sessions")
	rootCmd.PersistentFlags().Int("idle-timeout", 1800, "session idle timeout in seconds")

	// Upstream flags
	rootCmd.PersistentFlags().String("upstream-url", "", "reporting service base URL")
	rootCmd.PersistentFlags().String("upstream-key", "", "reporting service API key (or use SPOOL_UPSTREAM_API_KEY)")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (defaults to stderr)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("server.mcp_path", rootCmd.PersistentFlags().Lookup("mcp-path"))

	_ = viper.BindPFlag("session.capacity", rootCmd.PersistentFlags().Lookup("session-capacity"))
	_ = viper.BindPFlag("session.idle_timeout_seconds", rootCmd.PersistentFlags().Lookup("idle-timeout"))

	_ = viper.BindPFlag("upstream.base_url", rootCmd.PersistentFlags().Lookup("upstream-url"))
	_ = viper.BindPFlag("upstream.api_key", rootCmd.PersistentFlags().Lookup("upstream-key"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
