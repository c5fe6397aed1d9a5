// Package main provides the CLI entry point for the aphila realtime server.
//
// Start the server:
//
//	aphila serve --config aphila.yaml
//
// Apply database migrations:
//
//	aphila migrate
//
// Issue a development token:
//
//	aphila token --user alice --device phone --ttl 24h
//
// The config path may also be given with APHILA_CONFIG. Every setting can be
// overridden with an APHILA_ prefixed environment variable.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd is separate from main for testing
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aphila",
		Short: "aphila - realtime presence and message delivery",
		Long: `aphila serves the realtime layer of the platform: websocket connections,
presence, rooms, direct message delivery with offline queues, and an HTTP
fallback API for clients without a live connection.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath prefers the flag, then APHILA_CONFIG
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv("APHILA_CONFIG"))
}
