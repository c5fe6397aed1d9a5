package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		Long: `Start the realtime server.

The server will:
1. Load configuration (file > environment > defaults)
2. Open the sqlite archive and apply migrations
3. Connect the configured offline queue backend (sqlite, memory or redis)
4. Connect NATS for push hand-off when configured
5. Serve /ws, /api/realtime, /health and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with environment configuration only
  APHILA_JWT_SECRET=... aphila serve

  # Start with a config file and debug logging
  aphila serve --config /etc/aphila/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to JSON or YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migrate Command
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to JSON or YAML configuration file")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		deviceID   string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Long: `Issue an access token signed with the configured JWT secret.

Production tokens come from the platform's auth service; this command exists
for local development and load testing.`,
		Example: `  aphila token --user alice --device phone --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(resolveConfigPath(configPath), userID, deviceID, ttl, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to JSON or YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (token subject)")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 for no expiry")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "aphila "+versionString())
		},
	}
}
