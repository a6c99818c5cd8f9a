// Package main provides the office-sync server binary. It terminates
// websocket connections, fans realtime events out to subscribers, and
// supervises connection and resource health.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "office-sync-server",
		Short: "Realtime connection and fault-recovery server",
		Long: `office-sync-server terminates client websocket connections and keeps
them healthy: admission control, heartbeat supervision, bounded fault
recovery, and authorization-filtered event fan-out.

The server exposes:
  - /ws for client websocket sessions
  - /healthz plus /api/* for dashboards and backend publishers

Examples:
  office-sync-server                        # Start with defaults
  office-sync-server --config sync.yaml     # Load a config file
  office-sync-server --port 9090            # Custom HTTP port`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().String("host", "", "server host (overrides config)")
	rootCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	rootCmd.Flags().String("store-dsn", "", "Postgres DSN (overrides config)")
	rootCmd.Flags().String("redis-url", "", "Redis URL for the cache collaborator (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("office-sync-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	storeDSN, _ := cmd.Flags().GetString("store-dsn")
	redisURL, _ := cmd.Flags().GetString("redis-url")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if storeDSN != "" {
		cfg.Store.DSN = storeDSN
	}
	if redisURL != "" {
		cfg.Cache.RedisURL = redisURL
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("Starting office-sync server",
		"version", version,
		"addr", cfg.Address(),
		"bus", cfg.Bus.Type,
	)

	srv, err := server.New(*cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
