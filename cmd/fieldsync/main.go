package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tidewater/fieldsync"
	"github.com/tidewater/fieldsync/internal/config"
	"github.com/tidewater/fieldsync/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	dbPath     string
	jsonOutput bool
	verbose    bool

	rootCtx context.Context
	syncer  *fieldsync.Syncer
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync for field operations",
	Long: `fieldsync keeps a local SQLite store in sync with a remote SurrealDB
instance. Writes always land locally first; a durable pending-operation
queue pushes them to the remote in the background, surviving restarts
and network outages.

Examples:
  fieldsync status
  fieldsync drain --once
  fieldsync reconcile --email tech@example.com
  fieldsync queue list
  fieldsync queue purge --older-than 168h`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if dbPath != "" {
			config.Set("db", dbPath)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		} else if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			level = lvl
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()

		rootCtx = cmd.Context()
		if err := telemetry.Init(rootCtx, "fieldsync", Version); err != nil {
			return err
		}

		syncer, err = fieldsync.Open(rootCtx, fieldsync.Options{
			DBPath:       cfg.DBPath,
			RemoteConfig: cfg.Remote,
			Policy:       &cfg.Policy,
			Drain:        &cfg.Drain,
			Logger:       logger,
		})
		return err
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if syncer != nil {
			if err := syncer.Close(); err != nil {
				logger.Warn().Err(err).Msg("close syncer")
			}
		}
		return telemetry.Shutdown(context.Background())
	},
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Local database path (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Version does not need a store or remote connection.
	PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
	PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(*cobra.Command, []string) {
		fmt.Printf("fieldsync %s\n", Version)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
