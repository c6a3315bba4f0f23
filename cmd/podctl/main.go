// podctl - command-line client for remote compute sandboxes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/podlabs/podctl/internal/config"
	"github.com/podlabs/podctl/internal/gateway"
	"github.com/podlabs/podctl/internal/retry"
	"github.com/podlabs/podctl/internal/session"
	"github.com/podlabs/podctl/internal/store"
	syncpkg "github.com/podlabs/podctl/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "podctl",
	Short: "Control ephemeral remote compute sandboxes",
	Long: `podctl creates and reconnects sandbox sessions, streams a live
terminal, pushes files into the sandbox, and tracks which locally-edited
files have drifted from what was last pushed.

Examples:
  podctl up --reconnect        # Create or adopt a session and wait for ready
  podctl run script.sh         # Save a file into the sandbox and execute it
  podctl exec "ls -la"         # Run a one-shot command
  podctl push                  # Push files that drifted since the last sync
  podctl attach                # Interactive terminal
  podctl down                  # Tear the session down`,
	SilenceUsage: true,
}

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
}

// app bundles the wired client components for one command invocation.
type app struct {
	cfg        *config.Config
	repo       store.Repository
	tracker    *syncpkg.Tracker
	gw         *gateway.Client
	controller *session.Controller
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	logger := slog.Default()
	tracker := syncpkg.NewTracker(repo, logger)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.BaseURL,
		StreamURL: cfg.StreamURL,
		Dispatcher: retry.NewDispatcher(
			retry.WithMaxRetries(cfg.Retry.MaxRetries),
			retry.WithBaseDelay(cfg.Retry.BaseDelay),
			retry.WithLogger(logger),
		),
		Logger: logger,
	})

	controller := session.NewController(gw, session.Options{
		Recorder: tracker,
		Poll: gateway.PollOptions{
			MaxAttempts: cfg.Poll.MaxAttempts,
			Interval:    cfg.Poll.Interval,
		},
		Logger: logger,
	})

	return &app{
		cfg:        cfg,
		repo:       repo,
		tracker:    tracker,
		gw:         gw,
		controller: controller,
	}, nil
}

func (a *app) close() {
	if err := a.repo.Close(); err != nil {
		slog.Warn("failed to close local database", "error", err)
	}
}
