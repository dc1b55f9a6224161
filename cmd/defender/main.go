package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/argosec/defender/internal/config"
	"github.com/argosec/defender/internal/logging"
	"github.com/argosec/defender/internal/metrics"
	"github.com/argosec/defender/internal/supervisor"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitConfigError  = 1
	exitStartupError = 2
)

var rootCmd = &cobra.Command{
	Use:     "defender",
	Short:   "Autonomous defender core",
	Long:    `The defender core turns IDS alerts into remediation actions executed on managed hosts via coder agents.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDefender()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("defender %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDefender() {
	// Baseline logger for early startup; re-initialised once config is in.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "defender",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfigError)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "defender",
		FilePath:  cfg.DetailedLogFile(),
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("run_id", cfg.RunID).
		Msg("starting defender core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.StartServer(ctx, cfg.MetricsPort)

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("pipeline startup failed")
		os.Exit(exitStartupError)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("defender core failed")
		os.Exit(exitStartupError)
	}

	log.Info().Msg("defender core stopped")
}
