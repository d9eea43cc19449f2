// Command switchboard is a local multi-provider LLM proxy.
//
// It accepts Claude, Codex (OpenAI) and Gemini client traffic on one
// listener, dispatches each request to the configured providers of the
// target app with failover, and records token usage and cost in a local
// SQLite ledger.
//
// Quick-start:
//
//	./switchboard                # same as "switchboard serve"
//	./switchboard usage --days 7
//
// Configuration comes from environment variables, .env and switchboard.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/switchboard/internal/app"
	"github.com/nulpointcorp/switchboard/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return exitConfig
	}
	return exitFailure
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "switchboard",
		Short:         "Local multi-provider LLM proxy",
		Long:          `Switchboard proxies Claude, Codex and Gemini clients to configured providers with failover, usage accounting and spend limits.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to switchboard.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgFile)
			},
		},
		newUsageCmd(&cfgFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s\n", version)
			},
		},
	)
	return root
}

func serve(ctx context.Context, cfgFile string) error {
	// Load configuration; a validation error maps to exit code 2.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return err
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("switchboard stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
