// Command beltworker runs a task worker with a built-in demo task
// catalogue, and ships small producer-side helpers for poking at it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phietala/belt"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     "beltworker",
	Short:   "Task worker with a demo task catalogue",
	Version: version,
	Long: `beltworker consumes task requests from a broker (memory, SQLite,
Redis or NATS JetStream), executes them on a configurable pool and
stores results in a backend.

The demo catalogue (see "beltworker tasks") covers the common shapes:
arithmetic, sleeps, failures, retries and time limits.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

func main() {
	runSpawnChildIfNeeded()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSpawnChildIfNeeded hands the process over to the pool child loop.
// Spawn children are re-executed with no arguments, so this must run
// before cobra gets to parse anything.
func runSpawnChildIfNeeded() {
	if !belt.IsSpawnChild() {
		return
	}
	setupLogging(logLevel)

	// Children resolve handlers by name from the registry; the broker
	// is never touched.
	w, err := belt.NewWorker(belt.WorkerConfig{Broker: belt.NewMemoryBroker()})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := registerDemoTasks(w); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	w.MaybeRunSpawnChild()
}

// setupLogging routes structured logs to stderr. Stdout stays clean for
// command output and for the spawn-child frame protocol.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (default beltworker.toml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
