package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phietala/belt"
)

var (
	serveQueue       string
	serveStrategy    string
	serveConcurrency int
	servePrefetch    int
	serveBroker      string
	serveBrokerURL   string
	serveBackend     string
	serveBackendURL  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume a queue and execute tasks",
	Long: `Start a worker consuming the configured queue. The worker runs the
demo task catalogue until interrupted; SIGINT and SIGTERM trigger a
graceful drain.`,
	Example: `  # In-memory worker (mostly useful with --log-level debug)
  beltworker serve

  # Durable local worker over SQLite
  beltworker serve --broker sqlite --broker-url "file:belt.db?_journal=WAL" \
      --backend sqlite --backend-url "file:belt.db?_journal=WAL"

  # Redis broker, four process slots
  beltworker serve --broker redis --broker-url localhost:6379 --strategy spawn --concurrency 4`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveQueue, "queue", "q", "", "queue to consume (overrides config)")
	serveCmd.Flags().StringVarP(&serveStrategy, "strategy", "s", "", "pool strategy: solo, goroutine, thread, spawn")
	serveCmd.Flags().IntVarP(&serveConcurrency, "concurrency", "c", 0, "pool slots (0 = one per CPU)")
	serveCmd.Flags().IntVar(&servePrefetch, "prefetch", 0, "live request bound (0 = four per slot)")
	serveCmd.Flags().StringVar(&serveBroker, "broker", "", "broker kind: memory, sqlite, redis, nats")
	serveCmd.Flags().StringVar(&serveBrokerURL, "broker-url", "", "broker address")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "backend kind: none, memory, sqlite, postgres, redis, mongo")
	serveCmd.Flags().StringVar(&serveBackendURL, "backend-url", "", "backend address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	applyServeFlags(&cfg)

	strategy, err := belt.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	broker, closeBroker, err := cfg.buildBroker()
	if err != nil {
		return err
	}
	defer closeBroker()

	backend, closeBackend, err := cfg.buildBackend()
	if err != nil {
		return err
	}
	defer closeBackend()

	metrics := &belt.BasicMetrics{}
	worker, err := belt.NewWorker(belt.WorkerConfig{
		Broker:            broker,
		Backend:           backend,
		Queue:             cfg.Queue,
		Strategy:          strategy,
		Concurrency:       cfg.Concurrency,
		Prefetch:          cfg.Prefetch,
		MaxTasksPerChild:  cfg.MaxTasksPerChild,
		MaxMemoryPerChild: cfg.MaxMemoryPerChild,
		ShutdownGrace:     time.Duration(cfg.ShutdownGrace),
		Observer:          metrics,
	})
	if err != nil {
		return err
	}
	if err := registerDemoTasks(worker); err != nil {
		return err
	}
	worker.MaybeRunSpawnChild()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	slog.Info("worker starting",
		slog.String("queue", cfg.Queue),
		slog.String("broker", cfg.Broker.Kind),
		slog.String("backend", cfg.Backend.Kind),
		slog.String("strategy", cfg.Strategy),
	)
	for _, name := range worker.Tasks() {
		slog.Debug("task registered", slog.String("task", name))
	}

	if err := worker.Run(ctx); err != nil {
		return err
	}

	snap := metrics.Snapshot()
	fmt.Printf("received %d, succeeded %d, failed %d, retried %d, revoked %d\n",
		snap.Received, snap.Succeeded, snap.Failed, snap.Retried, snap.Revoked)
	return nil
}

func applyServeFlags(cfg *config) {
	if serveQueue != "" {
		cfg.Queue = serveQueue
	}
	if serveStrategy != "" {
		cfg.Strategy = serveStrategy
	}
	if serveConcurrency > 0 {
		cfg.Concurrency = serveConcurrency
	}
	if servePrefetch > 0 {
		cfg.Prefetch = servePrefetch
	}
	if serveBroker != "" {
		cfg.Broker.Kind = serveBroker
	}
	if serveBrokerURL != "" {
		cfg.Broker.URL = serveBrokerURL
	}
	if serveBackend != "" {
		cfg.Backend.Kind = serveBackend
	}
	if serveBackendURL != "" {
		cfg.Backend.URL = serveBackendURL
	}
}
