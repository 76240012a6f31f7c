package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vantrade/edgerun/internal/api"
	"github.com/vantrade/edgerun/internal/broker"
	"github.com/vantrade/edgerun/internal/config"
	"github.com/vantrade/edgerun/internal/exits"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/ingest"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
	"github.com/vantrade/edgerun/internal/metrics"
	"github.com/vantrade/edgerun/internal/persistence"
	"github.com/vantrade/edgerun/internal/providers/sim"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
	"github.com/vantrade/edgerun/internal/signals"
	"github.com/vantrade/edgerun/internal/worker"
)

const (
	appName = "edgerun"
	version = "v1.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Adaptive trading decision engine",
		Version: version,
		Long: `EdgeRun scores a symbol universe from multi-family market signals,
admits entries through a veto-gate chain, manages exits through an
urgency model, and adapts its component weights from realized outcomes.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to YAML configuration")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the decision engine loop",
		Long:  "Starts the worker loop, watchdog, and the read-only HTTP/WebSocket surface.",
		RunE:  runEngine,
	}

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Execute a single decision cycle and exit",
		RunE:  runSingleCycle,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running engine's health and regime",
		RunE:  runStatus,
	}

	rootCmd.AddCommand(runCmd, cycleCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles everything buildEngine wires together.
type engine struct {
	cfg      config.Config
	worker   *worker.Worker
	server   *api.Server
	hub      *api.Hub
	provider *sim.Provider
	store    persistence.Store
}

func buildEngine(cfg config.Config) (*engine, error) {
	store, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var queue ingest.SignalQueue
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		queue = ingest.NewRedisQueue(client)
		log.Info().Str("addr", cfg.Storage.RedisAddr).Msg("durable signal queue on redis")
	} else {
		queue = ingest.NewMemoryQueue()
		log.Warn().Msg("no redis configured, deferred fetches will not survive restarts")
	}

	provider := sim.NewProvider(time.Now().UnixNano())
	for _, symbol := range cfg.Universe {
		provider.AddSymbol(symbol, "core", 100)
	}

	cache := signals.NewCache(cfg.Freshness)
	paper := broker.NewPaperBroker(cfg.Broker.StartingEquity)
	led := ledger.NewLedger(paper, ledger.DefaultConfig())
	learner := learning.NewLearner(cfg.Learning)
	pipeline := gates.NewDefaultPipeline(cfg.Gates, func() gates.Stage {
		return cfg.Gates.Stage.StageFor(led.ClosedTrades())
	})
	gateway := ingest.NewGateway(cfg.Ingest, provider, cache, queue)
	reg := metrics.NewRegistry()
	hub := api.NewHub()

	w := worker.New(cfg.Worker, worker.Deps{
		Detector: regime.NewDetector(provider, cfg.Regime),
		Gateway:  gateway,
		Cache:    cache,
		Scorer:   scoring.NewScorer(cfg.Scoring),
		Learner:  learner,
		Pipeline: pipeline,
		Stages:   cfg.Gates.Stage,
		Exits:    exits.NewScorer(cfg.Exits),
		Ledger:   led,
		Broker:   paper,
		Store:    store,
		Metrics:  reg,
		Market:   provider,
		Hub:      hub,
		Universe: cfg.Universe,
	})
	reg.SetHeartbeatSource(w.LastHeartbeat)

	server := api.NewServer(cfg.Server, w, reg.Handler(), hub)
	return &engine{
		cfg:      cfg,
		worker:   w,
		server:   server,
		hub:      hub,
		provider: provider,
		store:    store,
	}, nil
}

func buildStore(cfg config.StorageConfig) (persistence.Store, error) {
	switch cfg.Backend {
	case "postgres":
		store, err := persistence.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		log.Info().Msg("state backend: postgres")
		return store, nil
	default:
		store, err := persistence.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		log.Info().Str("dir", cfg.StateDir).Msg("state backend: file")
		return store, nil
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Universe) == 0 {
		return fmt.Errorf("universe is empty, nothing to trade")
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.worker.RestoreState(ctx)

	go func() {
		if err := eng.server.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	// Advance the synthetic market between cycles.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.provider.Step()
			}
		}
	}()

	log.Info().
		Str("version", version).
		Int("universe", len(cfg.Universe)).
		Dur("interval", cfg.Worker.Interval).
		Msg("engine starting")

	// The watchdog cancels the loop's context on staleness; the outer
	// loop relaunches it until shutdown.
	for ctx.Err() == nil {
		loopCtx, cancel := context.WithCancel(ctx)
		wd := worker.NewWatchdog(cfg.Watchdog, eng.worker, cancel)
		go wd.Run(loopCtx)

		if err := eng.worker.Run(loopCtx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("worker loop stopped, restarting")
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("engine stopped")
	return nil
}

func runSingleCycle(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	ctx := cmd.Context()
	eng.worker.RestoreState(ctx)
	eng.provider.Step()
	eng.worker.RunOnce(ctx)

	cycles, err := eng.worker.RecentCycles(ctx, 1)
	if err != nil || len(cycles) == 0 {
		return fmt.Errorf("cycle record unavailable: %w", err)
	}
	out, _ := json.MarshalIndent(cycles[0], "", "  ")
	fmt.Println(string(out))
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/health", "/api/v1/regime"} {
		resp, err := client.Get(base + path)
		if err != nil {
			return fmt.Errorf("engine unreachable at %s: %w", base, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fmt.Printf("%s: %s\n", path, string(body))
	}
	return nil
}
