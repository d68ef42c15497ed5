package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/logistics-twin/internal/api"
	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/engine"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/watchdog"
)

var (
	configPath string // YAML config file, empty = defaults
	logLevel   string // overrides logging.level
	seed       int64  // overrides simulation.seed when set
	dbPath     string // switches the store to sqlite at this path

	apiURL        string        // watch: facility API base URL
	watchInterval time.Duration // watch: time between cycles
	maxError      time.Duration // watch: resolve disruptions older than this, 0 = never
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:          "logisim",
	Short:        "Logistics facility digital twin",
	SilenceUsage: true,
}

// runCmd starts the store, the tick engine and the HTTP API until signalled.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation and serve the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// snapshotCmd prints the graph snapshot of the configured store.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the facility graph as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		// A memory store starts empty; show the layout it would be seeded with.
		if cfg.Store.Driver == "memory" {
			if err := st.Seed(ctx, cfg.Facility); err != nil {
				return err
			}
		}
		snap, err := st.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

// watchCmd runs the watchdog against a running facility API.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Observe a running facility and resolve stuck disruptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := &watchdog.Watchdog{
			Observer: watchdog.NewObserver(apiURL),
			Interval: watchInterval,
			MaxError: maxError,
		}
		if cfg.API.AdminKey != "" {
			w.Actor = watchdog.NewActor(apiURL, cfg.API.AdminKey)
		} else {
			slog.Warn("LOGISIM_ADMIN_KEY not set, watchdog will only observe")
		}
		slog.Info("watchdog starting", "api_url", apiURL, "interval", watchInterval, "max_error", maxError)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Simulation seed (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (selects the sqlite store)")

	watchCmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "Facility API base URL")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Minute, "Time between observation cycles")
	watchCmd.Flags().DurationVar(&maxError, "max-error", 5*time.Minute, "Resolve ERROR events running longer than this (0 = never)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig applies flags over the config file and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("seed") {
		cfg.Simulation.Seed = seed
	}
	if dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Logging.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("database opened", "path", cfg.Path)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("logistics twin starting",
		"facility", cfg.Facility.Name,
		"seed", cfg.Simulation.Seed,
		"tick", cfg.Simulation.TickPeriod,
		"store", cfg.Store.Driver,
	)

	// ── Store ─────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// ── Embeddings ────────────────────────────────────────────────────
	emb := embed.New(cfg.Embedding)

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.New(st, emb, cfg)
	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("LOGISIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	srv := &api.Server{
		Engine:           eng,
		Store:            st,
		Embedder:         emb,
		Port:             cfg.API.Port,
		AdminKey:         cfg.API.AdminKey,
		SearchLimit:      cfg.API.SearchLimit,
		BatteryThreshold: cfg.Transport.LowBatteryThreshold,
		EmbedTimeout:     cfg.Embedding.Timeout,
	}
	eng.OnTick = srv.Publish

	// ── Start ─────────────────────────────────────────────────────────
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	err = srv.Run(ctx)
	if err != nil {
		slog.Error("API server failed", "err", err)
	}
	cancel()
	wg.Wait()

	status := eng.Status()
	slog.Info("simulation stopped",
		"ticks", status.Tick,
		"failed_ticks", status.FailedTicks,
		"spawned", status.Spawned,
		"loaded", status.Loaded,
	)
	return err
}
