package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/config"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/orchestrator"
	"github.com/fourpillars/adpilot/internal/perf"
	"github.com/fourpillars/adpilot/internal/saju"
	"github.com/fourpillars/adpilot/internal/server"
	"github.com/fourpillars/adpilot/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the adpilot HTTP server.

The server provides:
  - Beacon endpoint for browser-reported ad events
  - Experiment assignment and results APIs
  - Saju calculate/compatibility proxies with local fallback
  - Health, status, and Prometheus metrics endpoints

Example:
  adpilot serve --port 8080`,
	RunE: runServe,
}

func init() {
	defaultPort := 0
	if p := os.Getenv("ADPILOT_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	log, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session persistence: Redis when configured, embedded kv otherwise.
	var sessions kv.Store = st.KVStore()
	if cfg.RedisAddr != "" {
		redisStore, err := kv.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "adpilot")
		if err != nil {
			log.Warn("redis unavailable, using embedded session store", zap.Error(err))
		} else {
			sessions = redisStore
			defer redisStore.Close()
		}
	}

	events := bus.New()
	events.SetLogger(log)

	exps := experiment.NewManager(sessions, events, log)
	exps.SetAssignmentTTL(cfg.AssignmentTTL())
	if err := registerExperiments(ctx, cfg, st, exps, log); err != nil {
		return err
	}

	engine := adserve.NewEngine(cfg.Ads, adserve.NewTagLoader(cfg.AdClientID), events, log)
	tracker := perf.NewTracker(sessions, events, log)
	sajuClient := saju.NewClient(cfg.SajuAPIBase, sessions, log)

	orch := orchestrator.Shared(orchestrator.Deps{
		Engine:      engine,
		Tracker:     tracker,
		Experiments: exps,
		Events:      events,
		Store:       st,
		Log:         log,
	})
	if err := orch.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize ad integration: %w", err)
	}
	defer orch.Close()

	go engine.Run(ctx)
	go tracker.Run(ctx)

	srv := server.New(st, engine, tracker, exps, orch, sajuClient, events, log, server.Options{
		Port:       cfg.Port,
		CookieName: cfg.CookieName,
		CookieTTL:  cfg.AssignmentTTL(),
		Token:      cfg.ExportToken,
		AdClient:   cfg.AdClientID,
	})

	fmt.Printf("adpilot running on http://localhost:%d\n", cfg.Port)
	fmt.Printf("Export: http://localhost:%d/api/export?token=%s\n", cfg.Port, srv.Token())

	return srv.Start()
}

// registerExperiments loads the catalog from config, restoring persisted
// state for known experiments and picking up operator-created ones.
func registerExperiments(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, exps *experiment.Manager, log *zap.Logger) error {
	seen := make(map[string]bool)

	for _, exp := range cfg.Experiments {
		seen[exp.ID] = true
		if stored, err := st.GetExperiment(ctx, exp.ID); err == nil {
			if err := exps.Hydrate(stored); err != nil {
				return fmt.Errorf("failed to restore experiment %s: %w", exp.ID, err)
			}
			continue
		}
		if err := exps.Register(exp); err != nil {
			return err
		}
		if snap, err := exps.Snapshot(exp.ID); err == nil {
			if err := st.SaveExperiment(ctx, snap); err != nil {
				log.Warn("failed to persist experiment", zap.String("experiment", exp.ID), zap.Error(err))
			}
		}
	}

	stored, err := st.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored experiments: %w", err)
	}
	for _, exp := range stored {
		if seen[exp.ID] {
			continue
		}
		if err := exps.Hydrate(exp); err != nil {
			log.Warn("skipping invalid stored experiment", zap.String("experiment", exp.ID), zap.Error(err))
		}
	}

	return nil
}
