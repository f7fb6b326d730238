package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/events"
	"github.com/sawpanic/equityrun/internal/httpapi"
	"github.com/sawpanic/equityrun/internal/logging"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/pipeline"
	"github.com/sawpanic/equityrun/internal/provider/polygon"
	"github.com/sawpanic/equityrun/internal/publish"
	"github.com/sawpanic/equityrun/internal/ratelimit"
	"github.com/sawpanic/equityrun/internal/scan"
	"github.com/sawpanic/equityrun/internal/session"
	"github.com/sawpanic/equityrun/internal/trace"
	"github.com/sawpanic/equityrun/internal/volume"
)

const dbTimeout = 5 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "equityrun",
		Short: "Explosive-stock discovery engine",
	}
	root.AddCommand(serveCmd(), scanCmd(), refreshCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles the wired components shared by the subcommands.
type runtime struct {
	cfg       *config.Config
	db        *sqlx.DB
	redis     *redis.Client
	provider  *polygon.Client
	limiter   *ratelimit.Manager
	cache     *volume.Cache
	calib     *calibration.Store
	recorder  *trace.Recorder
	registry  *metrics.Registry
	clock     *session.MarketClock
	publisher *publish.Publisher
	reader    *publish.Reader
	lock      *publish.ScanLock
	sink      *events.Sink
}

func buildRuntime(needDB, needRedis bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		limiter:  ratelimit.NewManager(),
		recorder: trace.NewRecorder(0),
		registry: metrics.NewDefault(),
		clock:    session.NewMarketClock(),
	}
	rt.provider = polygon.NewClient(cfg.Provider, rt.limiter)
	rt.sink = events.NewSink(cfg.EventSinkURL, func() { rt.registry.EventSinkDrops.Inc() })

	var history calibration.History
	if needDB {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		rt.db = db

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := volume.Migrate(ctx, db); err != nil {
			return nil, err
		}
		if err := calibration.MigrateHistory(ctx, db); err != nil {
			return nil, err
		}

		store := volume.NewPostgresStore(db, dbTimeout)
		rt.cache = volume.NewCache(store, cfg.VolumeFreshness)
		history = calibration.NewPostgresHistory(db, dbTimeout)
	}

	presets, err := calibration.LoadPresetFile(cfg.PresetsPath)
	if err != nil {
		return nil, err
	}
	rt.calib = calibration.NewStore(presets, nil, history)

	if needRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		rt.redis = client
		kv := publish.NewRedisKV(client)
		rt.publisher = publish.NewPublisher(kv, cfg.ArtifactTTL)
		rt.reader = publish.NewReader(kv)
		rt.lock = publish.NewScanLock(kv, cfg.ScanBudgetHard+5*time.Second)
	}

	return rt, nil
}

func (rt *runtime) orchestrator() *scan.Orchestrator {
	return scan.New(scan.Config{
		Strategy:       rt.cfg.Strategy,
		TopK:           rt.cfg.MomentumTopK,
		MaxCandidates:  rt.cfg.MaxCandidates,
		SoftBudget:     rt.cfg.ScanBudgetSoft,
		HardBudget:     rt.cfg.ScanBudgetHard,
		ShardThreshold: rt.cfg.ScoringShardAt,
		Universe:       pipeline.DefaultUniverseConfig(),
	}, rt.provider, rt.cache, rt.calib, nil, rt.publisher, rt.lock, rt.clock, rt.recorder, rt.registry, rt.sink)
}

func (rt *runtime) close() {
	if rt.db != nil {
		rt.db.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the discovery API and the background scan loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(false)

			rt, err := buildRuntime(true, true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			checks := httpapi.ComponentChecks{
				DB:       func(ctx context.Context) error { return rt.db.PingContext(ctx) },
				Cache:    func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() },
				Provider: rt.provider.Healthy,
			}
			handlers := httpapi.NewHandlers(rt.reader, rt.calib, rt.recorder, rt.clock,
				rt.limiter, checks, rt.cfg.Strategy, rt.cfg.MaxDataAge)
			server := httpapi.NewServer(httpapi.DefaultServerConfig(rt.cfg.HTTPAddr), handlers)

			scheduler := scan.NewScheduler(rt.orchestrator(), rt.cfg.ScanInterval)
			go scheduler.Run(ctx)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single discovery scan and print the artifact summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(true)

			rt, err := buildRuntime(true, true)
			if err != nil {
				return err
			}
			defer rt.close()

			artifact, err := rt.orchestrator().RunScan(cmd.Context())
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"scan_id":      artifact.ScanID,
				"generated_at": artifact.GeneratedAt,
				"strategy":     artifact.Strategy,
				"candidates":   len(artifact.Candidates),
				"stats":        artifact.Stats,
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}
}

func refreshCmd() *cobra.Command {
	var mode string
	var sample int

	cmd := &cobra.Command{
		Use:   "refresh-volume",
		Short: "Populate the 20-day volume cache from historical bars",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(true)

			rt, err := buildRuntime(true, false)
			if err != nil {
				return err
			}
			defer rt.close()

			job := volume.NewRefreshJob(rt.provider, rt.cache, rt.cfg.VolumeFreshness)
			summary, err := job.Run(cmd.Context(), volume.RefreshMode(mode), sample)
			if summary != nil {
				log.Info().Interface("summary", summary).Msg("refresh finished")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(volume.RefreshFull), "full | test | stale")
	cmd.Flags().IntVar(&sample, "sample", 25, "sample size for test mode")
	return cmd
}
