package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fw-ingest/internal/cache"
	"fw-ingest/internal/config"
	"fw-ingest/internal/db"
	"fw-ingest/internal/export"
	"fw-ingest/internal/fortigate"
	"fw-ingest/internal/hostguard"
	"fw-ingest/internal/ingest"
	"fw-ingest/internal/logx"
	"fw-ingest/internal/pipeline"
	"fw-ingest/internal/redisrl"
	"fw-ingest/internal/sample"
	"fw-ingest/internal/scheduler"
	"fw-ingest/internal/store"
	"fw-ingest/internal/types"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := logx.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("runner_failed", "role", cfg.Role, "error", err)
		code = 1
	}
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("runner_start", "role", cfg.Role, "version", ingest.Version)

	var database *db.DB
	if cfg.DatabaseURL != "" {
		var err error
		database, err = db.Connect(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer database.Close()
	} else {
		logger.Warn("store_disabled", "reason", "DATABASE_URL not set")
	}

	if cfg.Role == "scheduler" {
		var st *store.Store
		if database != nil {
			st = store.New(database.Pool, cfg.StoreTimeout, logger)
		}
		return runScheduler(ctx, cfg, st, logger)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var st *store.Store
	if database != nil {
		var storeOpts []store.Option
		if rdb != nil {
			storeOpts = append(storeOpts, store.WithCache(cache.New(rdb, cfg.CacheTTL, logger)))
		}
		st = store.New(database.Pool, cfg.StoreTimeout, logger, storeOpts...)
	}

	allow, err := cfg.AllowedNetworks()
	if err != nil {
		return err
	}
	guard := hostguard.New(allow)

	deps := pipeline.Deps{
		Samples: sample.New(cfg.SampleDataDir, logger),
		Log:     logger,
		NewSource: func(ctx context.Context, s types.SourceSettings) (pipeline.Source, error) {
			c, err := fortigate.NewGuarded(ctx, guard, s, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
	defaultDevice := types.UnknownDevice
	if s := cfg.AmbientSource(); s != nil {
		client := fortigate.New(*s, logger)
		defer client.Close()
		deps.Source = client
		defaultDevice = s.Address
		logger.Info("source_configured", "firewall", s.Address, "endpoint", client.Endpoint())
	} else {
		logger.Warn("source_disabled", "reason", "FGT_API_TOKEN not set or USE_SAMPLE_DATA=true")
	}
	if st != nil {
		deps.Store = st
	}

	switch cfg.Role {
	case "api":
		opts := []ingest.Option{ingest.WithAPIToken(cfg.APIToken)}
		if rdb != nil && cfg.IngestRPM > 0 {
			opts = append(opts, ingest.WithLimiter(redisrl.New(rdb, cfg.IngestRPM, 1), defaultDevice))
		}
		return serveAPI(ctx, cfg, ingest.NewServer(pipeline.New(deps), logger, opts...), logger)
	case "oneshot":
		if cfg.OutputFile != "" {
			deps.Exporter = export.NewFile(cfg.OutputFile, logger)
		}
		return runOnce(ctx, pipeline.New(deps), cfg.UseSampleData)
	default:
		return fmt.Errorf("unknown ROLE %q", cfg.Role)
	}
}

func serveAPI(ctx context.Context, cfg *config.Config, s *ingest.Server, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("api_listen", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func runOnce(ctx context.Context, svc *pipeline.Service, forceSample bool) error {
	res := svc.Ingest(ctx, types.IngestionRequest{StoreResult: true, ForceSample: forceSample})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	opts := []scheduler.Option{scheduler.WithAPIToken(cfg.APIToken)}
	if cfg.RetentionDays > 0 {
		if st == nil {
			logger.Warn("retention_disabled", "reason", "DATABASE_URL not set")
		} else {
			opts = append(opts, scheduler.WithRetention(st, time.Duration(cfg.RetentionDays)*24*time.Hour))
		}
	}
	sch := scheduler.New(cfg.ServiceURL, cfg.ScheduleInterval, logger, opts...)
	logger.Info("scheduler_start", "service_url", cfg.ServiceURL, "interval", cfg.ScheduleInterval, "retention_days", cfg.RetentionDays)
	if err := sch.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
