// reeld is the reel render service. It serves the REST API, runs the render
// pipeline engine, and streams run progress to subscribers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reelworks/reel/internal/api"
	"github.com/reelworks/reel/internal/artifacts"
	"github.com/reelworks/reel/internal/auth"
	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/config"
	"github.com/reelworks/reel/internal/engine"
	"github.com/reelworks/reel/internal/leader"
	"github.com/reelworks/reel/internal/logqueue"
	"github.com/reelworks/reel/internal/memstore"
	"github.com/reelworks/reel/internal/metrics"
	"github.com/reelworks/reel/internal/postgres"
	"github.com/reelworks/reel/internal/providers"
	"github.com/reelworks/reel/internal/reaper"
	"github.com/reelworks/reel/internal/steps"
)

// store is the full persistence surface the service wires together.
type store interface {
	engine.Store
	api.Store
	reaper.Store
	logqueue.Store
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /reeld healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load environment config", "error", err)
		os.Exit(1)
	}

	filePath := config.ResolveFilePath()
	fileCfg, err := config.LoadFile(filePath)
	if err != nil {
		slog.Error("failed to load config file", "path", filePath, "error", err)
		os.Exit(1)
	}
	if filePath != "" {
		slog.Info("config file loaded", "path", filePath)
	}

	ctx := context.Background()

	// Store: Postgres when DATABASE_URL is set, in-memory otherwise. The
	// in-memory store loses everything on restart and is meant for local
	// dry-run development.
	var (
		st        store
		pool      *pgxpool.Pool
		readiness func(ctx context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		st = postgres.NewStore(pool)
		readiness = pool.Ping
		slog.Info("postgres store initialized")
	} else {
		st = memstore.New()
		slog.Warn("DATABASE_URL not set, using in-memory store (state is lost on restart)")
	}

	bcast := broadcast.New(cfg.MaxSubscribersPerRun, cfg.HeartbeatInterval())
	logs := logqueue.New(st, bcast)
	met := metrics.New()
	dryCfg := config.NewDryRun(cfg)

	// Export upload is optional; a nil uploader disables it.
	uploader, err := artifacts.NewUploader(ctx, artifacts.UploaderConfig{
		Endpoint:  fileCfg.Export.Endpoint,
		AccessKey: fileCfg.Export.AccessKey,
		SecretKey: fileCfg.Export.SecretKey,
		Bucket:    fileCfg.Export.Bucket,
		UseSSL:    fileCfg.Export.UseSSL,
	})
	if err != nil {
		slog.Error("failed to initialize export uploader", "error", err)
		os.Exit(1)
	}
	if uploader != nil {
		slog.Info("export upload enabled",
			"endpoint", fileCfg.Export.Endpoint, "bucket", fileCfg.Export.Bucket)
	}

	// Real toolchain only when a media gateway is configured; the selector
	// falls back to dry-run execution otherwise.
	var toolchain *steps.Toolchain
	if base := fileCfg.Providers.BaseURL; base != "" {
		gw := providers.NewClient(base, fileCfg.Providers.APIKey,
			time.Duration(fileCfg.Providers.TimeoutSec)*time.Second)
		toolchain = steps.NewToolchain(cfg.ArtifactRoot, steps.Providers{
			TTS:      gw.TTS(),
			ASR:      gw.ASR(),
			Images:   gw.Images(),
			Music:    gw.Music(),
			Renderer: &providers.FFmpegRenderer{},
		}, cfg.MaxConcurrentImageGeneration, uploader)
		slog.Info("media gateway configured", "base_url", base)
	} else if !dryCfg.Enabled() {
		slog.Warn("no media gateway configured, forcing dry-run mode")
	}
	exec := steps.NewSelector(dryCfg, steps.NewDryRun(cfg.ArtifactRoot, dryCfg), toolchain)

	eng := engine.New(st, exec, bcast, logs, engine.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		MaxQueueSize:      cfg.MaxQueueSize,
		Metrics:           met,
	})

	// Recover state left by a previous process before accepting work.
	if err := eng.RestoreAfterRestart(ctx); err != nil {
		slog.Error("restart recovery failed", "error", err)
		os.Exit(1)
	}
	eng.Start()

	reap, err := reaper.New(st, eng, reaper.Config{
		Schedule:        fileCfg.Maintenance.Schedule,
		StuckRunTimeout: time.Duration(fileCfg.Maintenance.StuckRunTimeoutMin) * time.Minute,
		RunRetention:    time.Duration(fileCfg.Maintenance.RunRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		slog.Error("invalid maintenance schedule", "schedule", fileCfg.Maintenance.Schedule, "error", err)
		os.Exit(1)
	}

	// The maintenance sweep must only run on one replica. With a shared
	// database, leader election via advisory lock picks that replica; in
	// single-instance in-memory mode, start it directly.
	startMaintenance := func(ctx context.Context) func() {
		reap.Start(ctx)
		return reap.Stop
	}
	var stopMaintenance func()
	if pool != nil {
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, startMaintenance)
		elector.Start(ctx)
		stopMaintenance = elector.Stop
		slog.Info("leader election started (advisory lock)")
	} else {
		stopMaintenance = startMaintenance(ctx)
	}

	var authMiddleware func(http.Handler) http.Handler
	if apiKey := os.Getenv("REEL_API_KEY"); apiKey != "" {
		authMiddleware = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	}

	router := api.NewRouter(&api.Server{
		Store:        st,
		Engine:       eng,
		DryRun:       dryCfg,
		ArtifactRoot: cfg.ArtifactRoot,
		CORSOrigins:  fileCfg.CORSOrigins,
		Metrics:      met,
		ReadyCheck:   readiness,
		Auth:         authMiddleware,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Long enough for a full-length SSE stream.
		WriteTimeout: (api.MaxSSEDurationSeconds + 60) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting reeld", "addr", cfg.ListenAddr,
		"max_concurrent_runs", cfg.MaxConcurrentRuns, "dry_run", dryCfg.Enabled())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: stop accepting HTTP, then drain the engine (cancel
	// in-flight runs, flush logs, close subscriber streams).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	stopMaintenance()
	slog.Info("maintenance workers stopped")

	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	slog.Info("engine drained")

	slog.Info("reeld shutdown complete")
}
