// Package main is the entrypoint for the carscope enrichment server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/api"
	"github.com/kiranshivaraju/carscope/internal/api/handler"
	mw "github.com/kiranshivaraju/carscope/internal/api/middleware"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/internal/batch"
	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment"
	"github.com/kiranshivaraju/carscope/internal/resolver"
	"github.com/kiranshivaraju/carscope/internal/scheduler"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/kiranshivaraju/carscope/pkg/prompt"
)

const shutdownTimeout = 30 * time.Second

var logLevel = new(slog.LevelVar)

func main() {
	createAdminKey := flag.String("create-admin-key", "", "create an admin API key with this name, print it and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var err error
	if *createAdminKey != "" {
		err = runCreateAdminKey(*createAdminKey)
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	slog.Info("config loaded", "enrichment_provider", cfg.Enrichment.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	svc, err := enrichment.NewService(cfg.Enrichment)
	if err != nil {
		return fmt.Errorf("create enrichment service: %w", err)
	}
	slog.Info("enrichment service initialized", "provider", svc.Name())

	app := newApp(cfg, store.NewPostgresStore(pool), redisCache, svc)

	sched := scheduler.New(cfg.Scheduler, app.builder, app.tracker)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app is the wired pipeline behind the HTTP router.
type app struct {
	builder *batch.Builder
	tracker *batch.Tracker
	router  http.Handler
}

func newApp(cfg *config.Config, s store.Store, c cache.Cache, svc models.EnrichmentService) *app {
	prompts := prompt.Builder{
		MaxPhotos: cfg.Batch.MaxPhotos,
		Hosts:     prompt.NewHostPicker(cfg.Batch.CDNHosts),
	}
	builder := batch.NewBuilder(s, svc, prompts, cfg.Batch.MaxSize)
	tracker := batch.NewTracker(s, svc, c, batch.TrackerConfig{
		Pricing: batch.Pricing{
			InputPerMTok:  cfg.Batch.PriceInputPerMTok,
			OutputPerMTok: cfg.Batch.PriceOutputPerMTok,
		},
		Concurrency: cfg.Batch.TrackerConcurrency,
	})

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),

		HealthHandler: healthHandler(s, c),

		SubmitBatch:  handler.NewSubmitBatchHandler(builder),
		SweepBatches: handler.NewSweepHandler(tracker),
		GetBatch:     handler.NewGetBatchHandler(s),
		BatchStatus:  handler.NewBatchStatusHandler(s, c),
		BatchItems:   handler.NewBatchItemsHandler(s),
		TrackBatch:   handler.NewTrackBatchHandler(tracker),

		MergeModel:     handler.NewMergeModelHandler(resolver.New(s)),
		RequeueListing: handler.NewRequeueListingHandler(s),
		RequeueFailed:  handler.NewRequeueFailedHandler(s),

		CreateKeyHandler: handler.NewCreateKeyHandler(s),
		ListKeysHandler:  handler.NewListKeysHandler(s),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(s),
	})

	return &app{builder: builder, tracker: tracker, router: router}
}

// runCreateAdminKey bootstraps the first admin key so the admin routes can
// be reached at all.
func runCreateAdminKey(name string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	raw, err := createAdminKey(ctx, store.NewPostgresStore(pool), name)
	if err != nil {
		return err
	}
	fmt.Println(raw)
	return nil
}

func createAdminKey(ctx context.Context, s store.APIKeyStore, name string) (string, error) {
	raw, hash, err := handler.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    []string{models.ScopeAdmin},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	slog.Info("admin api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return raw, nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s interface{ Ping(context.Context) error }, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
