package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/api"
	"github.com/xela07ax/signal-risk-engine/internal/app"
	"github.com/xela07ax/signal-risk-engine/internal/baseline"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
	"github.com/xela07ax/signal-risk-engine/internal/infra/auth"
	"github.com/xela07ax/signal-risk-engine/internal/repository/postgres"
	"github.com/xela07ax/signal-risk-engine/internal/risk"
	"github.com/xela07ax/signal-risk-engine/internal/session"
)

// Console - API скоринга и администрирования baseline поверх общей БД и Redis.
// Конвейер событий не запускает: этим занимается cmd/engine.
//
//	console            - HTTP API
//	console migrate up - команда goose над встроенными миграциями
func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := migrate(cfg, os.Args[2:]); err != nil {
			logger.Fatal("migrate failed", zap.Error(err))
		}
		return
	}

	if err := serve(cfg, logger); err != nil {
		logger.Fatal("console failed", zap.Error(err))
	}
}

func migrate(cfg *infra.Config, args []string) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	command := "up"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{MaxConns: 2})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return postgres.RunMigrations(ctx, db, command, args...)
}

func serve(cfg *infra.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Метрики консоли не экспортируются, счетчики уходят в приватный реестр
	metrics := engine.NewMetrics(nil)

	store, err := app.OpenStorage(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, session updates stay local", zap.Error(err))
	}

	highPriority, err := cfg.Engine.HighPriority()
	if err != nil {
		return err
	}

	scorer := app.BuildScorer(cfg, app.BuildFeed(ctx, cfg, store, rdb, metrics, logger), metrics, logger)
	refresher := baseline.NewRefresher(store.Events, store.Baselines, baseline.Config{
		Window:           cfg.Baseline.Window,
		RecomputeTimeout: cfg.Baseline.RecomputeTimeout,
		HighPriority:     highPriority,
	}, metrics, logger)

	var sessions api.SessionUpdater = session.NewTracker()
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		sessions = session.NewPublisher(rdb, logger)
	}

	var validator auth.TokenValidator
	if !cfg.Auth.Disabled {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = auth.NewRSAValidator(key)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(api.Deps{
			Scorer:    scorer,
			Anomaly:   risk.NewAnomalyDetector(),
			Baselines: store.Baselines,
			Refresher: refresher,
			Cache:     scorer.Cache(),
			Verdicts:  scorer,
			Session:   sessions,
			Ready:     app.Readiness(store, rdb),
		}, validator, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
