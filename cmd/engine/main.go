package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/signal-risk-engine/internal/alerting"
	"github.com/xela07ax/signal-risk-engine/internal/api"
	"github.com/xela07ax/signal-risk-engine/internal/app"
	"github.com/xela07ax/signal-risk-engine/internal/baseline"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
	"github.com/xela07ax/signal-risk-engine/internal/infra/auth"
	"github.com/xela07ax/signal-risk-engine/internal/risk"
	"github.com/xela07ax/signal-risk-engine/internal/session"
	"github.com/xela07ax/signal-risk-engine/internal/sources"
	"github.com/xela07ax/signal-risk-engine/internal/timeline"
)

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла: SIGINT/SIGTERM отменяет все фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура
	shutdownTracing, err := infra.InitTracing(appCtx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	store, err := app.OpenStorage(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rdb, err := app.OpenRedis(appCtx, cfg.Redis)
	if err != nil {
		// Redis опционален: без него нет Pub/Sub источников и L2 фида
		logger.Warn("redis unavailable, running without it", zap.Error(err))
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	highPriority, err := cfg.Engine.HighPriority()
	if err != nil {
		return err
	}

	// 2. Скоринг
	feed := app.BuildFeed(appCtx, cfg, store, rdb, metrics, logger)
	scorer := app.BuildScorer(cfg, feed, metrics, logger)

	// 3. Сессия и источники
	tracker := session.NewTracker()
	if rdb != nil {
		go session.Follow(appCtx, rdb, tracker, logger)
	}

	srcs, err := buildSources(cfg, rdb, logger)
	if err != nil {
		return err
	}

	// 4. Конвейер: координатор -> (timeline -> persister -> refresher) и (hot -> alerter)
	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		TimelineBuffer: cfg.Engine.TimelineBuffer,
		HotBuffer:      cfg.Engine.HotBuffer,
		HighPriority:   highPriority,
	}, srcs, tracker, metrics, logger)

	refresher := baseline.NewRefresher(store.Events, store.Baselines, baseline.Config{
		Window:           cfg.Baseline.Window,
		QueueSize:        cfg.Baseline.QueueSize,
		RecomputeTimeout: cfg.Baseline.RecomputeTimeout,
		HighPriority:     highPriority,
	}, metrics, logger)

	persister := timeline.NewPersister(coord.Timeline(), store.Events, refresher, cfg.Engine.PersistTimeout, metrics, logger)

	var sink alerting.Sink = alerting.NewLogSink(logger)
	if rdb != nil {
		sink = alerting.Fanout{sink, alerting.NewRedisSink(rdb)}
	}
	alerter := alerting.NewAlerter(coord.Hot(), scorer, store.Baselines, sink, alerting.Config{}, metrics, logger)

	refresher.Start(appCtx)
	persister.Start(appCtx)
	alerter.Start(appCtx)
	go refresher.RunMaintenance(appCtx, cfg.Baseline.MaintenanceInterval)

	if err := coord.Start(appCtx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	// 5. gRPC health отражает статус координатора
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	go mirrorStatus(appCtx, coord, healthSrv)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		logger.Info("grpc health server started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve failed", zap.Error(err))
		}
	}()

	// 6. HTTP: API и метрики
	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return err
	}
	apiSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(api.Deps{
			Scorer:    scorer,
			Anomaly:   risk.NewAnomalyDetector(),
			Baselines: store.Baselines,
			Refresher: refresher,
			Cache:     scorer.Cache(),
			Verdicts:  scorer,
			Session:   tracker,
			Ready:     app.Readiness(store, rdb),
		}, validator, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	for _, srv := range []*http.Server{apiSrv, metricsSrv} {
		go func() {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.String("addr", srv.Addr), zap.Error(err))
				stop()
			}
		}()
	}

	<-appCtx.Done()
	logger.Info("engine stopping")

	// 7. Graceful Shutdown: сначала входы, потом конвейер
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	coord.Stop()
	alerter.Stop()
	persister.Stop()
	refresher.Stop()

	healthSrv.Shutdown()
	grpcSrv.GracefulStop()

	logger.Info("engine exited properly")
	return nil
}

func buildSources(cfg *infra.Config, rdb redis.UniversalClient, logger *zap.Logger) ([]engine.EventSource, error) {
	var out []engine.EventSource
	if rdb != nil {
		for _, name := range cfg.Sources.RedisChannels {
			out = append(out, sources.NewRedisSource(rdb, sources.RedisConfig{Name: name}, logger))
		}
	}
	if cfg.Sources.ReplayFile != "" {
		src, err := sources.NewReplaySourceFromFile(sources.ReplayConfig{
			Name:     "replay",
			Interval: 50 * time.Millisecond,
			Rebase:   true,
		}, cfg.Sources.ReplayFile, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func buildValidator(cfg infra.AuthConfig) (auth.TokenValidator, error) {
	if cfg.Disabled {
		return nil, nil
	}
	key, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return auth.NewRSAValidator(key), nil
}

// mirrorStatus: RUNNING координатора - SERVING, все остальное - NOT_SERVING.
func mirrorStatus(ctx context.Context, coord *engine.Coordinator, hs *health.Server) {
	ch, unsubscribe := coord.WatchStatus()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			serving := healthpb.HealthCheckResponse_NOT_SERVING
			if st == engine.StatusRunning {
				serving = healthpb.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus("", serving)
		}
	}
}
