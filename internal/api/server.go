// Package api - HTTP интерфейс скоринга и администрирования baseline.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/baseline"
	"github.com/xela07ax/signal-risk-engine/internal/cache"
	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/infra/auth"
	"github.com/xela07ax/signal-risk-engine/internal/risk"
)

type BaselineReader interface {
	Get(ctx context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error)
}

type BaselineRefresher interface {
	Recompute(ctx context.Context, key domain.BaselineKey) (baseline.Outcome, error)
	RefreshAll(ctx context.Context) error
}

type CacheStats interface {
	Stats() cache.Stats
	ResetStats()
}

type VerdictInvalidator interface {
	Invalidate(rawURL string) bool
}

type SessionUpdater interface {
	Update(s domain.SessionContext) domain.SessionContext
}

// Deps - все, что нужно обработчикам. Nil-поле выключает соответствующие роуты.
type Deps struct {
	Scorer    risk.Evaluator
	Anomaly   *risk.AnomalyDetector
	Baselines BaselineReader
	Refresher BaselineRefresher
	Cache     CacheStats
	Verdicts  VerdictInvalidator
	Session   SessionUpdater
	// Ready - проверка зависимостей для /healthz (БД, Redis).
	Ready func(ctx context.Context) error
}

type Server struct {
	router    *chi.Mux
	deps      Deps
	validator auth.TokenValidator
	logger    *zap.Logger
}

// NewServer собирает роутер. validator == nil - аутентификация выключена.
func NewServer(deps Deps, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		validator: validator,
		logger:    logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TraceMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeScore))
			if s.deps.Scorer != nil {
				r.Post("/v1/url/evaluate", s.evaluateURL)
			}
			if s.deps.Anomaly != nil {
				r.Post("/v1/anomaly/score", s.scoreAnomaly)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeBaseline))
			if s.deps.Baselines != nil {
				r.Get("/v1/baselines/{actor}/{resource}", s.getBaseline)
			}
			if s.deps.Refresher != nil {
				r.Post("/v1/baselines/refresh", s.refreshBaselines)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeAdmin))
			if s.deps.Cache != nil {
				r.Get("/v1/cache/stats", s.cacheStats)
				r.Delete("/v1/cache/stats", s.resetCacheStats)
			}
			if s.deps.Verdicts != nil {
				r.Delete("/v1/cache/verdicts", s.invalidateVerdict)
			}
			if s.deps.Session != nil {
				r.Put("/v1/session", s.updateSession)
			}
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
