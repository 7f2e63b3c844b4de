package connectors

/*
Executor оборачивает исходящие HTTP-вызовы скореров (threat-feed и т.п.) в политики надежности:

- Per-host интервал: между запросами к одному хосту не меньше MinInterval (вызывающий ждет).
- Global rate: общий потолок запросов в секунду на процесс.
- Retry: 429, 5xx и транспортные ошибки повторяются до MaxRetries раз
  с экспоненциальной задержкой base*2^n + jitter (или Retry-After, если он больше).
  Прочие 4xx возвращаются сразу.
- Circuit Breaker на хост: после серии неудачных вызовов хост временно отсекается.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

// HTTPDoer - транспорт под исполнителем.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ExecutorConfig struct {
	MinInterval    time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration

	GlobalRPS   float64
	GlobalBurst int

	CBMaxRequests         uint32
	CBInterval            time.Duration
	CBTimeout             time.Duration
	CBConsecutiveFailures uint32
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MinInterval:           time.Second,
		MaxRetries:            3,
		BaseDelay:             500 * time.Millisecond,
		MaxDelay:              30 * time.Second,
		RequestTimeout:        10 * time.Second,
		GlobalRPS:             20,
		GlobalBurst:           5,
		CBMaxRequests:         3,
		CBInterval:            5 * time.Second,
		CBTimeout:             30 * time.Second,
		CBConsecutiveFailures: 5,
	}
}

// HostStats - счетчики по хосту для диагностики.
type HostStats struct {
	Requests int64 `json:"requests"`
	Retries  int64 `json:"retries"`
	Failures int64 `json:"failures"`
}

type hostState struct {
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	stats   HostStats
}

type Executor struct {
	client  HTTPDoer
	cfg     ExecutorConfig
	global  *rate.Limiter
	jitter  func(max time.Duration) time.Duration
	metrics *engine.Metrics
	logger  *zap.Logger

	mu    sync.Mutex // защищает hosts и счетчики
	hosts map[string]*hostState
}

type ExecutorOption func(*Executor)

// WithJitter подменяет генератор случайной добавки к задержке (для тестов).
func WithJitter(fn func(max time.Duration) time.Duration) ExecutorOption {
	return func(e *Executor) { e.jitter = fn }
}

func WithExecutorMetrics(m *engine.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor: client == nil - http.Client с таймаутом RequestTimeout.
func NewExecutor(client HTTPDoer, cfg ExecutorConfig, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.CBConsecutiveFailures == 0 {
		cfg.CBConsecutiveFailures = def.CBConsecutiveFailures
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	global := rate.NewLimiter(rate.Inf, 0)
	if cfg.GlobalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), max(cfg.GlobalBurst, 1))
	}

	e := &Executor{
		client: client,
		cfg:    cfg,
		global: global,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		},
		logger: logger.With(zap.String("mod", "executor")),
		hosts:  make(map[string]*hostState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = engine.NewMetrics(nil)
	}
	return e
}

func (e *Executor) host(name string) *hostState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hs, ok := e.hosts[name]; ok {
		return hs
	}

	limit := rate.Inf
	if e.cfg.MinInterval > 0 {
		limit = rate.Every(e.cfg.MinInterval)
	}
	hs := &hostState{
		limiter: rate.NewLimiter(limit, 1),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: e.cfg.CBMaxRequests,
			Interval:    e.cfg.CBInterval,
			Timeout:     e.cfg.CBTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= e.cfg.CBConsecutiveFailures
			},
			OnStateChange: func(host string, from, to gobreaker.State) {
				e.logger.Warn("circuit breaker state changed",
					zap.String("host", host), zap.String("from", from.String()), zap.String("to", to.String()))
				e.metrics.CircuitBreakerState.WithLabelValues(host).Set(breakerGauge(to))
			},
		}),
	}
	e.hosts[name] = hs
	return hs
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (e *Executor) count(hs *hostState, fn func(*HostStats)) {
	e.mu.Lock()
	fn(&hs.stats)
	e.mu.Unlock()
}

// Stats - снимок счетчиков хоста.
func (e *Executor) Stats(host string) HostStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hs, ok := e.hosts[host]; ok {
		return hs.stats
	}
	return HostStats{}
}

// Do выполняет запрос с политиками надежности.
// Успех и не-ретраябельные 4xx возвращаются как (resp, nil); тело закрывает вызывающий.
// После исчерпания попыток - (nil, err), err оборачивает ErrRetriesExhausted и последнюю ошибку.
// Последний ответ не возвращается: его тело уже вычитано и закрыто, а код статуса
// и Retry-After доступны через errors.As(err, *StatusError).
func (e *Executor) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	hostName := req.URL.Host
	hs := e.host(hostName)

	result, err := hs.cb.Execute(func() (interface{}, error) {
		return e.doWithRetry(ctx, req, hs)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.metrics.ExecutorAttempts.WithLabelValues(hostName, "breaker_open").Inc()
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func (e *Executor) doWithRetry(ctx context.Context, req *http.Request, hs *hostState) (*http.Response, error) {
	hostName := req.URL.Host
	var resp *http.Response
	attempt := 0

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.MaxRetries+1)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return e.backoff(n, err)
		}),
	)

	err := r.Do(func() error {
		if attempt > 0 {
			e.count(hs, func(s *HostStats) { s.Retries++ })
		}
		attempt++

		// Per-host интервал и глобальный лимит ждут каждую попытку
		if err := hs.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}
		if err := e.global.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}

		attemptReq, err := rewind(ctx, req)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		e.count(hs, func(s *HostStats) { s.Requests++ })
		res, err := e.client.Do(attemptReq)
		if err != nil {
			e.metrics.ExecutorAttempts.WithLabelValues(hostName, "transport_error").Inc()
			return err
		}

		if retryableStatus(res.StatusCode) {
			e.metrics.ExecutorAttempts.WithLabelValues(hostName, "retryable_status").Inc()
			statusErr := &StatusError{Host: hostName, StatusCode: res.StatusCode, RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
			res.Body.Close()
			return statusErr
		}

		e.metrics.ExecutorAttempts.WithLabelValues(hostName, "ok").Inc()
		resp = res
		return nil
	})

	if err != nil {
		e.count(hs, func(s *HostStats) { s.Failures++ })
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connectors: %s: %w", hostName, ctxErr)
		}
		e.logger.Warn("request failed after retries",
			zap.String("host", hostName), zap.Int("attempts", attempt), zap.Error(err))
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}
	return resp, nil
}

// backoff: base*2^n + jitter с потолком MaxDelay. Более длинный Retry-After важнее.
func (e *Executor) backoff(n uint, err error) time.Duration {
	if n > 16 {
		n = 16
	}
	d := e.cfg.BaseDelay<<n + e.jitter(e.cfg.BaseDelay)
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > d {
		d = statusErr.RetryAfter
	}
	return d
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// rewind готовит копию запроса для очередной попытки, перечитывая тело через GetBody.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("connectors: request body cannot be replayed, set GetBody")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("connectors: rewind body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

// parseRetryAfter понимает секунды и HTTP-дату.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
