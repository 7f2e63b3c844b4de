package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Ingest: сколько событий принято от каждого источника
	EventsIngested *prometheus.CounterVec

	// Отклоненные координатором события (валидация)
	EventsRejected *prometheus.CounterVec

	// Backpressure: вытеснения и заполненность полос
	LaneDropped *prometheus.CounterVec
	LaneDepth   *prometheus.GaugeVec

	// Отказы источников: start, stream, panic, stop
	SourceFailures *prometheus.CounterVec

	// Persister: неудачные записи в хранилище
	PersistFailures prometheus.Counter

	// Baseline: пересчеты по исходу и вытеснения из очереди
	BaselineRecomputes *prometheus.CounterVec
	RefreshQueueDrops  prometheus.Counter
	RefreshQueueDepth  prometheus.Gauge

	// Scorer: вердикты по статусу и латентность оценки
	Verdicts        *prometheus.CounterVec
	ScoreDuration   prometheus.Histogram
	CacheOperations *prometheus.CounterVec

	// Executor: попытки по хосту/исходу и состояние Circuit Breaker (0 - ок, 1 - выбило)
	ExecutorAttempts    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Алерты горячей полосы по причине
	Alerts *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_events_ingested_total",
			Help: "Total number of events accepted from sources.",
		}, []string{"source"}),

		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_events_rejected_total",
			Help: "Events rejected by the coordinator before publishing.",
		}, []string{"source"}),

		LaneDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_lane_dropped_total",
			Help: "Events evicted from a lane by drop-oldest overflow.",
		}, []string{"lane"}),

		LaneDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigrisk_lane_depth",
			Help: "Current number of buffered events per lane.",
		}, []string{"lane"}),

		SourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_source_failures_total",
			Help: "Source failures absorbed by the coordinator.",
		}, []string{"source", "stage"}),

		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sigrisk_persist_failures_total",
			Help: "Timeline events dropped because the write failed.",
		}),

		BaselineRecomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_baseline_recomputes_total",
			Help: "Baseline recomputations by outcome.",
		}, []string{"outcome"}), // upserted, deleted, error

		RefreshQueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "sigrisk_refresh_queue_dropped_total",
			Help: "Refresh requests evicted from the coalescing queue.",
		}),

		RefreshQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "sigrisk_refresh_queue_depth",
			Help: "Baseline keys waiting for recomputation.",
		}),

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_verdicts_total",
			Help: "Risk verdicts by provider and status.",
		}, []string{"provider", "status"}),

		ScoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigrisk_score_duration_seconds",
			Help:    "Histogram of URL evaluation latencies.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		CacheOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_cache_operations_total",
			Help: "Result cache lookups by result.",
		}, []string{"result"}), // hit, miss

		ExecutorAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_executor_attempts_total",
			Help: "Outbound request attempts by host and outcome.",
		}, []string{"host", "outcome"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigrisk_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"host"}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrisk_alerts_total",
			Help: "Alerts raised from the hot lane by reason.",
		}, []string{"reason"}),
	}
}
