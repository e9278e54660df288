package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_intent_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"stage", "service"},
	)

	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_pipeline_runs_total",
			Help: "Total number of daily feature runs",
		},
		[]string{"service", "status"},
	)

	RowsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_rows_dropped_total",
			Help: "Rows removed by filters, by reason",
		},
		[]string{"reason"},
	)

	SessionsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_sessions_reconciled_total",
			Help: "Canonical sessions produced by reconciliation",
		},
		[]string{"kind"},
	)

	FeatureRowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_feature_rows_total",
			Help: "Feature rows emitted",
		},
		[]string{"service"},
	)

	ProfilesBuilt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_intent_profiles_built",
			Help: "Customer profiles in the most recent build",
		},
		[]string{"service"},
	)

	CalibratorFits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_calibrator_fits_total",
			Help: "Calibrator batch submissions",
		},
		[]string{"status"},
	)

	CalibratedScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_intent_calibrated_score",
			Help:    "Calibrated output values",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	WarehouseQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_warehouse_queries_total",
			Help: "Warehouse queries by table and status",
		},
		[]string{"table", "status"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_intent_circuit_breaker_state",
			Help: "Circuit breaker state by dependency",
		},
		[]string{"name"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_intent_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(PipelineRuns)
		prometheus.MustRegister(RowsDropped)
		prometheus.MustRegister(SessionsReconciled)
		prometheus.MustRegister(FeatureRowsWritten)
		prometheus.MustRegister(ProfilesBuilt)
		prometheus.MustRegister(CalibratorFits)
		prometheus.MustRegister(CalibratedScore)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(WarehouseQueries)
		prometheus.MustRegister(BreakerState)
		prometheus.MustRegister(HTTPRequests)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
