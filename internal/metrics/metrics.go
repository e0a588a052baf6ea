package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelFits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpi_forecast_model_fits_total",
		Help: "Total number of candidate models fitted, by family.",
	}, []string{"family"})

	ArtifactCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpi_forecast_artifact_cache_hits_total",
		Help: "Total number of candidates answered from a stored artifact.",
	}, []string{"family", "policy"})

	UnitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpi_forecast_unit_failures_total",
		Help: "Total number of authority and property type units that produced no forecast.",
	}, []string{"reason"})

	ForecastsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpi_forecast_records_generated_total",
		Help: "Total number of forecast records produced.",
	})

	ForecastsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpi_forecast_records_published_total",
		Help: "Total number of forecast records published to Redis.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hpi_forecast_run_duration_seconds",
		Help:    "Duration of a full forecast run.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	TrainingJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpi_training_jobs_total",
		Help: "Total number of finished training jobs, by final status.",
	}, []string{"status"})
)
