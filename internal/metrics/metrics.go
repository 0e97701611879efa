package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the risk service.
type Metrics struct {
	PredictionsTotal    *prometheus.CounterVec // by predicted level
	PredictionsDegraded prometheus.Counter
	PredictionLatency   *prometheus.HistogramVec // by operation

	CalibrationsTotal   prometheus.Counter
	CalibrationAccuracy prometheus.Gauge

	RegulationLookups   prometheus.Counter
	RegulationMutations prometheus.Counter

	RequestErrors *prometheus.CounterVec // by route
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		PredictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanirisk_predictions_total",
				Help: "Risk predictions served, labeled by predicted level",
			},
			[]string{"level"},
		),
		PredictionsDegraded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sanirisk_predictions_degraded",
			Help: "Predictions that fell back to the baseline prior",
		}),
		PredictionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sanirisk_prediction_latency_ms",
				Help:    "Engine operation latency in milliseconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"operation"},
		),
		CalibrationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sanirisk_calibrations_total",
			Help: "Completed calibration runs",
		}),
		CalibrationAccuracy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sanirisk_calibration_accuracy",
			Help: "In-sample accuracy of the last calibration",
		}),
		RegulationLookups: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sanirisk_regulation_lookups_total",
			Help: "Impact-factor and timeline lookups",
		}),
		RegulationMutations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sanirisk_regulation_mutations_total",
			Help: "Regulation add/update operations",
		}),
		RequestErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanirisk_request_errors_total",
				Help: "HTTP requests that returned an error, labeled by route",
			},
			[]string{"route"},
		),
	}
}
