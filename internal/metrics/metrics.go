// Package metrics provides the Prometheus collectors for the classification pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/lesion-check/internal/lesion"
)

// Outcome labels for the predictions counter.
const (
	OutcomeSuccess    = "success"
	OutcomeInvalid    = "invalid_image"
	OutcomeDegenerate = "degenerate_image"
	OutcomeInference  = "inference_error"
	OutcomeError      = "error"
)

// PipelineMetrics groups the classification collectors.
type PipelineMetrics struct {
	Predictions    *prometheus.CounterVec
	PredictedClass *prometheus.CounterVec
	CacheHits      prometheus.Counter
	Latency        prometheus.Histogram
}

// NewPipelineMetrics creates the collectors and registers them on registry.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesion_predictions_total",
			Help: "Total number of classification requests by outcome",
		}, []string{"outcome"}),
		PredictedClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesion_predicted_class_total",
			Help: "Number of successful classifications by argmax class",
		}, []string{"class"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lesion_prediction_cache_hits_total",
			Help: "Number of classifications answered from the result cache",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lesion_pipeline_latency_seconds",
			Help:    "Latency of preprocessing plus inference",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.Predictions, m.PredictedClass, m.CacheHits, m.Latency} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveSuccess records a completed classification.
func (m *PipelineMetrics) ObserveSuccess(class lesion.Class, elapsed time.Duration, cached bool) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(OutcomeSuccess).Inc()
	m.PredictedClass.WithLabelValues(class.Label()).Inc()
	if cached {
		m.CacheHits.Inc()
		return
	}
	m.Latency.Observe(elapsed.Seconds())
}

// ObserveFailure records a failed classification.
func (m *PipelineMetrics) ObserveFailure(outcome string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(outcome).Inc()
}
