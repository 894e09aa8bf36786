package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/lesion-check/internal/lesion"
)

func TestPipelineMetricsRecordOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPipelineMetrics(registry)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.ObserveSuccess(lesion.Melanoma, 20*time.Millisecond, false)
	m.ObserveSuccess(lesion.Melanoma, 0, true)
	m.ObserveFailure(OutcomeDegenerate)

	if got := testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeDegenerate)); got != 1 {
		t.Fatalf("expected 1 degenerate failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.PredictedClass.WithLabelValues("Melanoma")); got != 2 {
		t.Fatalf("expected 2 melanoma predictions, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheHits); got != 1 {
		t.Fatalf("expected 1 cache hit, got %v", got)
	}
}

func TestPipelineMetricsRejectDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewPipelineMetrics(registry); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPipelineMetrics(registry); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestNilPipelineMetricsAreNoop(t *testing.T) {
	var m *PipelineMetrics
	m.ObserveSuccess(lesion.NormalSkin, time.Second, false)
	m.ObserveFailure(OutcomeError)
}
