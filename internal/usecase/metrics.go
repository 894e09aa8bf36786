package usecase

import (
	"context"
	"errors"

	"github.com/getsentry/sentry-go"

	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/predictor"
)

// outcomeFor maps a pipeline error to its metrics outcome label.
func outcomeFor(err error) string {
	switch {
	case errors.Is(err, imageprocessor.ErrInvalidImage):
		return metrics.OutcomeInvalid
	case errors.Is(err, imageprocessor.ErrDegenerateImage):
		return metrics.OutcomeDegenerate
	case errors.Is(err, predictor.ErrInference):
		return metrics.OutcomeInference
	default:
		return metrics.OutcomeError
	}
}

// reportFailure counts the failure and forwards errors that are not caused
// by the uploaded image to Sentry.
func (uc *ClassificationUseCase) reportFailure(ctx context.Context, err error) {
	outcome := outcomeFor(err)
	uc.metrics.ObserveFailure(outcome)

	if outcome == metrics.OutcomeInvalid || outcome == metrics.OutcomeDegenerate {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}
