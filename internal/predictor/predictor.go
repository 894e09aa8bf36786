// Package predictor runs a classifier over a preprocessed tensor and turns
// the raw scores into rounded percentages.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/lesion"
)

// ErrInference is returned when the model rejects the tensor or produces
// output that is not a probability vector over the lesion classes.
var ErrInference = errors.New("inference failed")

// scoreTolerance absorbs float32 noise around the [0,1] bounds of softmax output.
const scoreTolerance = 1e-4

// Model is a single forward pass over a batch-of-one tensor.
type Model interface {
	Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
}

// Prediction is the post-processed model output.
type Prediction struct {
	// Percentages holds round(score, 2) * 100 per class, in class order.
	Percentages [lesion.NumClasses]float64
	// Class is the argmax of the unrounded scores.
	Class lesion.Class
	// Scores are the raw model outputs.
	Scores [lesion.NumClasses]float32
}

// Predict invokes model exactly once on tensor.
func Predict(ctx context.Context, model Model, tensor *imageprocessor.Tensor) (*Prediction, error) {
	if tensor == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrInference)
	}
	if tensor.Shape != imageprocessor.InputShape() {
		return nil, fmt.Errorf("%w: tensor shape %v, want %v", ErrInference, tensor.Shape, imageprocessor.InputShape())
	}
	if want := imageprocessor.InputHeight * imageprocessor.InputWidth * imageprocessor.Channels; len(tensor.Data) != want {
		return nil, fmt.Errorf("%w: tensor holds %d values, want %d", ErrInference, len(tensor.Data), want)
	}

	raw, err := model.Run(ctx, tensor)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(raw) != lesion.NumClasses {
		return nil, fmt.Errorf("%w: model returned %d scores, want %d", ErrInference, len(raw), lesion.NumClasses)
	}

	var p Prediction
	for i, score := range raw {
		s := float64(score)
		if math.IsNaN(s) || s < -scoreTolerance || s > 1+scoreTolerance {
			return nil, fmt.Errorf("%w: score %d is %v, not a probability", ErrInference, i, score)
		}
		p.Scores[i] = score
		p.Percentages[i] = toPercentage(s)
		if score > p.Scores[p.Class] {
			p.Class = lesion.Class(i)
		}
	}
	return &p, nil
}

// toPercentage rounds to two decimals (half to even) and scales to 0-100.
// Rounding score*100 to an integer is the same value without the float
// noise of dividing and multiplying back.
func toPercentage(score float64) float64 {
	pct := math.RoundToEven(score * 100)
	return math.Min(100, math.Max(0, pct))
}
