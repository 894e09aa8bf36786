// Package imageprocessor turns uploaded photographs into the standardized
// tensor the lesion classifier consumes.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// InputWidth and InputHeight are the spatial dimensions the classifier was trained on.
	InputWidth  = 100
	InputHeight = 75
	// Channels is fixed to RGB.
	Channels = 3
)

var (
	// ErrInvalidImage is returned when the payload cannot be decoded into a color image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrDegenerateImage is returned when the resized pixels have zero variance.
	ErrDegenerateImage = errors.New("degenerate image: zero pixel variance")
)

// Tensor is a dense float32 array in NHWC layout.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// InputShape is the only tensor shape the classifier accepts.
func InputShape() [4]int64 {
	return [4]int64{1, InputHeight, InputWidth, Channels}
}

// Stats reports the sample mean and population standard deviation of the tensor.
func (t *Tensor) Stats() (mean, std float64) {
	return meanStd(t.Data)
}

var filters = map[string]imaging.ResampleFilter{
	"catmullrom": imaging.CatmullRom,
	"lanczos":    imaging.Lanczos,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// DefaultFilter is the resampling filter name used when none is configured.
const DefaultFilter = "catmullrom"

// Preprocessor resizes and standardizes images.
type Preprocessor struct {
	filter imaging.ResampleFilter
}

// NewPreprocessor returns a Preprocessor resizing with the named filter
// (catmullrom, lanczos, linear, box or nearest). An empty name selects
// DefaultFilter.
func NewPreprocessor(filterName string) (*Preprocessor, error) {
	if filterName == "" {
		filterName = DefaultFilter
	}
	filter, ok := filters[filterName]
	if !ok {
		return nil, fmt.Errorf("unknown resize filter %q", filterName)
	}
	return &Preprocessor{filter: filter}, nil
}

// Preprocess decodes data, forces it to RGB, resizes it to 100x75 and
// standardizes it with the image's own mean and standard deviation.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return p.FromImage(img)
}

// FromImage runs the resize and standardization steps on an already decoded image.
func (p *Preprocessor) FromImage(img image.Image) (*Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}

	// Alpha is discarded before resampling; imaging weights RGB by alpha,
	// which would darken transparent regions. Gray is replicated into R, G and B.
	opaque := imaging.Clone(img)
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 0xff
	}
	resized := imaging.Resize(opaque, InputWidth, InputHeight, p.filter)

	raw := make([]float32, InputHeight*InputWidth*Channels)
	for y := 0; y < InputHeight; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputWidth; x++ {
			src := row[x*4:]
			dst := (y*InputWidth + x) * Channels
			raw[dst+0] = float32(src[0])
			raw[dst+1] = float32(src[1])
			raw[dst+2] = float32(src[2])
		}
	}

	mean, std := meanStd(raw)
	if std == 0 || math.IsNaN(std) {
		return nil, ErrDegenerateImage
	}

	for i, v := range raw {
		raw[i] = float32((float64(v) - mean) / std)
	}

	return &Tensor{Shape: InputShape(), Data: raw}, nil
}

func meanStd(values []float32) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
