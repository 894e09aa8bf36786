package imageprocessor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func gradientRGBA(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: uint8(((x + y) * 7) % 256),
				A: 255,
			})
		}
	}
	return img
}

func newTestPreprocessor(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := NewPreprocessor("")
	if err != nil {
		t.Fatalf("failed to build preprocessor: %v", err)
	}
	return p
}

func assertStandardized(t *testing.T, tensor *Tensor) {
	t.Helper()
	if tensor.Shape != [4]int64{1, 75, 100, 3} {
		t.Fatalf("unexpected shape %v", tensor.Shape)
	}
	if len(tensor.Data) != 75*100*3 {
		t.Fatalf("expected %d values, got %d", 75*100*3, len(tensor.Data))
	}
	mean, std := tensor.Stats()
	if math.Abs(mean) > 1e-4 {
		t.Fatalf("expected mean close to 0, got %f", mean)
	}
	if math.Abs(std-1) > 1e-4 {
		t.Fatalf("expected std close to 1, got %f", std)
	}
}

func TestPreprocessResizesAndStandardizes(t *testing.T) {
	p := newTestPreprocessor(t)

	tensor, err := p.Preprocess(encodePNG(t, gradientRGBA(200, 150)))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	assertStandardized(t, tensor)
}

func TestPreprocessAcceptsJPEG(t *testing.T) {
	p := newTestPreprocessor(t)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradientRGBA(320, 240), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}

	tensor, err := p.Preprocess(buf.Bytes())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	assertStandardized(t, tensor)
}

func TestPreprocessIsDeterministic(t *testing.T) {
	p := newTestPreprocessor(t)
	data := encodePNG(t, gradientRGBA(123, 77))

	first, err := p.Preprocess(data)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := p.Preprocess(data)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	for i := range first.Data {
		if math.Float32bits(first.Data[i]) != math.Float32bits(second.Data[i]) {
			t.Fatalf("tensors differ at %d: %v vs %v", i, first.Data[i], second.Data[i])
		}
	}
}

func TestPreprocessRejectsUniformImage(t *testing.T) {
	p := newTestPreprocessor(t)
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}

	_, err := p.Preprocess(encodePNG(t, img))
	if !errors.Is(err, ErrDegenerateImage) {
		t.Fatalf("expected ErrDegenerateImage, got %v", err)
	}
}

func TestPreprocessRejectsUndecodablePayload(t *testing.T) {
	p := newTestPreprocessor(t)

	for name, payload := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Preprocess(payload)
			if !errors.Is(err, ErrInvalidImage) {
				t.Fatalf("expected ErrInvalidImage, got %v", err)
			}
		})
	}
}

func TestPreprocessConvertsGrayscaleToRGB(t *testing.T) {
	p := newTestPreprocessor(t)
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 4)})
		}
	}

	tensor, err := p.Preprocess(encodePNG(t, img))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	assertStandardized(t, tensor)

	for i := 0; i < len(tensor.Data); i += 3 {
		if tensor.Data[i] != tensor.Data[i+1] || tensor.Data[i] != tensor.Data[i+2] {
			t.Fatalf("expected replicated channels at pixel %d, got %v", i/3, tensor.Data[i:i+3])
		}
	}
}

func splitImage(w, h int, rightAlpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 40, G: 40, B: 200, A: rightAlpha})
			}
		}
	}
	return img
}

func TestPreprocessDropsAlphaChannel(t *testing.T) {
	p := newTestPreprocessor(t)

	for _, alpha := range []uint8{0, 90} {
		transparent, err := p.Preprocess(encodePNG(t, splitImage(200, 150, alpha)))
		if err != nil {
			t.Fatalf("alpha %d: expected success, got error: %v", alpha, err)
		}
		opaque, err := p.Preprocess(encodePNG(t, splitImage(200, 150, 255)))
		if err != nil {
			t.Fatalf("expected success, got error: %v", err)
		}
		assertStandardized(t, transparent)

		for i := range opaque.Data {
			if transparent.Data[i] != opaque.Data[i] {
				pixel := i / Channels
				t.Fatalf("alpha %d: pixel (%d,%d) differs from opaque image: %v vs %v",
					alpha, pixel%InputWidth, pixel/InputWidth,
					transparent.Data[pixel*Channels:pixel*Channels+Channels],
					opaque.Data[pixel*Channels:pixel*Channels+Channels])
			}
		}
	}
}

func TestPreprocessAlphaIndependentOfInputSize(t *testing.T) {
	p := newTestPreprocessor(t)

	exact, err := p.Preprocess(encodePNG(t, splitImage(InputWidth, InputHeight, 0)))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	exactOpaque, err := p.Preprocess(encodePNG(t, splitImage(InputWidth, InputHeight, 255)))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	for i := range exact.Data {
		if exact.Data[i] != exactOpaque.Data[i] {
			t.Fatalf("value %d differs: %f vs %f", i, exact.Data[i], exactOpaque.Data[i])
		}
	}
}

func TestNewPreprocessorRejectsUnknownFilter(t *testing.T) {
	if _, err := NewPreprocessor("sinc"); err == nil {
		t.Fatal("expected error for unknown filter")
	}
	for name := range filters {
		if _, err := NewPreprocessor(name); err != nil {
			t.Fatalf("filter %s rejected: %v", name, err)
		}
	}
}
