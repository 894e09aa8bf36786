// Package assets serves static files shipped next to the model.
package assets

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNoSample is returned when no sample image path is configured.
var ErrNoSample = errors.New("no sample image configured")

// SampleImage is the reference lesion photograph shown to users. It is read
// from disk once and kept in memory.
type SampleImage struct {
	path string

	once        sync.Once
	data        []byte
	contentType string
	err         error
}

// NewSampleImage returns a lazily loaded sample image.
func NewSampleImage(path string) *SampleImage {
	return &SampleImage{path: path}
}

// Load returns the image bytes and detected MIME type.
func (s *SampleImage) Load() ([]byte, string, error) {
	s.once.Do(func() {
		if s.path == "" {
			s.err = ErrNoSample
			return
		}
		data, err := os.ReadFile(s.path)
		if err != nil {
			s.err = fmt.Errorf("read sample image: %w", err)
			return
		}
		mime := mimetype.Detect(data)
		if !mime.Is("image/jpeg") && !mime.Is("image/png") {
			s.err = fmt.Errorf("sample image %s has unsupported type %s", s.path, mime.String())
			return
		}
		s.data = data
		s.contentType = mime.String()
	})
	return s.data, s.contentType, s.err
}
