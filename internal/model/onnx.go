package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/lesion"
)

// ONNXModel is a loaded classifier. Its session is shared by concurrent
// requests until Close.
type ONNXModel struct {
	path      string
	serialize bool
	mu        sync.Mutex

	// sessionMu is held for reading by Run and for writing by Close, so a
	// session is never destroyed while a forward pass is using it.
	sessionMu sync.RWMutex
	session   *ort.DynamicAdvancedSession
}

// Path returns the artifact the model was loaded from.
func (m *ONNXModel) Path() string {
	return m.path
}

// Run performs one forward pass. Input and output tensors live only for the
// duration of the call and are released on every return path.
func (m *ONNXModel) Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	if m.session == nil {
		return nil, ErrModelClosed
	}

	if m.serialize {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape[:]...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(input.Shape[0], int64(lesion.NumClasses)))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	scores := make([]float32, lesion.NumClasses)
	copy(scores, outputTensor.GetData())
	return scores, nil
}

// Close releases the runtime session. Later calls to Run fail with
// ErrModelClosed; closing twice is a no-op.
func (m *ONNXModel) Close() error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
