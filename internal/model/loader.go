// Package model loads the serialized lesion classifier and runs forward
// passes through ONNX Runtime.
package model

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/lesion"
)

var (
	// ErrModelNotFound is returned when the artifact path does not point to a file.
	ErrModelNotFound = errors.New("model artifact not found")
	// ErrModelCorrupt is returned when the artifact cannot be deserialized or
	// does not have the classifier's signature.
	ErrModelCorrupt = errors.New("model artifact corrupt")
	// ErrRuntimeUnavailable is returned when the ONNX Runtime library cannot be initialized.
	ErrRuntimeUnavailable = errors.New("onnx runtime unavailable")
	// ErrModelClosed is returned by Run once Close has released the session.
	ErrModelClosed = errors.New("model is closed")
)

// Options configures how artifacts are opened.
type Options struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the platform default.
	SharedLibraryPath string
	// InputName and OutputName select the graph endpoints. Empty values are
	// discovered from the artifact, which must then have exactly one of each.
	InputName  string
	OutputName string
	// Threads caps intra-op parallelism; zero keeps the runtime default.
	Threads int
	// Serialize forces one forward pass at a time.
	Serialize bool
}

// Loader opens classifier artifacts.
type Loader struct {
	opts   Options
	logger *zap.Logger
}

// NewLoader constructs a Loader.
func NewLoader(opts Options, logger *zap.Logger) *Loader {
	return &Loader{opts: opts, logger: logger.Named("model_loader")}
}

var (
	runtimeMu          sync.Mutex
	runtimeInitialized bool
)

func ensureRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	runtimeInitialized = true
	return nil
}

// ReleaseRuntime tears down the ONNX Runtime environment. Models must be
// closed before calling it.
func ReleaseRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	runtimeInitialized = false
	return ort.DestroyEnvironment()
}

// Load opens the artifact at path. Missing files fail with ErrModelNotFound
// before the runtime is touched.
func (l *Loader) Load(path string) (*ONNXModel, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelNotFound, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrModelNotFound, path)
	}

	start := time.Now()
	if err := ensureRuntime(l.opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read signature: %v", ErrModelCorrupt, err)
	}
	inputName, outputName, err := checkSignature(inputs, outputs, l.opts.InputName, l.opts.OutputName)
	if err != nil {
		return nil, err
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", ErrRuntimeUnavailable, err)
	}
	defer sessionOptions.Destroy()
	if l.opts.Threads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(l.opts.Threads); err != nil {
			return nil, fmt.Errorf("%w: set threads: %v", ErrRuntimeUnavailable, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputName}, []string{outputName}, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrModelCorrupt, err)
	}

	l.logger.Info("model loaded",
		zap.String("path", path),
		zap.String("input", inputName),
		zap.String("output", outputName),
		zap.Int64("size_bytes", info.Size()),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &ONNXModel{
		path:      path,
		session:   session,
		serialize: l.opts.Serialize,
	}, nil
}

// checkSignature picks the graph endpoints and verifies they match the
// classifier's (N,75,100,3) -> (N,7) float signature.
func checkSignature(inputs, outputs []ort.InputOutputInfo, inputName, outputName string) (string, string, error) {
	in, err := pickEndpoint("input", inputs, inputName)
	if err != nil {
		return "", "", err
	}
	out, err := pickEndpoint("output", outputs, outputName)
	if err != nil {
		return "", "", err
	}

	want := imageprocessor.InputShape()
	if !dimsMatch(in.Dimensions, want[:]) {
		return "", "", fmt.Errorf("%w: input %q has shape %v, want %v", ErrModelCorrupt, in.Name, in.Dimensions, want)
	}
	if !dimsMatch(out.Dimensions, []int64{1, int64(lesion.NumClasses)}) {
		return "", "", fmt.Errorf("%w: output %q has shape %v, want [1 %d]", ErrModelCorrupt, out.Name, out.Dimensions, lesion.NumClasses)
	}
	return in.Name, out.Name, nil
}

func pickEndpoint(kind string, infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if name == "" {
		if len(infos) != 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("%w: expected a single %s, found %d", ErrModelCorrupt, kind, len(infos))
		}
		return checkFloat(kind, infos[0])
	}
	for _, info := range infos {
		if info.Name == name {
			return checkFloat(kind, info)
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("%w: no %s named %q", ErrModelCorrupt, kind, name)
}

func checkFloat(kind string, info ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	if info.DataType != ort.TensorElementDataTypeFloat {
		return ort.InputOutputInfo{}, fmt.Errorf("%w: %s %q is not a float tensor", ErrModelCorrupt, kind, info.Name)
	}
	return info, nil
}

// dimsMatch compares shapes treating non-positive (symbolic) dimensions as wildcards.
func dimsMatch(got ort.Shape, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i, d := range got {
		if d > 0 && d != want[i] {
			return false
		}
	}
	return true
}
