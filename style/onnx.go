//go:build cgo

package style

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrCGORequired is returned by non-cgo builds; cgo builds never return it.
var ErrCGORequired = errors.New("style requires CGO support; rebuild with CGO_ENABLED=1")

var runtimeMu sync.Mutex

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// Model is an open style session. Its tensors are reused between frames, so
// Stylize calls are serialized.
type Model struct {
	mu      sync.Mutex
	opts    Options
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	index   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Open creates a session for the model at modelPath.
func Open(modelPath string, opts Options) (*Model, error) {
	if opts.InputWidth <= 0 || opts.InputHeight <= 0 {
		return nil, fmt.Errorf("invalid input size %dx%d", opts.InputWidth, opts.InputHeight)
	}
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("input and output names must be provided")
	}
	if err := InitRuntime(opts.ORTSharedLibraryPath); err != nil {
		return nil, err
	}

	h, w := int64(opts.InputHeight), int64(opts.InputWidth)
	shape := ort.NewShape(1, 3, h, w)
	if opts.nhwc() {
		shape = ort.NewShape(1, h, w, 3)
	}

	m := &Model{opts: opts}
	var err error
	if m.input, err = ort.NewEmptyTensor[float32](shape); err != nil {
		return nil, err
	}
	if m.output, err = ort.NewEmptyTensor[float32](shape); err != nil {
		m.Close()
		return nil, err
	}

	inputNames := []string{opts.InputName}
	inputs := []ort.Value{m.input}
	if opts.IndexName != "" {
		if m.index, err = ort.NewTensor(ort.NewShape(1), []float32{opts.StyleIndex}); err != nil {
			m.Close()
			return nil, err
		}
		inputNames = append(inputNames, opts.IndexName)
		inputs = append(inputs, m.index)
	}

	m.session, err = ort.NewAdvancedSession(modelPath,
		inputNames, []string{opts.OutputName},
		inputs, []ort.Value{m.output}, nil)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open %s: %w", modelPath, err)
	}
	return m, nil
}

// Stylize runs the model on img and returns a frame of the same size.
func (m *Model) Stylize(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := encodeFrame(img, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, errors.New("style model is closed")
	}
	copy(m.input.GetData(), data)
	if err := m.session.Run(); err != nil {
		return nil, err
	}
	return decodeFrame(m.output.GetData(), m.opts, img.Bounds().Size())
}

// Close frees the session and its tensors.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{m.input, m.index, m.output} {
		if t != nil {
			t.Destroy()
		}
	}
	m.input, m.index, m.output = nil, nil, nil
	return nil
}
