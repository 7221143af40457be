package style

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNoModel means no model is loaded for the requested filter.
	ErrNoModel = errors.New("style: no model loaded for filter")
	// ErrNoResult means the model ran but produced no image.
	ErrNoResult = errors.New("style: model returned no result")
)

// Stylizer turns a frame into its stylized variant.
type Stylizer interface {
	Stylize(ctx context.Context, img image.Image) (image.Image, error)
}

// StylizerFunc adapts a function to Stylizer.
type StylizerFunc func(ctx context.Context, img image.Image) (image.Image, error)

func (fn StylizerFunc) Stylize(ctx context.Context, img image.Image) (image.Image, error) {
	return fn(ctx, img)
}

// Engine maps filters to loaded stylizers.
type Engine struct {
	mu     sync.RWMutex
	models map[Filter]Stylizer
}

func NewEngine() *Engine {
	return &Engine{models: make(map[Filter]Stylizer)}
}

// Register installs s for f, closing any stylizer it replaces.
func (e *Engine) Register(f Filter, s Stylizer) {
	e.mu.Lock()
	old := e.models[f]
	e.models[f] = s
	e.mu.Unlock()
	if c, ok := old.(io.Closer); ok && old != s {
		c.Close()
	}
}

// Available reports whether f can be applied.
func (e *Engine) Available(f Filter) bool {
	if f == None {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.models[f]
	return ok
}

// Apply stylizes img with f. None returns img untouched.
func (e *Engine) Apply(ctx context.Context, f Filter, img image.Image) (image.Image, error) {
	if f == None {
		return img, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	s, ok := e.models[f]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoModel, f)
	}
	out, err := s.Stylize(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("style %s: %w", f, err)
	}
	if out == nil || out.Bounds().Empty() {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, f)
	}
	return out, nil
}

// Close releases every stylizer that holds native resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for f, s := range e.models {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", f, err))
			}
		}
		delete(e.models, f)
	}
	return errors.Join(errs...)
}

// ModelPath is where the model for f is expected inside dir.
func ModelPath(dir string, f Filter) string {
	return filepath.Join(dir, f.ID()+".onnx")
}

// LoadModels opens every "<id>.onnx" present in dir, applying an optional
// "<id>.json" sidecar on top of opts. Missing models are skipped. It returns
// the number of models loaded.
func (e *Engine) LoadModels(dir string, opts Options) (int, error) {
	loaded := 0
	var errs []error
	for _, f := range Filters() {
		if f == None {
			continue
		}
		path := ModelPath(dir, f)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		o := opts
		sidecar := filepath.Join(dir, f.ID()+".json")
		if mc, err := LoadModelConfig(sidecar); err == nil {
			mc.ApplyToOptions(&o)
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Printf("style: ignoring %s: %v", sidecar, err)
		}
		m, err := Open(path, o)
		if err != nil {
			if errors.Is(err, ErrCGORequired) {
				return loaded, err
			}
			errs = append(errs, fmt.Errorf("load %s: %w", f, err))
			continue
		}
		e.Register(f, m)
		loaded++
	}
	return loaded, errors.Join(errs...)
}
