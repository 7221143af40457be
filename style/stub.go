//go:build !cgo

package style

import (
	"context"
	"errors"
	"image"
)

// ErrCGORequired is returned when a model is opened without CGO support.
var ErrCGORequired = errors.New("style requires CGO support; rebuild with CGO_ENABLED=1")

func InitRuntime(libPath string) error { return ErrCGORequired }

func ShutdownRuntime() {}

// Model is never constructed in non-CGO builds.
type Model struct{}

func Open(modelPath string, opts Options) (*Model, error) {
	return nil, ErrCGORequired
}

func (m *Model) Stylize(ctx context.Context, img image.Image) (image.Image, error) {
	return nil, ErrCGORequired
}

func (m *Model) Close() error { return nil }
