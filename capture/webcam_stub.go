//go:build !gocv

package capture

import (
	"context"
	"fmt"
)

// Webcam is only available in builds with the gocv tag.
type Webcam struct{}

func OpenWebcam(id int, pos Position, opts SourceOptions) (*Webcam, error) {
	return nil, fmt.Errorf("%w: webcam %d needs a build with -tags gocv", ErrCannotAddInput, id)
}

func (w *Webcam) Position() Position { return Front }
func (w *Webcam) HasDepth() bool     { return false }
func (w *Webcam) Close() error       { return nil }

func (w *Webcam) Run(ctx context.Context, _ chan<- ColorFrame, _ chan<- DepthFrame) error {
	<-ctx.Done()
	return nil
}
