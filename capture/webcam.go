//go:build gocv

package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Webcam reads color frames from an OpenCV capture device. It has no depth.
type Webcam struct {
	pos Position
	id  int

	mu  sync.Mutex
	cap *gocv.VideoCapture
}

// OpenWebcam opens device id and reads one probe frame.
func OpenWebcam(id int, pos Position, opts SourceOptions) (*Webcam, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: opening capture device %d: %w", ErrCannotAddInput, id, err)
	}
	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	if opts.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(opts.FPS))
	}

	probe := gocv.NewMat()
	defer probe.Close()
	if ok := vc.Read(&probe); !ok || probe.Empty() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d returned no frame", ErrCannotAddOutput, id)
	}
	return &Webcam{pos: pos, id: id, cap: vc}, nil
}

func (w *Webcam) Position() Position { return w.pos }
func (w *Webcam) HasDepth() bool     { return false }

func (w *Webcam) Run(ctx context.Context, color chan<- ColorFrame, _ chan<- DepthFrame) error {
	mat := gocv.NewMat()
	defer mat.Close()

	var seq uint64
	for ctx.Err() == nil {
		w.mu.Lock()
		if w.cap == nil {
			w.mu.Unlock()
			return nil
		}
		ok := w.cap.Read(&mat)
		w.mu.Unlock()
		if !ok {
			return fmt.Errorf("capture device %d closed", w.id)
		}
		if mat.Empty() {
			continue
		}
		img, err := mat.ToImage()
		if err != nil {
			return fmt.Errorf("convert frame: %w", err)
		}
		if !send(ctx, color, ColorFrame{Image: img, Seq: seq, Timestamp: time.Now()}) {
			return nil
		}
		seq++
	}
	return nil
}

func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cap == nil {
		return nil
	}
	err := w.cap.Close()
	w.cap = nil
	return err
}
