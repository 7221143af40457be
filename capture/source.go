package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/stevecastle/artycam/depthmask"
)

// SourceOptions tunes every source kind.
type SourceOptions struct {
	Width  int
	Height int
	FPS    int
	// DepthEvery emits one depth frame per this many color frames.
	DepthEvery int
	// DepthRange is the distance in meters of a full-scale depth image pixel.
	DepthRange float64
}

func (o SourceOptions) interval() time.Duration {
	if o.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(o.FPS)
}

func (o SourceOptions) depthEvery() uint64 {
	if o.DepthEvery <= 0 {
		return 1
	}
	return uint64(o.DepthEvery)
}

// Finder opens the configured device for a position, falling back to the
// other position when the preferred one is missing or fails.
type Finder struct {
	Devices map[Position]string
	Options SourceOptions
}

func (f *Finder) Open(preferred Position) (Source, error) {
	var lastErr error
	for _, pos := range []Position{preferred, preferred.Next()} {
		dev := strings.TrimSpace(f.Devices[pos])
		if dev == "" {
			continue
		}
		src, err := OpenDevice(dev, pos, f.Options)
		if err == nil {
			if pos != preferred {
				log.Printf("capture: no %s camera, using %s", preferred, pos)
			}
			return src, nil
		}
		if StatusFor(err) == NotAuthorized {
			return nil, err
		}
		log.Printf("capture: %s camera %q: %v", pos, dev, err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoCameraAvailable
}

// OpenDevice opens a device string: "webcam:<index>", "still:<color>[,<depth>]"
// or "dir:<directory>".
func OpenDevice(dev string, pos Position, opts SourceOptions) (Source, error) {
	kind, arg, ok := strings.Cut(dev, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed device %q", ErrCannotAddInput, dev)
	}
	var (
		src Source
		err error
	)
	switch kind {
	case "webcam":
		id, convErr := strconv.Atoi(arg)
		if convErr != nil {
			return nil, fmt.Errorf("%w: webcam index %q", ErrCannotAddInput, arg)
		}
		var w *Webcam
		if w, err = OpenWebcam(id, pos, opts); err == nil {
			src = w
		}
	case "still":
		colorPath, depthPath, _ := strings.Cut(arg, ",")
		var s *StillSource
		if s, err = OpenStill(colorPath, depthPath, pos, opts); err == nil {
			src = s
		}
	case "dir":
		var d *DirSource
		if d, err = OpenDir(arg, pos, opts); err == nil {
			src = d
		}
	default:
		err = fmt.Errorf("%w: unknown device kind %q", ErrCannotAddInput, kind)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// StillSource repeats one color image, and optionally one depth map, at the
// configured frame rate.
type StillSource struct {
	pos   Position
	img   image.Image
	depth *depthmask.DepthMap
	opts  SourceOptions
}

// NewStillSource wraps in-memory frames. depth may be nil.
func NewStillSource(pos Position, img image.Image, depth *depthmask.DepthMap, opts SourceOptions) *StillSource {
	return &StillSource{pos: pos, img: img, depth: depth, opts: opts}
}

// OpenStill loads a still image and an optional depth file.
func OpenStill(colorPath, depthPath string, pos Position, opts SourceOptions) (*StillSource, error) {
	img, err := loadImage(colorPath)
	if err != nil {
		return nil, err
	}
	var depth *depthmask.DepthMap
	if depthPath != "" {
		if depth, err = loadDepth(depthPath, opts); err != nil {
			return nil, err
		}
	}
	return NewStillSource(pos, img, depth, opts), nil
}

func (s *StillSource) Position() Position { return s.pos }
func (s *StillSource) HasDepth() bool     { return s.depth != nil }
func (s *StillSource) Close() error       { return nil }

func (s *StillSource) Run(ctx context.Context, color chan<- ColorFrame, depth chan<- DepthFrame) error {
	return pace(ctx, s.opts, func(seq uint64, now time.Time) error {
		if !send(ctx, color, ColorFrame{Image: s.img, Seq: seq, Timestamp: now}) {
			return ctx.Err()
		}
		if s.depth != nil && seq%s.opts.depthEvery() == 0 {
			send(ctx, depth, DepthFrame{Map: s.depth, Seq: seq, Timestamp: now})
		}
		return nil
	})
}

// DirSource loops over a recorded sequence. Color frames are *.png, *.jpg or *.webp
// files; a frame's depth is the file with the same stem and an ".adf" or
// ".depth.png" suffix.
type DirSource struct {
	pos    Position
	frames []string
	depths map[string]string
	opts   SourceOptions
}

// OpenDir indexes a recorded sequence.
func OpenDir(dir string, pos Position, opts SourceOptions) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotAddInput, err)
	}
	d := &DirSource{pos: pos, depths: make(map[string]string), opts: opts}
	names := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}
	for name := range names {
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".depth.png") {
			continue
		}
		ext := filepath.Ext(lower)
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" && ext != ".webp" {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		d.frames = append(d.frames, filepath.Join(dir, name))
		for _, cand := range []string{stem + ".adf", stem + ".depth.png"} {
			if names[cand] {
				d.depths[filepath.Join(dir, name)] = filepath.Join(dir, cand)
				break
			}
		}
	}
	if len(d.frames) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrCannotAddOutput, dir)
	}
	sort.Strings(d.frames)
	return d, nil
}

func (d *DirSource) Position() Position { return d.pos }
func (d *DirSource) HasDepth() bool     { return len(d.depths) > 0 }
func (d *DirSource) Close() error       { return nil }

// Len is the number of color frames in the sequence.
func (d *DirSource) Len() int { return len(d.frames) }

func (d *DirSource) Run(ctx context.Context, color chan<- ColorFrame, depth chan<- DepthFrame) error {
	return pace(ctx, d.opts, func(seq uint64, now time.Time) error {
		path := d.frames[int(seq%uint64(len(d.frames)))]
		img, err := loadImage(path)
		if err != nil {
			return err
		}
		if !send(ctx, color, ColorFrame{Image: img, Seq: seq, Timestamp: now}) {
			return ctx.Err()
		}
		dp, ok := d.depths[path]
		if !ok || seq%d.opts.depthEvery() != 0 {
			return nil
		}
		m, err := loadDepth(dp, d.opts)
		if err != nil {
			log.Printf("capture: skipping depth %s: %v", dp, err)
			return nil
		}
		send(ctx, depth, DepthFrame{Map: m, Seq: seq, Timestamp: now})
		return nil
	})
}

// pace calls emit once per frame interval until ctx ends or emit fails.
func pace(ctx context.Context, opts SourceOptions, emit func(seq uint64, now time.Time) error) error {
	ticker := time.NewTicker(opts.interval())
	defer ticker.Stop()
	var seq uint64
	for {
		if err := emit(seq, time.Now()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seq++
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotAddInput, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCannotAddOutput, path, err)
	}
	return img, nil
}

func loadDepth(path string, opts SourceOptions) (*depthmask.DepthMap, error) {
	m, err := depthmask.ReadDepth(path, opts.DepthRange)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotAddOutput, err)
	}
	return m, nil
}
