// Package pipeline dispatches captured frames through style transfer, depth
// masking and compositing to a display.
package pipeline

import (
	"context"
	"errors"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	"github.com/stevecastle/artycam/depthmask"
	"github.com/stevecastle/artycam/style"
)

// Display receives composited frames. Show is only called from the dispatch
// goroutine.
type Display interface {
	Show(img image.Image)
}

// Settings are the user-controlled render parameters.
type Settings struct {
	Filter    style.Filter   `json:"filter"`
	Mode      composite.Mode `json:"imageMode"`
	Intensity float64        `json:"intensity"`
}

// DefaultSettings is no filter over the whole frame at the default intensity.
func DefaultSettings() Settings {
	return Settings{Filter: style.None, Mode: composite.Whole, Intensity: depthmask.DefaultIntensity}
}

// Options configures a Pipeline.
type Options struct {
	// LiveMasking composites masked modes on a running session. When false a
	// running session always renders the whole frame and masking only applies
	// to frozen captures.
	LiveMasking bool
	Settings    Settings
}

// Result is one rendered frame.
type Result struct {
	Image    image.Image
	Original image.Image
	Mask     *image.Gray16
	Settings Settings
	// Mode is the mode actually rendered, which degrades to Whole without depth.
	Mode composite.Mode
	At   time.Time
}

// Stats are running counters since the pipeline was created.
type Stats struct {
	Processed     uint64        `json:"processed"`
	Masked        uint64        `json:"masked"`
	Degraded      uint64        `json:"degraded"`
	StyleFailures uint64        `json:"styleFailures"`
	LastDuration  time.Duration `json:"lastDurationNs"`
}

type Pipeline struct {
	engine      *style.Engine
	depth       *capture.DepthSlot
	display     Display
	liveMasking bool

	mu       sync.RWMutex
	settings Settings
	live     atomic.Bool

	redraw chan struct{}

	lastMu sync.Mutex
	last   *Result
	// held is the frame pinned by Freeze; epoch changes on every Freeze so
	// a live frame rendered across a freeze is not committed.
	frozen bool
	held   image.Image
	epoch  uint64

	processed atomic.Uint64
	masked    atomic.Uint64
	degraded  atomic.Uint64
	failures  atomic.Uint64
	lastNanos atomic.Int64
}

func New(engine *style.Engine, depth *capture.DepthSlot, display Display, opts Options) *Pipeline {
	s := opts.Settings
	s.Intensity = depthmask.ClampIntensity(s.Intensity)
	if engine == nil {
		engine = style.NewEngine()
	}
	if depth == nil {
		depth = &capture.DepthSlot{}
	}
	return &Pipeline{
		engine:      engine,
		depth:       depth,
		display:     display,
		liveMasking: opts.LiveMasking,
		settings:    s,
		redraw:      make(chan struct{}, 1),
	}
}

func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

func (p *Pipeline) SetFilter(f style.Filter) {
	p.mu.Lock()
	p.settings.Filter = f
	p.mu.Unlock()
}

func (p *Pipeline) SetMode(m composite.Mode) {
	p.mu.Lock()
	p.settings.Mode = m
	p.mu.Unlock()
}

// SetIntensity rejects values outside the masking range.
func (p *Pipeline) SetIntensity(v float64) error {
	if err := depthmask.ValidIntensity(v); err != nil {
		return err
	}
	p.mu.Lock()
	p.settings.Intensity = v
	p.mu.Unlock()
	return nil
}

// SetLive tells the pipeline whether frames come from a running session.
func (p *Pipeline) SetLive(live bool) { p.live.Store(live) }

// Engine exposes the style engine for availability checks.
func (p *Pipeline) Engine() *style.Engine { return p.engine }

// Redraw asks the dispatch goroutine to re-render the last frame with the
// current settings. Requests coalesce.
func (p *Pipeline) Redraw() {
	select {
	case p.redraw <- struct{}{}:
	default:
	}
}

// Freeze pins the last rendered frame. Until Thaw, Run discards incoming
// frames and Redraw re-renders the pinned one.
func (p *Pipeline) Freeze() {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	p.frozen = true
	p.epoch++
	p.held = nil
	if p.last != nil {
		p.held = p.last.Original
	}
}

// Thaw resumes rendering incoming frames.
func (p *Pipeline) Thaw() {
	p.lastMu.Lock()
	p.frozen = false
	p.held = nil
	p.lastMu.Unlock()
}

func (p *Pipeline) Frozen() bool {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.frozen
}

// Run dispatches frames until ctx ends or frames is closed.
func (p *Pipeline) Run(ctx context.Context, frames <-chan capture.ColorFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.Image == nil {
				continue
			}
			p.lastMu.Lock()
			frozen, epoch := p.frozen, p.epoch
			p.lastMu.Unlock()
			if frozen {
				continue
			}
			r := p.render(ctx, f.Image)
			if p.commit(r, epoch) {
				p.show(r)
			}
		case <-p.redraw:
			if src := p.redrawSource(); src != nil {
				p.show(p.Process(ctx, src))
			}
		}
	}
}

func (p *Pipeline) redrawSource() image.Image {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	if p.frozen {
		return p.held
	}
	if p.last != nil {
		return p.last.Original
	}
	return nil
}

// commit stores r as the last frame unless a Freeze happened since epoch.
func (p *Pipeline) commit(r *Result, epoch uint64) bool {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	if p.frozen || p.epoch != epoch {
		return false
	}
	p.last = r
	return true
}

func (p *Pipeline) show(r *Result) {
	if p.display != nil && r != nil {
		p.display.Show(r.Image)
	}
}

// Process renders img with the current settings and remembers it as the last
// frame.
func (p *Pipeline) Process(ctx context.Context, img image.Image) *Result {
	r := p.render(ctx, img)
	p.lastMu.Lock()
	p.last = r
	p.lastMu.Unlock()
	return r
}

func (p *Pipeline) render(ctx context.Context, img image.Image) *Result {
	start := time.Now()
	r := p.Render(ctx, img, p.Settings())
	p.lastNanos.Store(int64(time.Since(start)))
	p.processed.Add(1)
	return r
}

// Render applies the filter, then the depth mask when the mode needs one.
// Filter output is scaled back to the frame size. A failed filter falls back
// to the unfiltered frame. A masked mode without
// depth renders the filter over the whole frame.
func (p *Pipeline) Render(ctx context.Context, img image.Image, s Settings) *Result {
	r := &Result{Original: img, Settings: s, Mode: composite.Whole, At: time.Now()}

	filtered, err := p.engine.Apply(ctx, s.Filter, img)
	if err != nil {
		p.failures.Add(1)
		if !errors.Is(err, context.Canceled) {
			log.Printf("pipeline: %s filter failed, showing unfiltered frame: %v", s.Filter, err)
		}
		filtered = img
	}
	filtered = composite.Fit(filtered, img.Bounds().Size())
	r.Image = filtered

	mode := s.Mode
	if p.live.Load() && !p.liveMasking {
		mode = composite.Whole
	}
	if !mode.Masked() {
		return r
	}

	d := p.depth.Load()
	if d == nil || d.Map.Empty() {
		p.degraded.Add(1)
		return r
	}
	mask, err := depthmask.Generate(d.Map, s.Intensity, img.Bounds().Size())
	if err != nil {
		p.degraded.Add(1)
		log.Printf("pipeline: depth mask unavailable: %v", err)
		return r
	}
	p.masked.Add(1)
	r.Image = composite.Apply(mode, img, filtered, mask)
	r.Mask = mask
	r.Mode = mode
	return r
}

// Last is the most recently rendered frame, or nil.
func (p *Pipeline) Last() *Result {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.last
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		Masked:        p.masked.Load(),
		Degraded:      p.degraded.Load(),
		StyleFailures: p.failures.Load(),
		LastDuration:  time.Duration(p.lastNanos.Load()),
	}
}
