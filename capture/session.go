package capture

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// DefaultFrameQueue is the color frame backlog kept for a slow consumer.
const DefaultFrameQueue = 2

// Session connects a Source to a bounded color channel and the depth slot.
// The color channel lives as long as the session, across reconfigurations.
// When the consumer falls behind the oldest queued frame is dropped.
type Session struct {
	opener Opener
	depth  *DepthSlot
	frames chan ColorFrame

	delivered atomic.Uint64
	dropped   atomic.Uint64

	mu     sync.Mutex
	src    Source
	pos    Position
	status SetupStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates an unconfigured session preferring the front camera.
func NewSession(opener Opener, depth *DepthSlot, queue int) *Session {
	if queue <= 0 {
		queue = DefaultFrameQueue
	}
	if depth == nil {
		depth = &DepthSlot{}
	}
	return &Session{
		opener: opener,
		depth:  depth,
		frames: make(chan ColorFrame, queue),
		pos:    Front,
	}
}

// Frames is the receive side of the color queue.
func (s *Session) Frames() <-chan ColorFrame { return s.frames }

// Depth is the slot depth frames are written into.
func (s *Session) Depth() *DepthSlot { return s.depth }

// Configure stops the session and opens the camera for pos, falling back to
// the other position when the opener does.
func (s *Session) Configure(pos Position) (SetupStatus, error) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src != nil {
		s.src.Close()
		s.src = nil
	}
	src, err := s.opener.Open(pos)
	s.status = StatusFor(err)
	if err != nil {
		return s.status, err
	}
	s.src = src
	s.pos = src.Position()
	log.Printf("capture: configured %s camera (depth=%t)", s.pos, src.HasDepth())
	return s.status, nil
}

// Start begins delivering frames. Starting a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src == nil {
		return ErrNotConfigured
	}
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	src := s.src
	colorIn := make(chan ColorFrame, 1)
	depthIn := make(chan DepthFrame, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(runCtx, colorIn)
	}()
	go func() {
		defer wg.Done()
		s.collectDepth(runCtx, depthIn)
	}()
	go func() {
		if err := src.Run(runCtx, colorIn, depthIn); err != nil {
			log.Printf("capture: %s camera stopped: %v", src.Position(), err)
		}
		cancel()
		wg.Wait()
		close(done)

		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
	}()
	return nil
}

// Stop halts frame delivery, waits for the source to return and discards
// frames still queued.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	for {
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
			return
		}
	}
}

// IsRunning reports whether frames are being delivered.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// SwitchCamera clears depth and reopens the session on the other camera.
func (s *Session) SwitchCamera(ctx context.Context) (SetupStatus, error) {
	return s.reconfigure(ctx, s.Position().Next())
}

// Restart clears depth and reopens the current camera.
func (s *Session) Restart(ctx context.Context) (SetupStatus, error) {
	return s.reconfigure(ctx, s.Position())
}

func (s *Session) reconfigure(ctx context.Context, pos Position) (SetupStatus, error) {
	s.Stop()
	s.depth.Clear()
	status, err := s.Configure(pos)
	if err != nil {
		return status, err
	}
	return status, s.Start(ctx)
}

// Close stops the session and releases the device.
func (s *Session) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src == nil {
		return nil
	}
	err := s.src.Close()
	s.src = nil
	return err
}

func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// HasDepth reports whether the configured camera delivers depth.
func (s *Session) HasDepth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src != nil && s.src.HasDepth()
}

func (s *Session) Status() SetupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Delivered and Dropped count color frames queued and discarded.
func (s *Session) Delivered() uint64 { return s.delivered.Load() }
func (s *Session) Dropped() uint64   { return s.dropped.Load() }

func (s *Session) pump(ctx context.Context, in <-chan ColorFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			s.offer(f)
		}
	}
}

// offer queues f, evicting the oldest frame when the queue is full. pump is
// the only sender, so the second send finds room.
func (s *Session) offer(f ColorFrame) {
	select {
	case s.frames <- f:
		s.delivered.Add(1)
		return
	default:
	}
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
		s.delivered.Add(1)
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) collectDepth(ctx context.Context, in <-chan DepthFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			s.depth.Store(&f)
		}
	}
}
