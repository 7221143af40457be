package capture

import (
	"sync/atomic"
	"time"
)

// DepthSlot holds the most recent depth frame. Each Store replaces the
// previous frame; readers may observe a frame older than the color frame
// they are compositing.
type DepthSlot struct {
	latest atomic.Pointer[DepthFrame]
	stores atomic.Uint64
}

// Store publishes f as the latest depth frame.
func (s *DepthSlot) Store(f *DepthFrame) {
	s.latest.Store(f)
	s.stores.Add(1)
}

// Load returns the latest frame or nil.
func (s *DepthSlot) Load() *DepthFrame {
	return s.latest.Load()
}

// Clear drops the latest frame.
func (s *DepthSlot) Clear() {
	s.latest.Store(nil)
}

// Available reports whether a frame is held.
func (s *DepthSlot) Available() bool {
	return s.latest.Load() != nil
}

// Age is how long ago the held frame was captured.
func (s *DepthSlot) Age(now time.Time) (time.Duration, bool) {
	f := s.latest.Load()
	if f == nil {
		return 0, false
	}
	return now.Sub(f.Timestamp), true
}

// Stores counts every frame published since creation.
func (s *DepthSlot) Stores() uint64 {
	return s.stores.Load()
}
