package downloads

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stevecastle/artycam/stream"
)

var ErrAlreadyRunning = errors.New("download already running")

// Manager tracks dependency downloads and publishes their progress on the
// event stream.
type Manager struct {
	mu          sync.RWMutex
	progress    map[string]*Progress
	cancelFuncs map[string]context.CancelFunc
	publish     func(Overall)
}

// NewManager returns a manager publishing to the default stream hub.
func NewManager() *Manager {
	return &Manager{
		progress:    make(map[string]*Progress),
		cancelFuncs: make(map[string]context.CancelFunc),
		publish: func(o Overall) {
			if err := stream.Publish(stream.TypeDownload, o); err != nil {
				log.Printf("downloads: %v", err)
			}
		},
	}
}

// Install runs downloadFn for id, reporting progress until it returns.
func (m *Manager) Install(ctx context.Context, id, name string, downloadFn func(context.Context, ProgressCallback) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if _, running := m.cancelFuncs[id]; running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.cancelFuncs[id] = cancel
	m.progress[id] = &Progress{ID: id, Name: name, Status: StatusPending}
	m.mu.Unlock()

	report := func(p Progress) {
		p.ID, p.Name = id, name
		m.mu.Lock()
		m.progress[id] = &p
		m.mu.Unlock()
		m.broadcast()
	}

	report(Progress{Status: StatusDownloading, Message: "Starting download..."})
	err := downloadFn(ctx, report)

	m.mu.Lock()
	delete(m.cancelFuncs, id)
	m.mu.Unlock()

	switch {
	case err == nil:
		report(Progress{Status: StatusComplete, Message: "Installation complete", Percent: 100})
	case errors.Is(err, context.Canceled):
		report(Progress{Status: StatusCancelled, Message: "Download cancelled"})
	default:
		report(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
	}
	return err
}

func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancelFuncs[id]; ok {
		cancel()
	}
}

func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancelFuncs {
		cancel()
	}
}

// Overall returns a snapshot of every tracked download sorted by id.
func (m *Manager) Overall() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o := Overall{Items: make([]Progress, 0, len(m.progress)), Active: len(m.cancelFuncs) > 0}
	var sum float64
	for _, p := range m.progress {
		o.Items = append(o.Items, *p)
		if p.Status == StatusComplete {
			o.Completed++
		}
		sum += p.Percent
	}
	sort.Slice(o.Items, func(i, j int) bool { return o.Items[i].ID < o.Items[j].ID })
	o.Total = len(o.Items)
	if o.Total > 0 {
		o.Percent = sum / float64(o.Total)
	}
	return o
}

func (m *Manager) Get(id string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.progress[id]; ok {
		return *p, true
	}
	return Progress{}, false
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.progress {
		if _, running := m.cancelFuncs[id]; !running && p.Status != StatusDownloading {
			delete(m.progress, id)
		}
	}
}

func (m *Manager) broadcast() {
	if m.publish != nil {
		m.publish(m.Overall())
	}
}

// SpeedTracker smooths download speed over a sliding window of samples.
type SpeedTracker struct {
	mu        sync.Mutex
	lastBytes int64
	lastTime  time.Time
	window    []int64
	now       func() time.Time
}

func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{lastTime: time.Now(), window: make([]int64, 0, 10), now: time.Now}
}

// Update records the running byte total and returns the averaged speed.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.1 {
		return s.average()
	}

	speed := int64(float64(totalBytes-s.lastBytes) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	s.window = append(s.window, speed)
	if len(s.window) > 10 {
		s.window = s.window[1:]
	}
	return s.average()
}

func (s *SpeedTracker) average() int64 {
	if len(s.window) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.window {
		sum += v
	}
	return sum / int64(len(s.window))
}

// ByteReporter adapts a ProgressCallback into a ByteProgressCallback that
// fills in percent and speed.
func ByteReporter(cb ProgressCallback, message string) ByteProgressCallback {
	speed := NewSpeedTracker()
	return func(downloaded, total int64) {
		if cb == nil {
			return
		}
		cb(Progress{
			Status:          StatusDownloading,
			Message:         message,
			BytesDownloaded: downloaded,
			TotalBytes:      total,
			Percent:         Percent(downloaded, total),
			Speed:           speed.Update(downloaded),
		})
	}
}
