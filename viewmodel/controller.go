package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	"github.com/stevecastle/artycam/depthmask"
	"github.com/stevecastle/artycam/jobqueue"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/pipeline"
	"github.com/stevecastle/artycam/stream"
	"github.com/stevecastle/artycam/style"
	"github.com/stevecastle/artycam/tasks"
)

var (
	ErrNothingToSave = errors.New("no captured frame to save")
	ErrNotEditing    = errors.New("only available while editing a capture")
	ErrNotCapturing  = errors.New("only available while the camera is live")
)

// Camera is the part of capture.Session the controller drives.
type Camera interface {
	Configure(pos capture.Position) (capture.SetupStatus, error)
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	SwitchCamera(ctx context.Context) (capture.SetupStatus, error)
	Restart(ctx context.Context) (capture.SetupStatus, error)
	Position() capture.Position
	Depth() *capture.DepthSlot
}

type Options struct {
	Position    capture.Position
	LiveMasking bool
	// Upload chains an upload job after every save.
	Upload bool
}

// Controller serializes intents, as the UI thread would.
type Controller struct {
	ctx      context.Context
	camera   Camera
	pipeline *pipeline.Pipeline
	library  *library.Library
	queue    *jobqueue.Queue
	opts     Options

	mu    sync.Mutex
	state State

	publish func(State)
	notify  func(stream.Notice)
}

// New binds a controller to the app lifetime ctx, which outlives any single
// request and bounds the capture session.
func New(ctx context.Context, camera Camera, p *pipeline.Pipeline, lib *library.Library, q *jobqueue.Queue, opts Options) *Controller {
	s := p.Settings()
	return &Controller{
		ctx:      ctx,
		camera:   camera,
		pipeline: p,
		library:  lib,
		queue:    q,
		opts:     opts,
		state: State{
			Filter:    s.Filter,
			ImageMode: s.Mode,
			Intensity: s.Intensity,
			Position:  opts.Position,
			Setup:     capture.Failure,
		},
		publish: func(st State) {
			if err := stream.Publish(stream.TypeState, st); err != nil {
				log.Printf("viewmodel: %v", err)
			}
		},
		notify: stream.Notify,
	}
}

// State is a snapshot with visibility filled in.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	st := c.state
	st.Running = c.camera.IsRunning()
	st.Visibility = Visible(st)
	return st
}

// changed publishes the new state. Called with mu held.
func (c *Controller) changed() State {
	st := c.snapshot()
	c.publish(st)
	return st
}

func (c *Controller) frozen() bool { return c.state.ViewMode == Edit }

func (c *Controller) setupFailed(status capture.SetupStatus, err error) {
	c.state.Setup = status
	log.Printf("viewmodel: camera setup %s: %v", status, err)
	if title, msg, ok := status.Notice(); ok {
		c.notify(stream.Notice{Title: title, Message: msg})
	}
}

// Configure opens the preferred camera and starts it.
func (c *Controller) Configure() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.camera.Configure(c.state.Position)
	if err == nil {
		err = c.camera.Start(c.ctx)
		if err != nil {
			status = capture.Failure
		}
	}
	if err != nil {
		c.setupFailed(status, err)
		return c.changed(), err
	}
	c.state.Setup = status
	c.state.Position = c.camera.Position()
	c.state.ViewMode = Capture
	c.state.DepthAvailable = false
	c.pipeline.Thaw()
	c.pipeline.SetLive(true)
	return c.changed(), nil
}

func (c *Controller) SelectFilter(f style.Filter) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Filter = f
	c.pipeline.SetFilter(f)
	if c.frozen() {
		c.pipeline.Redraw()
	}
	return c.changed()
}

// ChangeCameraPosition switches between front and back while live.
func (c *Controller) ChangeCameraPosition() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen() {
		return c.snapshot(), ErrNotCapturing
	}
	c.state.DepthAvailable = false
	status, err := c.camera.SwitchCamera(c.ctx)
	if err != nil {
		c.setupFailed(status, err)
		return c.changed(), err
	}
	c.state.Setup = status
	c.state.Position = c.camera.Position()
	return c.changed(), nil
}

// ChangeImageMode cycles whole, background and foreground. A running session
// without live masking stays on whole.
func (c *Controller) ChangeImageMode() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state.ImageMode.Next()
	if next.Masked() && c.camera.IsRunning() && !c.opts.LiveMasking {
		next = composite.Whole
	}
	c.state.ImageMode = next
	c.pipeline.SetMode(next)
	c.pipeline.Redraw()
	return c.changed()
}

// SetIntensity re-renders only a frozen capture; live frames pick it up on
// their own.
func (c *Controller) SetIntensity(v float64) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pipeline.SetIntensity(v); err != nil {
		return c.snapshot(), err
	}
	c.state.Intensity = v
	if c.frozen() {
		c.pipeline.Redraw()
	}
	return c.changed(), nil
}

// TakePhoto freezes the last frame and enters edit mode.
func (c *Controller) TakePhoto() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen() {
		return c.snapshot(), ErrNotCapturing
	}
	c.state.DepthAvailable = false
	c.state.ViewMode = Edit
	c.pipeline.Freeze()
	c.camera.Stop()
	c.pipeline.SetLive(false)

	d := c.camera.Depth().Load()
	c.state.DepthAvailable = d != nil && !d.Map.Empty()
	c.pipeline.Redraw()
	return c.changed(), nil
}

// ReturnToCapture drops the frozen frame and restarts the camera.
func (c *Controller) ReturnToCapture() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ViewMode = Capture
	c.state.ImageMode = composite.Whole
	c.state.DepthAvailable = false
	c.pipeline.SetMode(composite.Whole)
	c.pipeline.Thaw()

	status, err := c.camera.Restart(c.ctx)
	if err != nil {
		c.setupFailed(status, err)
		return c.changed(), err
	}
	c.state.Setup = status
	c.pipeline.SetLive(true)
	return c.changed(), nil
}

// Save stages the displayed frame and queues the save job. The outcome
// notice is sent when the job finishes.
func (c *Controller) Save() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen() {
		return "", ErrNotEditing
	}
	last := c.pipeline.Last()
	if last == nil || last.Image == nil {
		c.notify(library.NoticeFor(ErrNothingToSave))
		return "", ErrNothingToSave
	}

	id, staged, err := c.library.Stage(last.Image)
	if err != nil {
		c.notify(library.NoticeFor(err))
		return "", err
	}
	meta := library.Meta{
		Filter:    last.Settings.Filter.ID(),
		Mode:      last.Mode.String(),
		Intensity: last.Settings.Intensity,
		Coverage:  depthmask.Coverage(last.Mask),
	}
	jobID, err := tasks.EnqueueSave(c.queue, id, staged, meta, c.opts.Upload)
	if err != nil {
		if jobID == "" {
			c.library.Discard(staged)
			c.notify(library.NoticeFor(err))
		}
		return jobID, fmt.Errorf("queue save: %w", err)
	}
	return jobID, nil
}
