package viewmodel

import (
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	"github.com/stevecastle/artycam/depthmask"
	"github.com/stevecastle/artycam/jobqueue"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/pipeline"
	"github.com/stevecastle/artycam/stream"
	"github.com/stevecastle/artycam/style"
	"github.com/stevecastle/artycam/tasks"
	_ "modernc.org/sqlite"
)

func TestVisible(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  Visibility
	}{
		{
			name:  "capture without filter",
			state: State{ViewMode: Capture, Filter: style.None},
			want:  Visibility{SwitchCamera: true, CaptureButton: true},
		},
		{
			name:  "capture with filter shows depth info",
			state: State{ViewMode: Capture, Filter: style.Night, DepthAvailable: true, ImageMode: composite.Background},
			want:  Visibility{SwitchCamera: true, CaptureButton: true, DepthInfo: true},
		},
		{
			name:  "edit without depth",
			state: State{ViewMode: Edit, Filter: style.Night, ImageMode: composite.Background},
			want:  Visibility{FilterImages: true, ReturnButton: true, SaveButton: true},
		},
		{
			name:  "edit with depth, whole frame",
			state: State{ViewMode: Edit, Filter: style.Night, DepthAvailable: true, ImageMode: composite.Whole},
			want:  Visibility{FilterImages: true, SwitchImageMode: true, ReturnButton: true, SaveButton: true},
		},
		{
			name:  "edit with depth, masked",
			state: State{ViewMode: Edit, Filter: style.Roof, DepthAvailable: true, ImageMode: composite.Foreground},
			want:  Visibility{FilterImages: true, SwitchImageMode: true, ReturnButton: true, SaveButton: true, Slider: true},
		},
		{
			name:  "edit masked without filter hides slider",
			state: State{ViewMode: Edit, Filter: style.None, DepthAvailable: true, ImageMode: composite.Background},
			want:  Visibility{FilterImages: true, SwitchImageMode: true, ReturnButton: true, SaveButton: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Visible(tt.state)); diff != "" {
				t.Errorf("Visible() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeCamera struct {
	pos        capture.Position
	running    bool
	depth      capture.DepthSlot
	configErr  error
	restartErr error
	calls      []string
}

func (f *fakeCamera) Configure(pos capture.Position) (capture.SetupStatus, error) {
	f.calls = append(f.calls, "configure")
	if f.configErr != nil {
		return capture.StatusFor(f.configErr), f.configErr
	}
	f.pos = pos
	return capture.Success, nil
}

func (f *fakeCamera) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	f.running = true
	return nil
}

func (f *fakeCamera) Stop() {
	f.calls = append(f.calls, "stop")
	f.running = false
}

func (f *fakeCamera) IsRunning() bool { return f.running }

func (f *fakeCamera) SwitchCamera(ctx context.Context) (capture.SetupStatus, error) {
	f.calls = append(f.calls, "switch")
	f.depth.Clear()
	f.pos = f.pos.Next()
	return capture.Success, f.Start(ctx)
}

func (f *fakeCamera) Restart(ctx context.Context) (capture.SetupStatus, error) {
	f.calls = append(f.calls, "restart")
	f.depth.Clear()
	if f.restartErr != nil {
		return capture.StatusFor(f.restartErr), f.restartErr
	}
	return capture.Success, f.Start(ctx)
}

func (f *fakeCamera) Position() capture.Position { return f.pos }
func (f *fakeCamera) Depth() *capture.DepthSlot  { return &f.depth }

type harness struct {
	c         *Controller
	cam       *fakeCamera
	p         *pipeline.Pipeline
	q         *jobqueue.Queue
	lib       *library.Library
	published []State
	notices   []stream.Notice
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := library.InitializeSchema(db); err != nil {
		t.Fatal(err)
	}

	h := &harness{cam: &fakeCamera{}, q: jobqueue.NewQueue()}
	h.lib = library.New(db, t.TempDir(), library.PNG, 0)
	engine := style.NewEngine()
	engine.Register(style.Night, style.StylizerFunc(func(_ context.Context, img image.Image) (image.Image, error) {
		return img, nil
	}))
	h.p = pipeline.New(engine, h.cam.Depth(), nil, pipeline.Options{
		LiveMasking: opts.LiveMasking,
		Settings:    pipeline.DefaultSettings(),
	})
	h.c = New(context.Background(), h.cam, h.p, h.lib, h.q, opts)
	h.c.publish = func(s State) { h.published = append(h.published, s) }
	h.c.notify = func(n stream.Notice) { h.notices = append(h.notices, n) }
	return h
}

func frame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func TestConfigureStartsCapture(t *testing.T) {
	h := newHarness(t, Options{Position: capture.Back, LiveMasking: true})

	st, err := h.c.Configure()
	if err != nil {
		t.Fatal(err)
	}
	want := State{
		Filter:    style.None,
		ImageMode: composite.Whole,
		Position:  capture.Back,
		Intensity: depthmask.DefaultIntensity,
		Setup:     capture.Success,
		ViewMode:  Capture,
		Running:   true,
	}
	if diff := cmp.Diff(want, st, cmpopts.IgnoreFields(State{}, "Visibility")); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if len(h.published) != 1 {
		t.Errorf("published %d states; want 1", len(h.published))
	}
}

func TestConfigureFailureNotifies(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		title string
	}{
		{"denied", os.ErrPermission, "Permission not granted"},
		{"missing", capture.ErrNoCameraAvailable, "Oops.. Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.cam.configErr = tt.err

			st, err := h.c.Configure()
			if !errors.Is(err, tt.err) {
				t.Fatalf("Configure() error = %v", err)
			}
			if st.Running {
				t.Error("session should not be running")
			}
			if len(h.notices) != 1 || h.notices[0].Title != tt.title {
				t.Errorf("notices = %+v", h.notices)
			}
		})
	}
}

func TestTakePhotoAndReturn(t *testing.T) {
	h := newHarness(t, Options{LiveMasking: true})
	h.c.Configure()
	h.cam.depth.Store(&capture.DepthFrame{Map: &depthmask.DepthMap{Width: 2, Height: 1, Data: []float32{5, 0}}})

	st, err := h.c.TakePhoto()
	if err != nil {
		t.Fatal(err)
	}
	if st.ViewMode != Edit || st.Running || !st.DepthAvailable {
		t.Errorf("after TakePhoto: %+v", st)
	}
	if !st.Visibility.SwitchImageMode || st.Visibility.CaptureButton {
		t.Errorf("visibility = %+v", st.Visibility)
	}
	if _, err := h.c.TakePhoto(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("second TakePhoto() = %v", err)
	}
	if _, err := h.c.ChangeCameraPosition(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("ChangeCameraPosition() while editing = %v", err)
	}

	h.c.ChangeImageMode()
	st, err = h.c.ReturnToCapture()
	if err != nil {
		t.Fatal(err)
	}
	if st.ViewMode != Capture || !st.Running || st.DepthAvailable || st.ImageMode != composite.Whole {
		t.Errorf("after ReturnToCapture: %+v", st)
	}
	if h.p.Settings().Mode != composite.Whole {
		t.Errorf("pipeline mode = %v", h.p.Settings().Mode)
	}
	if h.cam.depth.Available() {
		t.Error("restart should clear depth")
	}
	wantCalls := []string{"configure", "start", "stop", "restart", "start"}
	if diff := cmp.Diff(wantCalls, h.cam.calls); diff != "" {
		t.Errorf("camera calls (-want +got):\n%s", diff)
	}
}

func TestTakePhotoKeepsShownFrame(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.Configure()
	shown := frame()
	h.p.Process(context.Background(), shown)

	if _, err := h.c.TakePhoto(); err != nil {
		t.Fatal(err)
	}
	if !h.p.Frozen() {
		t.Fatal("pipeline not frozen after TakePhoto")
	}

	// a frame queued before the shutter reaches the dispatch loop afterwards
	frames := make(chan capture.ColorFrame)
	done := make(chan error, 1)
	go func() { done <- h.p.Run(context.Background(), frames) }()
	frames <- capture.ColorFrame{Image: image.NewRGBA(image.Rect(0, 0, 4, 2)), Seq: 9}
	close(frames)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if last := h.p.Last(); last == nil || last.Original != image.Image(shown) {
		t.Error("frozen capture replaced by a later frame")
	}

	if _, err := h.c.ReturnToCapture(); err != nil {
		t.Fatal(err)
	}
	if h.p.Frozen() {
		t.Error("pipeline still frozen after ReturnToCapture")
	}
}

func TestTakePhotoWithoutDepth(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.Configure()
	st, _ := h.c.TakePhoto()
	if st.DepthAvailable || st.Visibility.SwitchImageMode || st.Visibility.Slider {
		t.Errorf("no depth: %+v", st)
	}
}

func TestChangeImageMode(t *testing.T) {
	t.Run("live masking cycles", func(t *testing.T) {
		h := newHarness(t, Options{LiveMasking: true})
		h.c.Configure()
		var got []composite.Mode
		for i := 0; i < 3; i++ {
			got = append(got, h.c.ChangeImageMode().ImageMode)
		}
		want := []composite.Mode{composite.Background, composite.Foreground, composite.Whole}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("modes (-want +got):\n%s", diff)
		}
	})

	t.Run("running without live masking stays whole", func(t *testing.T) {
		h := newHarness(t, Options{LiveMasking: false})
		h.c.Configure()
		if m := h.c.ChangeImageMode().ImageMode; m != composite.Whole {
			t.Errorf("mode = %v; want whole", m)
		}
	})

	t.Run("frozen capture cycles without live masking", func(t *testing.T) {
		h := newHarness(t, Options{LiveMasking: false})
		h.c.Configure()
		h.c.TakePhoto()
		if m := h.c.ChangeImageMode().ImageMode; m != composite.Background {
			t.Errorf("mode = %v; want background", m)
		}
		if h.p.Settings().Mode != composite.Background {
			t.Errorf("pipeline mode = %v", h.p.Settings().Mode)
		}
	})
}

func TestSelectFilterAndIntensity(t *testing.T) {
	h := newHarness(t, Options{LiveMasking: true})
	h.c.Configure()

	st := h.c.SelectFilter(style.Night)
	if st.Filter != style.Night || h.p.Settings().Filter != style.Night {
		t.Errorf("filter not applied: %v / %v", st.Filter, h.p.Settings().Filter)
	}
	if !st.Visibility.DepthInfo {
		t.Error("depth info should show with a filter in capture mode")
	}

	if _, err := h.c.SetIntensity(0.1); err == nil {
		t.Error("SetIntensity(0.1) should fail")
	}
	st, err := h.c.SetIntensity(0.9)
	if err != nil || st.Intensity != 0.9 || h.p.Settings().Intensity != 0.9 {
		t.Errorf("SetIntensity(0.9) = %v, %v", st.Intensity, err)
	}
}

func TestSaveQueuesJob(t *testing.T) {
	h := newHarness(t, Options{LiveMasking: true, Upload: true})
	h.c.Configure()

	if _, err := h.c.Save(); !errors.Is(err, ErrNotEditing) {
		t.Errorf("Save() while live = %v", err)
	}

	h.c.SelectFilter(style.Night)
	h.p.Process(context.Background(), frame())
	h.c.TakePhoto()

	jobID, err := h.c.Save()
	if err != nil {
		t.Fatal(err)
	}
	job, ok := h.q.Snapshot(jobID)
	if !ok || job.Command != tasks.SavePhoto {
		t.Fatalf("save job = %+v, %v", job, ok)
	}
	if _, err := os.Stat(job.Input); err != nil {
		t.Errorf("staged file missing: %v", err)
	}

	var uploads int
	for _, j := range h.q.GetJobs() {
		if j.Command == tasks.UploadPhoto {
			uploads++
			if diff := cmp.Diff([]string{jobID}, j.Dependencies); diff != "" {
				t.Errorf("upload dependencies (-want +got):\n%s", diff)
			}
		}
	}
	if uploads != 1 {
		t.Errorf("upload jobs = %d; want 1", uploads)
	}
}

func TestSaveWithoutFrame(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.Configure()
	h.c.TakePhoto()

	if _, err := h.c.Save(); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("Save() = %v", err)
	}
	if len(h.notices) != 1 || h.notices[0] != library.FailedNotice {
		t.Errorf("notices = %+v", h.notices)
	}
}
