package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/artycam/appconfig"
	"github.com/stevecastle/artycam/auth"
	"github.com/stevecastle/artycam/capture"
	depspkg "github.com/stevecastle/artycam/deps"
	"github.com/stevecastle/artycam/downloads"
	"github.com/stevecastle/artycam/jobqueue"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/pipeline"
	"github.com/stevecastle/artycam/preview"
	"github.com/stevecastle/artycam/renderer"
	"github.com/stevecastle/artycam/runners"
	"github.com/stevecastle/artycam/stream"
	"github.com/stevecastle/artycam/style"
	"github.com/stevecastle/artycam/tasks"
	"github.com/stevecastle/artycam/viewmodel"
)

// -----------------------------------------------------------------------------
// App holds everything the handlers and the shutdown path need.
// -----------------------------------------------------------------------------
type App struct {
	DB         *sql.DB
	Queue      *jobqueue.Queue
	Runners    *runners.Runners
	Library    *library.Library
	Uploader   library.Uploader
	Downloads  *downloads.Manager
	Engine     *style.Engine
	Session    *capture.Session
	Pipeline   *pipeline.Pipeline
	Preview    *preview.Preview
	Controller *viewmodel.Controller
	Auth       *auth.AuthService

	depsOpts depspkg.Options
	srv      *http.Server
	cancel   context.CancelFunc
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := library.InitializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("photos schema: %w", err)
	}
	if err := auth.InitializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("users schema: %w", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Style models
// -----------------------------------------------------------------------------

func (a *App) ortLibraryPath(cfg appconfig.Config) string {
	if cfg.Styles.ORTSharedLibraryPath != "" {
		return cfg.Styles.ORTSharedLibraryPath
	}
	if p := depspkg.RuntimeLibraryPath(a.depsOpts); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadStyles (re)opens every model found in the model directory.
func (a *App) loadStyles() {
	cfg := appconfig.Get()
	opts := style.DefaultOptions()
	opts.ORTSharedLibraryPath = a.ortLibraryPath(cfg)

	n, err := a.Engine.LoadModels(cfg.Styles.ModelDir, opts)
	if err != nil {
		log.Printf("style: %v", err)
	}
	log.Printf("style: %d model(s) loaded from %s", n, cfg.Styles.ModelDir)
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

func newApp(ctx context.Context, cfg appconfig.Config) (*App, error) {
	db, err := initDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &App{DB: db}

	// ––– job queue –––
	log.Println("Initializing job queue with database persistence...")
	a.Queue = jobqueue.NewQueueWithDB(db)
	tasks.ConfigureLanes(a.Queue, cfg.NetworkJobs)
	log.Printf("Job queue initialized. Current jobs: %d", len(a.Queue.GetJobs()))

	// ––– photo library and upload –––
	a.Library = library.New(db, cfg.LibraryPath, library.ParseFormat(cfg.PhotoFormat), cfg.JPEGQuality)
	if cfg.Storage.Enabled() {
		up, err := library.NewS3Uploader(ctx, cfg.Storage)
		if err != nil {
			log.Printf("storage: uploads disabled: %v", err)
		} else {
			a.Uploader = up
			log.Printf("storage: uploading to s3://%s/%s", cfg.Storage.Bucket, cfg.Storage.Prefix)
		}
	}

	// ––– dependencies and style models –––
	a.depsOpts = depspkg.Options{
		RuntimeVersion: cfg.Styles.ORTVersion,
		ModelDir:       cfg.Styles.ModelDir,
		BundleURL:      cfg.Styles.BundleURL,
		BundleSHA256:   cfg.Styles.BundleSHA256,
	}
	depspkg.Setup(a.depsOpts)
	a.Downloads = downloads.NewManager()
	a.Engine = style.NewEngine()
	a.loadStyles()

	// ––– runners –––
	env := &tasks.Env{
		Library:   a.Library,
		Uploader:  a.Uploader,
		Downloads: a.Downloads,
		Installed: func(depID string) {
			log.Printf("Dependency %s installed, reloading style models", depID)
			a.loadStyles()
		},
	}
	a.Runners = runners.New(a.Queue, tasks.Builtin(env))

	checkCtx, cancelCheck := context.WithTimeout(ctx, 10*time.Second)
	missing := depspkg.CheckAnyMissing(checkCtx)
	cancelCheck()
	if missing && cfg.Styles.AutoDownload {
		if _, err := a.Queue.AddJob(tasks.FetchModels, nil, "", nil); err != nil {
			log.Printf("Failed to queue dependency download: %v", err)
		}
	} else if missing {
		log.Println("Missing dependencies; see /dependencies")
	}

	// ––– capture, pipeline and presentation –––
	finder := &capture.Finder{
		Devices: map[capture.Position]string{
			capture.Front: cfg.Camera.FrontDevice,
			capture.Back:  cfg.Camera.BackDevice,
		},
		Options: capture.SourceOptions{
			Width:      cfg.Camera.Width,
			Height:     cfg.Camera.Height,
			FPS:        cfg.Camera.FPS,
			DepthEvery: cfg.Camera.DepthEvery,
			DepthRange: cfg.Camera.DepthRange,
		},
	}
	a.Session = capture.NewSession(finder, nil, cfg.Camera.FrameQueue)
	a.Preview = preview.New(cfg.PreviewQuality)
	a.Pipeline = pipeline.New(a.Engine, a.Session.Depth(), a.Preview, pipeline.Options{
		LiveMasking: cfg.Camera.LiveMasking,
		Settings: pipeline.Settings{
			Filter:    style.None,
			Intensity: cfg.Masking.DefaultIntensity,
		},
	})

	pos, err := capture.ParsePosition(cfg.Camera.Position)
	if err != nil {
		log.Printf("capture: %v, using front", err)
	}
	a.Controller = viewmodel.New(ctx, a.Session, a.Pipeline, a.Library, a.Queue, viewmodel.Options{
		Position:    pos,
		LiveMasking: cfg.Camera.LiveMasking,
		Upload:      a.Uploader != nil,
	})

	// ––– auth –––
	a.Auth = auth.NewAuthService(db, cfg.JWTSecret)
	if err := a.Auth.EnsureAdmin(cfg.AdminPassword); err != nil {
		log.Printf("auth: %v", err)
	}
	renderer.AuthMiddleware = func(next http.Handler, role renderer.AuthRole) http.Handler {
		return a.Auth.Require(next)
	}
	return a, nil
}

// start runs the frame dispatch loop and opens the camera.
func (a *App) start(ctx context.Context) {
	go func() {
		if err := a.Pipeline.Run(ctx, a.Session.Frames()); err != nil && ctx.Err() == nil {
			log.Printf("pipeline: %v", err)
		}
	}()
	if _, err := a.Controller.Configure(); err != nil {
		log.Printf("capture: camera not started: %v", err)
	}
}

func (a *App) shutdown() {
	log.Println("Shutting down Artyficial Camera...")

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.Session.Close(); err != nil {
		log.Printf("capture: close: %v", err)
	}

	// Shutdown runners first to stop processing new jobs
	log.Println("Shutting down job runners...")
	a.Downloads.CancelAll()
	a.Runners.Shutdown()

	log.Println("Shutting down stream connections...")
	stream.Default().Close()

	log.Println("Saving job queue to database...")
	if err := a.Queue.SaveAllJobsToDB(); err != nil {
		log.Printf("Error saving jobs to database: %v", err)
	}

	if a.srv != nil {
		log.Println("Shutting down HTTP server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	if err := a.Engine.Close(); err != nil {
		log.Printf("style: close: %v", err)
	}
	style.ShutdownRuntime()
	a.DB.Close()
	log.Println("Shutdown complete")
}

// -----------------------------------------------------------------------------
// main – start server then hand control to the tray or wait for a signal.
// -----------------------------------------------------------------------------

func main() {
	configPath := flag.String("config", "", "config file (default: data dir config.json)")
	addr := flag.String("addr", "", "listen address, overrides serverAddr")
	noBrowser := flag.Bool("no-browser", false, "don't open the UI on start")
	flag.Parse()

	var (
		cfg  appconfig.Config
		path string
		err  error
	)
	if *configPath != "" {
		cfg, path, err = appconfig.LoadFrom(*configPath)
	} else {
		cfg, path, err = appconfig.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Using config: %s", path)
	for _, p := range cfg.Validate() {
		log.Printf("config: %s", p)
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	app.cancel = cancel
	app.start(ctx)

	app.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           routes(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Serving UI on http://%s/", cfg.ServerAddr)
		if err := app.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("artycam: %v", err)
		}
	}()

	run(app, uiURL(cfg.ServerAddr), !*noBrowser)
}

// uiURL turns a listen address into something a browser can open.
func uiURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}
