package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stevecastle/artycam/appconfig"
	"github.com/stevecastle/artycam/auth"
	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	depspkg "github.com/stevecastle/artycam/deps"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/pipeline"
	"github.com/stevecastle/artycam/renderer"
	"github.com/stevecastle/artycam/stream"
	"github.com/stevecastle/artycam/style"
	"github.com/stevecastle/artycam/tasks"
	"github.com/stevecastle/artycam/viewmodel"
)

const photosPerPage = 48

func routes(a *App) *http.ServeMux {
	public := func(h http.HandlerFunc) http.HandlerFunc { return renderer.ApplyMiddlewares(h, renderer.RolePublic) }
	admin := func(h http.HandlerFunc) http.HandlerFunc { return renderer.ApplyMiddlewares(h, renderer.RoleAdmin) }

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", public(cameraHandler(a)))
	mux.HandleFunc("/state", public(stateHandler(a)))
	mux.HandleFunc("/intent/{name}", public(intentHandler(a)))
	mux.HandleFunc("/preview.mjpg", a.Preview.ServeMJPEG)
	mux.HandleFunc("/preview.jpg", a.Preview.ServeJPEG)
	mux.HandleFunc("/mask.png", public(maskHandler(a)))
	mux.HandleFunc("/events", stream.Handler)
	mux.HandleFunc("/stats", public(statsHandler(a)))
	mux.HandleFunc("/photos", public(photosHandler(a)))
	mux.HandleFunc("/photos/{id}", public(photoHandler(a)))
	mux.HandleFunc("/photos/{id}/delete", admin(deletePhotoHandler(a)))
	mux.HandleFunc("/photos/{id}/upload", admin(uploadPhotoHandler(a)))
	mux.HandleFunc("/jobs", public(jobsHandler(a)))
	mux.HandleFunc("/jobs/{id}/cancel", admin(cancelJobHandler(a)))
	mux.HandleFunc("/jobs/clear", admin(clearJobsHandler(a)))
	mux.HandleFunc("/config", public(configHandler(a)))
	mux.HandleFunc("/login", public(loginHandler(a)))
	mux.HandleFunc("/logout", public(logoutHandler()))
	mux.HandleFunc("/dependencies", public(dependenciesHandler(a)))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// readJSONBody decodes v, treating an empty body as "{}".
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" || strings.Contains(r.Header.Get("Accept"), "application/json")
}

// requireAdmin runs the auth middleware inline for handlers whose methods
// differ in access level.
func requireAdmin(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if renderer.AuthMiddleware == nil {
		next(w, r)
		return
	}
	renderer.AuthMiddleware(next, renderer.RoleAdmin).ServeHTTP(w, r)
}

// -----------------------------------------------------------------------------
// Camera
// -----------------------------------------------------------------------------

type cameraTemplateData struct {
	State   viewmodel.State
	Filters []style.PickerItem
}

func cameraHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		renderer.Render(w, "camera", cameraTemplateData{
			State:   a.Controller.State(),
			Filters: style.Items(),
		})
	}
}

func stateHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.Controller.State())
	}
}

type intentRequest struct {
	Filter    string   `json:"filter"`
	Intensity *float64 `json:"intensity"`
}

func intentHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req intentRequest
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		c := a.Controller
		var (
			st  viewmodel.State
			err error
		)
		switch r.PathValue("name") {
		case "configure":
			st, err = c.Configure()
		case "filter":
			f, perr := style.ParseFilter(req.Filter)
			if perr != nil {
				http.Error(w, perr.Error(), http.StatusBadRequest)
				return
			}
			st = c.SelectFilter(f)
		case "camera-position":
			st, err = c.ChangeCameraPosition()
		case "image-mode":
			st = c.ChangeImageMode()
		case "intensity":
			if req.Intensity == nil {
				http.Error(w, "intensity is required", http.StatusBadRequest)
				return
			}
			if st, err = c.SetIntensity(*req.Intensity); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		case "take-photo":
			st, err = c.TakePhoto()
		case "return":
			st, err = c.ReturnToCapture()
		case "save":
			var jobID string
			jobID, err = c.Save()
			if jobID != "" {
				w.Header().Set("X-Job-ID", jobID)
			}
			st = c.State()
		default:
			http.NotFound(w, r)
			return
		}

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, st)
		case errors.Is(err, viewmodel.ErrNotCapturing), errors.Is(err, viewmodel.ErrNotEditing),
			errors.Is(err, viewmodel.ErrNothingToSave):
			http.Error(w, err.Error(), http.StatusConflict)
		case capture.StatusFor(err) == capture.NotAuthorized:
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}
}

func maskHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := a.Pipeline.Last()
		if last == nil || last.Mask == nil {
			http.Error(w, "no depth mask", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		if err := png.Encode(w, composite.MaskImage(last.Mask)); err != nil {
			log.Printf("mask: %v", err)
		}
	}
}

type statsResponse struct {
	Pipeline      pipeline.Stats `json:"pipeline"`
	Delivered     uint64         `json:"delivered"`
	Dropped       uint64         `json:"dropped"`
	DepthAgeMs    int64          `json:"depthAgeMs,omitempty"`
	Stream        stream.Stats   `json:"stream"`
	RunningJobs   int            `json:"runningJobs"`
	StylesLoaded  []string       `json:"stylesLoaded"`
	UploadEnabled bool           `json:"uploadEnabled"`
}

func statsHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Pipeline:      a.Pipeline.Stats(),
			Delivered:     a.Session.Delivered(),
			Dropped:       a.Session.Dropped(),
			Stream:        stream.Default().Stats(),
			RunningJobs:   a.Runners.Running(),
			UploadEnabled: a.Uploader != nil,
		}
		if age, ok := a.Session.Depth().Age(time.Now()); ok {
			resp.DepthAgeMs = age.Milliseconds()
		}
		for _, f := range style.Filters() {
			if f != style.None && a.Engine.Available(f) {
				resp.StylesLoaded = append(resp.StylesLoaded, f.ID())
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// -----------------------------------------------------------------------------
// Photo library
// -----------------------------------------------------------------------------

type libraryTemplateData struct {
	Photos []library.Photo
	Offset int
	Prev   int
	Next   int
	More   bool
}

func photosHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		offset = max(offset, 0)
		photos, more, err := a.Library.List(r.Context(), offset, photosPerPage)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]any{"photos": photos, "more": more})
			return
		}
		renderer.Render(w, "library", libraryTemplateData{
			Photos: photos,
			Offset: offset,
			Prev:   max(offset-photosPerPage, 0),
			Next:   offset + photosPerPage,
			More:   more,
		})
	}
}

type presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// photoHandler serves the image, or redirects to a presigned copy with
// ?remote=1. DELETE removes it.
func photoHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodDelete:
			requireAdmin(w, r, deletePhotoHandler(a))
			return
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
			return
		}

		p, err := a.Library.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, library.ErrNotFound) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if r.URL.Query().Get("remote") == "1" && p.RemoteKey.Valid {
			if ps, ok := a.Uploader.(presigner); ok {
				url, err := ps.PresignGet(r.Context(), p.RemoteKey.String, 15*time.Minute)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadGateway)
					return
				}
				http.Redirect(w, r, url, http.StatusFound)
				return
			}
		}
		w.Header().Set("Content-Type", p.ContentType())
		http.ServeFile(w, r, p.Path)
	}
}

func deletePhotoHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "Use POST or DELETE", http.StatusMethodNotAllowed)
			return
		}
		err := a.Library.Remove(r.Context(), r.PathValue("id"))
		if errors.Is(err, library.ErrNotFound) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func uploadPhotoHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if a.Uploader == nil {
			http.Error(w, library.ErrUploadDisabled.Error(), http.StatusConflict)
			return
		}
		id := r.PathValue("id")
		if _, err := a.Library.Get(r.Context(), id); err != nil {
			http.NotFound(w, r)
			return
		}
		jobID, err := a.Queue.AddJob(tasks.UploadPhoto, nil, id, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": jobID})
	}
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func jobsHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.Queue.GetJobs())
	}
}

func cancelJobHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := a.Queue.CancelJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Job cancelled successfully"))
	}
}

func clearJobsHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		n, err := a.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": n,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", n),
		})
	}
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// configHandler shows the redacted config. POST merges a partial JSON
// document over the current config; camera changes apply on restart.
func configHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg := appconfig.Get()
			writeJSON(w, http.StatusOK, map[string]any{
				"config":   cfg.Redacted(),
				"problems": cfg.Validate(),
			})
		case http.MethodPost:
			requireAdmin(w, r, updateConfig(a))
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func updateConfig(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		old := appconfig.Get()
		next := old
		if err := readJSONBody(r, &next); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		next.JWTSecret = old.JWTSecret
		if next.Storage.SecretAccessKey == old.Redacted().Storage.SecretAccessKey {
			next.Storage.SecretAccessKey = old.Storage.SecretAccessKey
		}
		if pw := next.AdminPassword; pw != "" {
			if err := a.Auth.SetPassword(auth.DefaultUser, pw); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		next.AdminPassword = ""

		if problems := next.Validate(); len(problems) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "invalid", "problems": problems})
			return
		}
		path, err := appconfig.Save(next)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"configPath":      path,
			"restartRequired": next.Camera != old.Camera || next.Storage != old.Storage || next.DBPath != old.DBPath,
		})
	}
}

// -----------------------------------------------------------------------------
// Login
// -----------------------------------------------------------------------------

type loginTemplateData struct {
	Username string
	Error    string
}

func loginHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			renderer.Render(w, "login", loginTemplateData{})
			return
		case http.MethodPost:
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
			return
		}

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
		if isJSON {
			if err := readJSONBody(r, &creds); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		} else {
			creds.Username = r.FormValue("username")
			creds.Password = r.FormValue("password")
		}

		token, err := a.Auth.Login(creds.Username, creds.Password)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCreds) {
				log.Printf("auth: login: %v", err)
			}
			if isJSON {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			renderer.Render(w, "login", loginTemplateData{Username: creds.Username, Error: "Invalid username or password"})
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     auth.TokenCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(auth.DefaultTokenTTL.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		if isJSON {
			writeJSON(w, http.StatusOK, map[string]string{"token": token})
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: auth.TokenCookie, Value: "", Path: "/", MaxAge: -1})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

func dependenciesHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			statuses := depspkg.Statuses(r.Context())
			if wantsJSON(r) {
				writeJSON(w, http.StatusOK, statuses)
				return
			}
			renderer.Render(w, "dependencies", map[string]any{"Deps": statuses})
		case http.MethodPost:
			requireAdmin(w, r, downloadDependency(a))
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func downloadDependency(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		dep, ok := depspkg.Get(id)
		if !ok {
			http.Error(w, "unknown dependency", http.StatusNotFound)
			return
		}
		if dep.ManualOnly {
			http.Error(w, "install manually: "+dep.InstallURL, http.StatusConflict)
			return
		}
		if jobID := depspkg.GetMetadataStore().GetJobID(id); jobID != "" {
			if j, ok := a.Queue.Snapshot(jobID); ok && !j.State.Done() {
				writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "dependency_id": id})
				return
			}
		}
		jobID, err := a.Queue.AddJob(tasks.FetchModels, nil, id, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID, "dependency_id": id})
	}
}
