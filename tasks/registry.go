// Package tasks holds the background work the camera hands to the job queue.
package tasks

import (
	"sort"
	"sync"

	"github.com/stevecastle/artycam/jobqueue"
)

const (
	SavePhoto   = "save-photo"
	UploadPhoto = "upload-photo"
	FetchModels = "fetch-models"
)

// Fn runs a claimed job. It finishes the job itself on success; a returned
// error marks the job failed (or cancelled when its context is done).
type Fn func(j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   Fn     `json:"-"`
}

type TaskMap map[string]Task

type Registry struct {
	mu    sync.RWMutex
	tasks TaskMap
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(TaskMap)}
}

// Builtin returns a registry with the camera's tasks bound to env.
func Builtin(env *Env) *Registry {
	r := NewRegistry()
	r.Register(SavePhoto, "Save Photo", env.savePhoto)
	r.Register(UploadPhoto, "Upload Photo", env.uploadPhoto)
	r.Register(FetchModels, "Fetch Models", env.fetchModels)
	return r
}

func (r *Registry) Register(id, name string, fn Fn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = Task{ID: id, Name: name, Fn: fn}
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns the registered tasks sorted by id.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConfigureLanes routes the network-bound tasks into one lane so uploads
// and downloads do not compete, and lets saves run one at a time.
func ConfigureLanes(q *jobqueue.Queue, networkLimit int) {
	if networkLimit < 1 {
		networkLimit = 1
	}
	q.SetLane(UploadPhoto, "network")
	q.SetLane(FetchModels, "network")
	q.SetLaneLimit("network", networkLimit)
	q.SetLaneLimit(SavePhoto, 1)
}
