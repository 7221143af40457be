// Package deps tracks the optional downloads the camera needs at runtime:
// the ONNX Runtime shared library and the style-transfer model bundle.
package deps

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stevecastle/artycam/downloads"
)

type DependencyStatus string

const (
	StatusNotInstalled DependencyStatus = "not_installed"
	StatusInstalled    DependencyStatus = "installed"
	StatusOutdated     DependencyStatus = "outdated"
	StatusDownloading  DependencyStatus = "downloading"
)

// Dependency is an external artifact that can be checked and downloaded.
type Dependency struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	TargetDir     string `json:"targetDir"`
	LatestVersion string `json:"latestVersion"`
	DownloadURL   string `json:"downloadUrl"`
	ExpectedSize  int64  `json:"expectedSize"`

	// Optional dependencies do not block setup.
	Optional bool `json:"optional"`
	// ManualOnly dependencies show InstallURL instead of a download button.
	ManualOnly bool   `json:"manualOnly"`
	InstallURL string `json:"installUrl,omitempty"`

	Check    func(ctx context.Context) (exists bool, version string, err error)   `json:"-"`
	Download func(ctx context.Context, progress downloads.ProgressCallback) error `json:"-"`
}

type DependencyRegistry map[string]*Dependency

var (
	registry = make(DependencyRegistry)
	mu       sync.RWMutex
)

func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// GetAll returns every registered dependency sorted by id.
func GetAll() []*Dependency {
	return filter(func(*Dependency) bool { return true })
}

func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()
	dep, ok := registry[id]
	return dep, ok
}

func GetRequired() []*Dependency {
	return filter(func(d *Dependency) bool { return !d.Optional })
}

func GetOptional() []*Dependency {
	return filter(func(d *Dependency) bool { return d.Optional })
}

func GetAutoDownloadable() []*Dependency {
	return filter(func(d *Dependency) bool { return !d.ManualOnly })
}

func filter(keep func(*Dependency) bool) []*Dependency {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnsureAvailable returns an error unless the dependency is installed.
func EnsureAvailable(ctx context.Context, depID string) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}
	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dependency %s: %w", depID, err)
	}
	if !exists {
		return fmt.Errorf("dependency %s is not installed. Please download it from the Dependencies page", dep.Name)
	}
	return nil
}

// GetMissingRequired returns required dependencies that are neither
// installed nor ignored.
func GetMissingRequired(ctx context.Context) []*Dependency {
	store := GetMetadataStore()
	var missing []*Dependency
	for _, d := range GetRequired() {
		if store.IsIgnored(d.ID) {
			continue
		}
		if exists, _, err := d.Check(ctx); err != nil || !exists {
			missing = append(missing, d)
		}
	}
	return missing
}

func CheckAnyMissing(ctx context.Context) bool {
	return len(GetMissingRequired(ctx)) > 0
}

// GetFilePath resolves fileName inside a dependency, preferring the path
// recorded at install time.
func GetFilePath(depID, fileName string) (string, error) {
	if meta, ok := GetMetadataStore().Get(depID); ok && meta.Files != nil {
		if info, exists := meta.Files[fileName]; exists && info.Path != "" {
			return info.Path, nil
		}
	}
	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("unknown dependency: %s", depID)
	}
	return filepath.Join(dep.TargetDir, fileName), nil
}

func GetInstallPath(depID string) (string, error) {
	if meta, ok := GetMetadataStore().Get(depID); ok && meta.InstallPath != "" {
		return meta.InstallPath, nil
	}
	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("unknown dependency: %s", depID)
	}
	return dep.TargetDir, nil
}

// Status describes a dependency for the dependencies page.
type Status struct {
	*Dependency
	Status           DependencyStatus `json:"status"`
	InstalledVersion string           `json:"installedVersion"`
	Ignored          bool             `json:"ignored"`
	JobID            string           `json:"jobId,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Statuses checks every registered dependency.
func Statuses(ctx context.Context) []Status {
	store := GetMetadataStore()
	var out []Status
	for _, d := range GetAll() {
		s := Status{Dependency: d, Ignored: store.IsIgnored(d.ID), JobID: store.GetJobID(d.ID)}
		exists, version, err := d.Check(ctx)
		switch {
		case err != nil:
			s.Status = StatusNotInstalled
			s.Error = err.Error()
		case s.JobID != "":
			s.Status = StatusDownloading
		case !exists:
			s.Status = StatusNotInstalled
		case d.LatestVersion != "" && version != d.LatestVersion:
			s.Status = StatusOutdated
		default:
			s.Status = StatusInstalled
		}
		s.InstalledVersion = version
		out = append(out, s)
	}
	return out
}
