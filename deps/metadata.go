package deps

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevecastle/artycam/platform"
)

type FileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// DependencyMetadata is what was recorded about an installed dependency.
type DependencyMetadata struct {
	InstalledVersion string              `json:"installedVersion"`
	Status           DependencyStatus    `json:"status"`
	InstallPath      string              `json:"installPath"`
	LastChecked      time.Time           `json:"lastChecked"`
	LastUpdated      time.Time           `json:"lastUpdated"`
	Files            map[string]FileInfo `json:"files"`
	JobID            string              `json:"jobId"`
	Ignored          bool                `json:"ignored"`
}

// MetadataStore persists dependency metadata as JSON next to the config.
type MetadataStore struct {
	Dependencies map[string]DependencyMetadata `json:"dependencies"`
	mu           sync.RWMutex
	filePath     string
}

var (
	metadataStore *MetadataStore
	metadataOnce  sync.Once
)

// GetMetadataStore returns the process-wide store, loading it on first use.
func GetMetadataStore() *MetadataStore {
	metadataOnce.Do(func() {
		store, err := LoadMetadata(filepath.Join(platform.GetDataDir(), "dependencies.json"))
		if err != nil {
			store = NewMetadataStore(filepath.Join(platform.GetDataDir(), "dependencies.json"))
		}
		metadataStore = store
	})
	return metadataStore
}

func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{Dependencies: make(map[string]DependencyMetadata), filePath: path}
}

// LoadMetadata reads path; a missing file yields an empty store.
func LoadMetadata(path string) (*MetadataStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewMetadataStore(path), nil
	}
	if err != nil {
		return nil, err
	}

	store := NewMetadataStore(path)
	if err := json.Unmarshal(data, store); err != nil {
		return nil, err
	}
	if store.Dependencies == nil {
		store.Dependencies = make(map[string]DependencyMetadata)
	}
	return store, nil
}

func (m *MetadataStore) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, data, 0644)
}

func (m *MetadataStore) Get(depID string) (DependencyMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.Dependencies[depID]
	return meta, ok
}

func (m *MetadataStore) GetStatus(depID string) DependencyStatus {
	meta, ok := m.Get(depID)
	if !ok {
		return StatusNotInstalled
	}
	return meta.Status
}

func (m *MetadataStore) Update(depID string, meta DependencyMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dependencies[depID] = meta
}

// modify applies fn to the entry for depID, creating it if needed.
func (m *MetadataStore) modify(depID string, fn func(*DependencyMetadata)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.Dependencies[depID]
	if !ok {
		meta.Files = make(map[string]FileInfo)
	}
	fn(&meta)
	m.Dependencies[depID] = meta
}

func (m *MetadataStore) UpdateStatus(depID string, status DependencyStatus) {
	m.modify(depID, func(meta *DependencyMetadata) {
		meta.Status = status
		meta.LastChecked = time.Now()
	})
}

func (m *MetadataStore) SetJobID(depID, jobID string) {
	m.modify(depID, func(meta *DependencyMetadata) { meta.JobID = jobID })
}

func (m *MetadataStore) ClearJobID(depID string) {
	m.SetJobID(depID, "")
}

func (m *MetadataStore) GetJobID(depID string) string {
	meta, _ := m.Get(depID)
	return meta.JobID
}

func (m *MetadataStore) SetIgnored(depID string, ignored bool) {
	m.modify(depID, func(meta *DependencyMetadata) { meta.Ignored = ignored })
}

func (m *MetadataStore) IsIgnored(depID string) bool {
	meta, _ := m.Get(depID)
	return meta.Ignored
}

// RecordInstall marks depID installed with the given files.
func (m *MetadataStore) RecordInstall(depID, version, installPath string, files map[string]FileInfo) {
	now := time.Now()
	m.modify(depID, func(meta *DependencyMetadata) {
		meta.InstalledVersion = version
		meta.Status = StatusInstalled
		meta.InstallPath = installPath
		meta.LastChecked = now
		meta.LastUpdated = now
		meta.Files = files
	})
}
