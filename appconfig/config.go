package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stevecastle/artycam/depthmask"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/platform"
)

// Config holds application configuration: storage paths, camera devices,
// masking defaults, style model locations and upload settings.
type Config struct {
	DBPath string `json:"dbPath"`

	// Photo library location and encoding
	LibraryPath string `json:"libraryPath"`
	PhotoFormat string `json:"photoFormat"`
	JPEGQuality int    `json:"jpegQuality"`

	// HTTP UI
	ServerAddr     string `json:"serverAddr"`
	PreviewQuality int    `json:"previewQuality"`

	Camera  CameraConfig  `json:"camera"`
	Masking MaskingConfig `json:"masking"`
	Styles  StylesConfig  `json:"styles"`

	// Optional S3 upload of saved photos
	Storage     library.S3Config `json:"storage"`
	NetworkJobs int              `json:"networkJobs"`

	// Initial admin password. Only used when no users exist.
	AdminPassword string `json:"adminPassword"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
}

// CameraConfig maps positions to device specs such as "webcam:0",
// "still:photo.png,photo.adf" or "dir:/recordings/walk".
type CameraConfig struct {
	FrontDevice string  `json:"frontDevice"`
	BackDevice  string  `json:"backDevice"`
	Position    string  `json:"position"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
	DepthEvery  int     `json:"depthEvery"`
	DepthRange  float64 `json:"depthRange"`
	FrameQueue  int     `json:"frameQueue"`
	LiveMasking bool    `json:"liveMasking"`
}

type MaskingConfig struct {
	DefaultIntensity float64 `json:"defaultIntensity"`
}

type StylesConfig struct {
	ModelDir             string `json:"modelDir"`
	ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
	ORTVersion           string `json:"ortVersion"`
	BundleURL            string `json:"bundleUrl"`
	BundleSHA256         string `json:"bundleSha256"`
	AutoDownload         bool   `json:"autoDownload"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// defaultLibraryPath returns the default photo library (~/Pictures/Artyficial Camera).
func defaultLibraryPath() string {
	return platform.GetPicturesDir()
}

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "artycam.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:         DefaultDBPath(),
		LibraryPath:    defaultLibraryPath(),
		PhotoFormat:    string(library.PNG),
		JPEGQuality:    92,
		ServerAddr:     "127.0.0.1:8090",
		PreviewQuality: 80,
		Camera: CameraConfig{
			FrontDevice: "webcam:0",
			Position:    "back",
			Width:       1280,
			Height:      720,
			FPS:         30,
			DepthEvery:  2,
			DepthRange:  5,
			FrameQueue:  2,
			LiveMasking: true,
		},
		Masking: MaskingConfig{DefaultIntensity: depthmask.DefaultIntensity},
		Styles: StylesConfig{
			ModelDir:     filepath.Join(platform.GetDataDir(), "models"),
			AutoDownload: true,
		},
		NetworkJobs: 2,
		JWTSecret:   uuid.New().String(),
	}
}

// mergeDefaults fills zero values from def. It reports whether a field that
// must be persisted was generated.
func mergeDefaults(c *Config, def Config) bool {
	needsSave := false
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.LibraryPath == "" {
		c.LibraryPath = def.LibraryPath
	}
	if c.PhotoFormat == "" {
		c.PhotoFormat = def.PhotoFormat
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.ServerAddr == "" {
		c.ServerAddr = def.ServerAddr
	}
	if c.PreviewQuality == 0 {
		c.PreviewQuality = def.PreviewQuality
	}
	if c.Camera.Position == "" {
		c.Camera.Position = def.Camera.Position
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = def.Camera.Width
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = def.Camera.Height
	}
	if c.Camera.FPS == 0 {
		c.Camera.FPS = def.Camera.FPS
	}
	if c.Camera.DepthEvery == 0 {
		c.Camera.DepthEvery = def.Camera.DepthEvery
	}
	if c.Camera.DepthRange == 0 {
		c.Camera.DepthRange = def.Camera.DepthRange
	}
	if c.Camera.FrameQueue == 0 {
		c.Camera.FrameQueue = def.Camera.FrameQueue
	}
	if c.Masking.DefaultIntensity == 0 {
		c.Masking.DefaultIntensity = def.Masking.DefaultIntensity
	}
	if c.Styles.ModelDir == "" {
		c.Styles.ModelDir = def.Styles.ModelDir
	}
	if c.NetworkJobs == 0 {
		c.NetworkJobs = def.NetworkJobs
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}
	return needsSave
}

// Validate returns one message per invalid setting.
func (c Config) Validate() []string {
	var problems []string
	if c.Camera.FrontDevice == "" && c.Camera.BackDevice == "" {
		problems = append(problems, "camera: no front or back device configured")
	}
	if p := c.Camera.Position; p != "front" && p != "back" {
		problems = append(problems, fmt.Sprintf("camera.position: %q is not front or back", p))
	}
	if c.Camera.FPS < 1 || c.Camera.FPS > 120 {
		problems = append(problems, fmt.Sprintf("camera.fps: %d is outside 1..120", c.Camera.FPS))
	}
	if c.Camera.DepthEvery < 1 {
		problems = append(problems, "camera.depthEvery: must be at least 1")
	}
	if c.Camera.DepthRange <= 0 {
		problems = append(problems, "camera.depthRange: must be positive")
	}
	if c.Camera.FrameQueue < 1 {
		problems = append(problems, "camera.frameQueue: must be at least 1")
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		problems = append(problems, "camera: negative frame size")
	}
	if err := depthmask.ValidIntensity(c.Masking.DefaultIntensity); err != nil {
		problems = append(problems, "masking.defaultIntensity: "+err.Error())
	}
	switch strings.ToLower(c.PhotoFormat) {
	case string(library.PNG), string(library.JPEG), "jpg":
	default:
		problems = append(problems, fmt.Sprintf("photoFormat: %q is not png or jpeg", c.PhotoFormat))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		problems = append(problems, fmt.Sprintf("jpegQuality: %d is outside 1..100", c.JPEGQuality))
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		problems = append(problems, "storage: accessKeyId and secretAccessKey must be set together")
	}
	if !c.Storage.Enabled() && c.Storage.AccessKeyID != "" {
		problems = append(problems, "storage: credentials set without a bucket")
	}
	return problems
}

// Redacted is the config as shown to clients, with secrets blanked.
func (c Config) Redacted() Config {
	c.JWTSecret = ""
	c.AdminPassword = ""
	if c.Storage.SecretAccessKey != "" {
		c.Storage.SecretAccessKey = "********"
	}
	return c
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
func Load() (Config, string, error) {
	return LoadFrom(getConfigPath())
}

// LoadFrom is Load for an explicit config file.
func LoadFrom(path string) (Config, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", filepath.Dir(path), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		def := defaultConfig()
		if err := os.MkdirAll(filepath.Dir(def.DBPath), 0755); err != nil {
			return Config{}, "", fmt.Errorf("failed to create database directory: %w", err)
		}
		if _, err := SaveTo(path, def); err != nil {
			return Config{}, path, fmt.Errorf("failed to create default config file: %w", err)
		}
		return def, path, nil
	}

	def := defaultConfig()
	// Booleans that default to true can't be told apart from unset after
	// decoding, so they are seeded before it.
	c := Config{
		Camera: CameraConfig{LiveMasking: def.Camera.LiveMasking},
		Styles: StylesConfig{AutoDownload: def.Styles.AutoDownload},
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	needsSave := mergeDefaults(&c, def)

	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %w", filepath.Dir(c.DBPath), err)
	}

	if needsSave {
		if _, saveErr := SaveTo(path, c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	return SaveTo(getConfigPath(), c)
}

// SaveTo merges c over the existing file so unknown keys survive.
func SaveTo(path string, c Config) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0600); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}
