package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/stevecastle/artycam/downloads"
	"github.com/stevecastle/artycam/style"
)

const (
	OnnxRuntimeID      = "onnxruntime"
	StyleModelsID      = "style-models"
	DefaultOnnxRuntime = "1.22.0"
	styleModelsVersion = "artyficial-v1"
)

// Options configure where dependencies come from and go.
type Options struct {
	RuntimeDir     string // defaults to GetDepsDir("onnxruntime")
	RuntimeVersion string
	ModelDir       string
	BundleURL      string
	BundleSHA256   string
	Fetcher        *downloads.Fetcher
}

// Setup registers the runtime library and the style model bundle.
func Setup(opts Options) {
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = GetDepsDir(OnnxRuntimeID)
	}
	if opts.RuntimeVersion == "" {
		opts.RuntimeVersion = DefaultOnnxRuntime
	}
	if opts.ModelDir == "" {
		opts.ModelDir = GetDepsDir("models")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = downloads.DefaultFetcher
	}

	url := currentOnnxRuntimeURL(opts.RuntimeVersion)
	Register(&Dependency{
		ID:            OnnxRuntimeID,
		Name:          "ONNX Runtime",
		Description:   "Inference runtime used by the style filters",
		TargetDir:     opts.RuntimeDir,
		LatestVersion: opts.RuntimeVersion,
		DownloadURL:   url,
		ExpectedSize:  20 * 1024 * 1024,
		ManualOnly:    url == "",
		InstallURL:    "https://onnxruntime.ai/getting-started",
		Check:         checkRuntime(opts),
		Download:      downloadRuntime(opts, url),
	})

	Register(&Dependency{
		ID:            StyleModelsID,
		Name:          "Style Models",
		Description:   "Nocturnal, Stained and Roof style-transfer models",
		TargetDir:     opts.ModelDir,
		LatestVersion: styleModelsVersion,
		DownloadURL:   opts.BundleURL,
		ExpectedSize:  30 * 1024 * 1024,
		ManualOnly:    opts.BundleURL == "",
		Check:         checkModels(opts.ModelDir),
		Download:      downloadModels(opts),
	})
}

// RuntimeLibraryPath is where the ONNX Runtime library is installed.
func RuntimeLibraryPath(opts Options) string {
	dir := opts.RuntimeDir
	if dir == "" {
		dir = GetDepsDir(OnnxRuntimeID)
	}
	return filepath.Join(dir, GetOnnxRuntimeLibName())
}

func checkRuntime(opts Options) func(context.Context) (bool, string, error) {
	return func(ctx context.Context) (bool, string, error) {
		_, err := os.Stat(RuntimeLibraryPath(opts))
		if errors.Is(err, os.ErrNotExist) {
			return false, "", nil
		}
		if err != nil {
			return false, "", err
		}
		version := opts.RuntimeVersion
		if meta, ok := GetMetadataStore().Get(OnnxRuntimeID); ok && meta.InstalledVersion != "" {
			version = meta.InstalledVersion
		}
		return true, version, nil
	}
}

// isRuntimeLibrary matches the main library inside a release archive:
// lib/libonnxruntime.so.<ver>, lib/libonnxruntime.<ver>.dylib or
// lib/onnxruntime.dll.
func isRuntimeLibrary(name string) bool {
	base := path.Base(name)
	switch {
	case strings.EqualFold(base, "onnxruntime.dll"):
		return true
	case strings.HasPrefix(base, "libonnxruntime.so"):
		return true
	case strings.HasPrefix(base, "libonnxruntime.") && strings.HasSuffix(base, ".dylib"):
		return true
	}
	return false
}

func downloadRuntime(opts Options, url string) func(context.Context, downloads.ProgressCallback) error {
	return func(ctx context.Context, progress downloads.ProgressCallback) error {
		if url == "" {
			return errors.New("no prebuilt ONNX Runtime for this platform")
		}
		if err := os.MkdirAll(opts.RuntimeDir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		archive := filepath.Join(opts.RuntimeDir, path.Base(url))
		defer os.Remove(archive)

		msg := fmt.Sprintf("Downloading ONNX Runtime %s...", opts.RuntimeVersion)
		if err := opts.Fetcher.FetchWithRetry(ctx, archive, url, downloads.ByteReporter(progress, msg)); err != nil {
			return err
		}

		libName := GetOnnxRuntimeLibName()
		written, err := downloads.Extract(archive, opts.RuntimeDir, func(name string) (string, bool) {
			if isRuntimeLibrary(name) {
				return libName, true
			}
			if strings.Contains(path.Base(name), "onnxruntime_providers_shared") {
				return path.Base(name), true
			}
			return "", false
		}, progress)
		if err != nil {
			return fmt.Errorf("extract runtime: %w", err)
		}
		files := recordFiles(written)
		GetMetadataStore().RecordInstall(OnnxRuntimeID, opts.RuntimeVersion, opts.RuntimeDir, files)
		return GetMetadataStore().Save()
	}
}

func checkModels(dir string) func(context.Context) (bool, string, error) {
	return func(ctx context.Context) (bool, string, error) {
		for _, f := range style.Filters() {
			if f == style.None {
				continue
			}
			if _, err := os.Stat(style.ModelPath(dir, f)); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return false, "", nil
				}
				return false, "", err
			}
		}
		version := styleModelsVersion
		if meta, ok := GetMetadataStore().Get(StyleModelsID); ok && meta.InstalledVersion != "" {
			version = meta.InstalledVersion
		}
		return true, version, nil
	}
}

// modelFiles lists the names kept from the bundle: each model and its
// optional sidecar.
func modelFiles() []string {
	var names []string
	for _, f := range style.Filters() {
		if f == style.None {
			continue
		}
		names = append(names, f.ID()+".onnx", f.ID()+".json")
	}
	return names
}

func downloadModels(opts Options) func(context.Context, downloads.ProgressCallback) error {
	return func(ctx context.Context, progress downloads.ProgressCallback) error {
		if opts.BundleURL == "" {
			return errors.New("no style model bundle URL configured")
		}
		if err := os.MkdirAll(opts.ModelDir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		archive := filepath.Join(opts.ModelDir, path.Base(opts.BundleURL))
		defer os.Remove(archive)

		report := downloads.ByteReporter(progress, "Downloading style models...")
		if err := opts.Fetcher.FetchVerified(ctx, archive, opts.BundleURL, opts.BundleSHA256, report); err != nil {
			return err
		}
		written, err := downloads.Extract(archive, opts.ModelDir, downloads.BaseNames(modelFiles()...), progress)
		if err != nil {
			return fmt.Errorf("extract models: %w", err)
		}
		if ok, _, _ := checkModels(opts.ModelDir)(ctx); !ok {
			return errors.New("model bundle is missing one or more styles")
		}
		GetMetadataStore().RecordInstall(StyleModelsID, styleModelsVersion, opts.ModelDir, recordFiles(written))
		return GetMetadataStore().Save()
	}
}

func recordFiles(paths []string) map[string]FileInfo {
	files := make(map[string]FileInfo, len(paths))
	for _, p := range paths {
		info := FileInfo{Path: p}
		if st, err := os.Stat(p); err == nil {
			info.Size = st.Size()
		}
		if sum, err := downloads.FileSHA256(p); err == nil {
			info.Hash = sum
		}
		files[filepath.Base(p)] = info
	}
	return files
}
