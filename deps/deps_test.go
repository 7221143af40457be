package deps

import (
	"archive/zip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevecastle/artycam/downloads"
)

// withRegistry swaps in an empty registry and metadata store for one test.
func withRegistry(t *testing.T) {
	t.Helper()
	mu.Lock()
	orig := registry
	registry = make(DependencyRegistry)
	mu.Unlock()

	metadataOnce.Do(func() {})
	origStore := metadataStore
	metadataStore = NewMetadataStore(filepath.Join(t.TempDir(), "dependencies.json"))

	t.Cleanup(func() {
		mu.Lock()
		registry = orig
		mu.Unlock()
		metadataStore = origStore
	})
}

func mockDependency(id string, exists bool, version string, checkErr error) *Dependency {
	return &Dependency{
		ID:            id,
		Name:          id + " Name",
		TargetDir:     "/test/" + id,
		LatestVersion: "1.0.0",
		Check: func(ctx context.Context) (bool, string, error) {
			return exists, version, checkErr
		},
		Download: func(ctx context.Context, progress downloads.ProgressCallback) error { return nil },
	}
}

func TestRegisterAndGet(t *testing.T) {
	withRegistry(t)
	Register(mockDependency("b", true, "1.0.0", nil))
	Register(mockDependency("a", true, "1.0.0", nil))

	got, ok := Get("a")
	if !ok || got.Name != "a Name" {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if _, ok := Get("missing"); ok {
		t.Error("Get(missing) found something")
	}
	all := GetAll()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("GetAll() not sorted: %v", all)
	}
}

func TestRequiredAndOptional(t *testing.T) {
	withRegistry(t)
	opt := mockDependency("opt", false, "", nil)
	opt.Optional = true
	manual := mockDependency("manual", false, "", nil)
	manual.ManualOnly = true
	Register(opt)
	Register(manual)
	Register(mockDependency("ok", true, "1.0.0", nil))

	if n := len(GetRequired()); n != 2 {
		t.Errorf("GetRequired() = %d; want 2", n)
	}
	if n := len(GetOptional()); n != 1 {
		t.Errorf("GetOptional() = %d; want 1", n)
	}
	if n := len(GetAutoDownloadable()); n != 2 {
		t.Errorf("GetAutoDownloadable() = %d; want 2", n)
	}

	missing := GetMissingRequired(context.Background())
	if len(missing) != 1 || missing[0].ID != "manual" {
		t.Errorf("GetMissingRequired() = %v", missing)
	}
	GetMetadataStore().SetIgnored("manual", true)
	if CheckAnyMissing(context.Background()) {
		t.Error("ignored dependency still reported missing")
	}
}

func TestEnsureAvailable(t *testing.T) {
	withRegistry(t)
	Register(mockDependency("there", true, "1.0.0", nil))
	Register(mockDependency("absent", false, "", nil))
	Register(mockDependency("broken", false, "", errors.New("boom")))

	ctx := context.Background()
	if err := EnsureAvailable(ctx, "there"); err != nil {
		t.Errorf("EnsureAvailable(there) = %v", err)
	}
	for _, id := range []string{"absent", "broken", "unknown"} {
		if err := EnsureAvailable(ctx, id); err == nil {
			t.Errorf("EnsureAvailable(%s) = nil", id)
		}
	}
}

func TestStatuses(t *testing.T) {
	withRegistry(t)
	Register(mockDependency("current", true, "1.0.0", nil))
	Register(mockDependency("old", true, "0.9.0", nil))
	Register(mockDependency("none", false, "", nil))
	Register(mockDependency("busy", false, "", nil))
	GetMetadataStore().SetJobID("busy", "job-1")

	want := map[string]DependencyStatus{
		"current": StatusInstalled,
		"old":     StatusOutdated,
		"none":    StatusNotInstalled,
		"busy":    StatusDownloading,
	}
	for _, s := range Statuses(context.Background()) {
		if s.Status != want[s.ID] {
			t.Errorf("%s status = %s; want %s", s.ID, s.Status, want[s.ID])
		}
	}
}

func TestGetFilePathPrefersMetadata(t *testing.T) {
	withRegistry(t)
	Register(mockDependency("dep", true, "1.0.0", nil))

	p, err := GetFilePath("dep", "model.onnx")
	if err != nil || p != filepath.Join("/test/dep", "model.onnx") {
		t.Errorf("GetFilePath() = %q, %v", p, err)
	}
	GetMetadataStore().RecordInstall("dep", "1.0.0", "/elsewhere", map[string]FileInfo{
		"model.onnx": {Path: "/elsewhere/model.onnx"},
	})
	p, _ = GetFilePath("dep", "model.onnx")
	if p != "/elsewhere/model.onnx" {
		t.Errorf("GetFilePath() = %q", p)
	}
	if dir, _ := GetInstallPath("dep"); dir != "/elsewhere" {
		t.Errorf("GetInstallPath() = %q", dir)
	}
	if _, err := GetFilePath("nope", "x"); err == nil {
		t.Error("GetFilePath(unknown) = nil error")
	}
}

func TestMetadataSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dependencies.json")
	store := NewMetadataStore(path)
	store.UpdateStatus("onnxruntime", StatusInstalled)
	store.SetIgnored("style-models", true)
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.GetStatus("onnxruntime") != StatusInstalled {
		t.Errorf("status = %s", loaded.GetStatus("onnxruntime"))
	}
	if !loaded.IsIgnored("style-models") {
		t.Error("ignored flag lost")
	}
	if loaded.GetStatus("missing") != StatusNotInstalled {
		t.Error("unknown dependency should be not installed")
	}

	empty, err := LoadMetadata(filepath.Join(t.TempDir(), "none.json"))
	if err != nil || len(empty.Dependencies) != 0 {
		t.Errorf("LoadMetadata(missing) = %v, %v", empty, err)
	}
}

func TestOnnxRuntimeURL(t *testing.T) {
	tests := []struct {
		goos, arch, want string
	}{
		{"linux", "amd64", "onnxruntime-linux-x64-1.22.0.tgz"},
		{"linux", "arm64", "onnxruntime-linux-aarch64-1.22.0.tgz"},
		{"darwin", "arm64", "onnxruntime-osx-arm64-1.22.0.tgz"},
		{"windows", "amd64", "onnxruntime-win-x64-1.22.0.zip"},
		{"plan9", "386", ""},
	}
	for _, tt := range tests {
		got := GetOnnxRuntimeDownloadURL("1.22.0", tt.goos, tt.arch)
		if filepath.Base(got) != tt.want && !(tt.want == "" && got == "") {
			t.Errorf("GetOnnxRuntimeDownloadURL(%s/%s) = %q", tt.goos, tt.arch, got)
		}
	}
}

func TestIsRuntimeLibrary(t *testing.T) {
	yes := []string{
		"onnxruntime-linux-x64-1.22.0/lib/libonnxruntime.so.1.22.0",
		"onnxruntime-osx-arm64-1.22.0/lib/libonnxruntime.1.22.0.dylib",
		"onnxruntime-win-x64-1.22.0/lib/onnxruntime.dll",
	}
	no := []string{"lib/libonnxruntime_providers_shared.so", "include/onnxruntime_c_api.h"}
	for _, n := range yes {
		if !isRuntimeLibrary(n) {
			t.Errorf("isRuntimeLibrary(%q) = false", n)
		}
	}
	for _, n := range no {
		if isRuntimeLibrary(n) {
			t.Errorf("isRuntimeLibrary(%q) = true", n)
		}
	}
}

func TestStyleModelsDownload(t *testing.T) {
	withRegistry(t)

	bundle := filepath.Join(t.TempDir(), "models.zip")
	f, _ := os.Create(bundle)
	zw := zip.NewWriter(f)
	for _, name := range []string{"pack/night.onnx", "pack/stainedglass.onnx", "pack/roof.onnx", "pack/roof.json", "pack/README"} {
		w, _ := zw.Create(name)
		w.Write([]byte(name))
	}
	zw.Close()
	f.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, bundle)
	}))
	defer srv.Close()

	modelDir := filepath.Join(t.TempDir(), "models")
	Setup(Options{
		RuntimeDir: t.TempDir(),
		ModelDir:   modelDir,
		BundleURL:  srv.URL + "/models.zip",
		Fetcher:    &downloads.Fetcher{Attempts: 1},
	})

	dep, ok := Get(StyleModelsID)
	if !ok {
		t.Fatal("style-models not registered")
	}
	ctx := context.Background()
	if exists, _, _ := dep.Check(ctx); exists {
		t.Fatal("models reported present before download")
	}
	if err := dep.Download(ctx, nil); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	exists, version, err := dep.Check(ctx)
	if !exists || err != nil || version != styleModelsVersion {
		t.Errorf("Check() = %v, %q, %v", exists, version, err)
	}
	if _, err := os.Stat(filepath.Join(modelDir, "README")); !os.IsNotExist(err) {
		t.Error("unrelated bundle entries should be skipped")
	}
	if _, err := os.Stat(filepath.Join(modelDir, "models.zip")); !os.IsNotExist(err) {
		t.Error("archive should be removed after extraction")
	}
	meta, _ := GetMetadataStore().Get(StyleModelsID)
	if meta.Status != StatusInstalled || len(meta.Files) != 4 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestStyleModelsWithoutURLIsManual(t *testing.T) {
	withRegistry(t)
	Setup(Options{RuntimeDir: t.TempDir(), ModelDir: t.TempDir()})
	dep, _ := Get(StyleModelsID)
	if !dep.ManualOnly {
		t.Error("style-models without a bundle URL should be manual")
	}
	if err := dep.Download(context.Background(), nil); err == nil {
		t.Error("Download() without URL succeeded")
	}
}
