package deps

import (
	"path/filepath"
	"runtime"

	"github.com/stevecastle/artycam/platform"
)

// GetDepsDir returns where a dependency is installed under the data dir.
func GetDepsDir(subdir string) string {
	return filepath.Join(platform.GetDataDir(), subdir)
}

// GetOnnxRuntimeLibName is the file name the runtime library is installed as.
func GetOnnxRuntimeLibName() string {
	return "onnxruntime" + platform.SharedLibExtension()
}

const onnxRuntimeRelease = "https://github.com/microsoft/onnxruntime/releases/download/v"

// GetOnnxRuntimeDownloadURL returns the release archive for goos/arch, or ""
// when there is no prebuilt runtime for the platform.
func GetOnnxRuntimeDownloadURL(version, goos, arch string) string {
	base := onnxRuntimeRelease + version + "/onnxruntime-"
	switch goos + "/" + arch {
	case "windows/amd64":
		return base + "win-x64-" + version + ".zip"
	case "windows/arm64":
		return base + "win-arm64-" + version + ".zip"
	case "darwin/arm64":
		return base + "osx-arm64-" + version + ".tgz"
	case "darwin/amd64":
		return base + "osx-x86_64-" + version + ".tgz"
	case "linux/amd64":
		return base + "linux-x64-" + version + ".tgz"
	case "linux/arm64":
		return base + "linux-aarch64-" + version + ".tgz"
	}
	return ""
}

func currentOnnxRuntimeURL(version string) string {
	return GetOnnxRuntimeDownloadURL(version, runtime.GOOS, runtime.GOARCH)
}
