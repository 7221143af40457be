//go:build darwin

package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getDataDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Application Support", AppDisplayName)
}

func getTempDir() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return filepath.Join(tmp, AppName)
	}
	return filepath.Join("/tmp", AppName)
}

func getCacheDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Caches", AppName)
}

func sharedLibExtension() string {
	return ".dylib"
}

func openFile(path string) error {
	return exec.Command("open", path).Start()
}
