//go:build windows

package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppName)
}

func getCacheDir() string {
	// Cache and data share a root on Windows.
	return filepath.Join(getDataDir(), "cache")
}

func sharedLibExtension() string {
	return ".dll"
}

func openFile(path string) error {
	// The empty argument is the window title for start.
	return exec.Command("cmd", "/c", "start", "", path).Start()
}
