// Package platform resolves per-OS directories and shell helpers for the
// camera server.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is used for directory naming.
const AppName = "artycam"

// AppDisplayName is used where the OS convention prefers a human name.
const AppDisplayName = "Artyficial Camera"

// DataDirEnv overrides the data directory on every platform.
const DataDirEnv = "ARTYCAM_DATA_DIR"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Artyficial Camera
// Linux: $XDG_DATA_HOME/artycam or ~/.local/share/artycam
// macOS: ~/Library/Application Support/Artyficial Camera
func GetDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	return getDataDir()
}

// GetTempDir returns a scratch directory for staged captures.
func GetTempDir() string {
	return getTempDir()
}

// GetCacheDir returns the cache directory for downloaded models and runtimes.
func GetCacheDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return filepath.Join(dir, "cache")
	}
	return getCacheDir()
}

// GetPicturesDir returns the default photo library location.
func GetPicturesDir() string {
	return filepath.Join(UserHomeDir(), "Pictures", AppDisplayName)
}

// SharedLibExtension returns the shared library extension for the current platform.
func SharedLibExtension() string {
	return sharedLibExtension()
}

// OpenFile opens a file or directory with the default application.
func OpenFile(path string) error {
	return openFile(path)
}

// UserHomeDir returns the user's home directory, or "." when it cannot be resolved.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
