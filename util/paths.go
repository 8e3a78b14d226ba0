package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/courier"

// GetConfigDir returns ~/.config/courier, creating it on demand.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath prefers an existing file in the working directory, then
// one in the config directory. When neither exists the config directory
// path is returned so the caller creates the file there. Absolute paths are
// returned as they are.
func ResolveFilePath(name string) string {
	return ResolveFilePathWithSubdir("", name)
}

// ResolveFilePathWithSubdir is ResolveFilePath for name inside subdir, e.g.
// .ssh/hostkey. The subdirectory is created in the config directory when
// nothing exists yet.
func ResolveFilePathWithSubdir(subdir, name string) string {
	local := filepath.Join(subdir, name)
	if filepath.IsAbs(local) || exists(local) {
		return local
	}

	dir, err := GetConfigDir()
	if err != nil {
		return local
	}
	path := filepath.Join(dir, subdir, name)
	if !exists(path) && subdir != "" {
		os.MkdirAll(filepath.Join(dir, subdir), 0o755)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
