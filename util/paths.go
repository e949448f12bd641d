package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/mastodont"
)

// GetConfigDir returns the mastodont config directory path (~/.config/mastodont/)
// and creates it if it doesn't exist
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath resolves a file path with the following priority:
// 1. Absolute paths and files in the working directory (e.g., ./database.db)
// 2. User config directory (e.g., ~/.config/mastodont/database.db)
// 3. Returns the user config directory path if neither exists (for creation)
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) || filename == ":memory:" {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(configDir, filename)
}

// ResolveDir resolves a data directory the same way as ResolveFilePath and
// makes sure it exists.
func ResolveDir(dir string) (string, error) {
	resolved := dir
	if info, err := os.Stat(dir); !filepath.IsAbs(dir) && (err != nil || !info.IsDir()) {
		if configDir, err := GetConfigDir(); err == nil {
			resolved = filepath.Join(configDir, dir)
		}
	}
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return resolved, nil
}
