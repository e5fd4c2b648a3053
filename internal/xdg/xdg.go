// Package xdg provides XDG Base Directory paths for Tsuzuki.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "tsuzuki"

// ConfigDir returns the XDG config directory for tsuzuki.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DataDir returns the XDG data directory for tsuzuki.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(base, appName)
}

// ExtensionsDir returns the default root directory extensions are
// discovered under.
func ExtensionsDir() string {
	return filepath.Join(DataDir(), "extensions")
}

// RegistryDir returns the directory holding the persisted registry state.
func RegistryDir() string {
	return filepath.Join(DataDir(), "registry")
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
