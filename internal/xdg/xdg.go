// Package xdg resolves the per-user directories cfait persists its durable
// state into, following the XDG Base Directory spec.
package xdg

import (
	"os"
	"path/filepath"
	"strings"
)

// TestDirEnv, when set, overrides every directory below to a single test
// sandbox so the journal/cache/local-storage packages can be exercised
// without touching a real home directory.
const TestDirEnv = "CFAIT_TEST_DIR"

const appName = "cfait"

func getXDGDir(envVar, fallbackRelHome string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackRelHome, appName)
	}
	return filepath.Join(home, fallbackRelHome, appName)
}

// ConfigDir returns the configuration directory following XDG spec. cfait
// itself reads no config file here (configuration loading is owned by a
// caller) but exposes this for callers that want to co-locate one.
func ConfigDir() string {
	if d := os.Getenv(TestDirEnv); d != "" {
		return filepath.Join(d, "config")
	}
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the data directory holding journal.json and local.json.
func DataDir() string {
	if d := os.Getenv(TestDirEnv); d != "" {
		return filepath.Join(d, "data")
	}
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// CacheDir returns the cache directory holding calendars.json and
// tasks_<hex>.json.
func CacheDir() string {
	if d := os.Getenv(TestDirEnv); d != "" {
		return filepath.Join(d, "cache")
	}
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ExpandPath expands a leading ~ and any environment variables in path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
