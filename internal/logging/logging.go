// Package logging provides the structured logger shared by every cfait
// component.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu        sync.RWMutex
	verbose   bool
	base      = zerolog.New(os.Stderr).With().Timestamp().Logger()
	levelInit sync.Once
)

// New builds a zerolog.Logger writing to w at the given level, falling back
// to zerolog.InfoLevel if levelName does not parse.
func New(w io.Writer, levelName string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(levelName)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// SetVerbose toggles debug-level logging globally, mirroring the
// verbose/non-verbose distinction every cfait entrypoint exposes.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
	lvl := zerolog.InfoLevel
	if v {
		lvl = zerolog.DebugLevel
	}
	base = base.Level(lvl)
}

// IsVerbose reports the current verbose setting.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// L returns the package-wide logger. Safe for concurrent use.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &base
}

// ForComponent returns a child logger tagged with a "component" field, the
// idiom used by every package in this module instead of ad hoc prefixes.
func ForComponent(name string) zerolog.Logger {
	return L().With().Str("component", name).Logger()
}

// NewBackgroundLogger returns a zerolog.Logger writing to a dedicated file,
// for use by cmd/cfaitd once it has detached from its controlling terminal.
func NewBackgroundLogger(path string) (zerolog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.New(io.Discard), nil, err
	}
	return zerolog.New(f).With().Timestamp().Logger(), f, nil
}
