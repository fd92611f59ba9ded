// Package storage provides the atomic-write-plus-advisory-lock primitives
// every durable cfait file (journal, local calendar, cache) is built on,
// grounded on original_source/src/storage.rs atomic_write and generalized
// to true cross-process locking via golang.org/x/sys/unix.Flock (no flock
// wrapper library exists anywhere in the example pack).
package storage

import (
	"os"

	"golang.org/x/sys/unix"

	"cfait/internal/cerr"
)

// AtomicWrite writes data to path by first writing to path+".tmp" and then
// renaming over path. The rename is atomic on a single filesystem, so a
// crash never leaves a half-written file.
func AtomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerr.New(cerr.KindIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerr.New(cerr.KindIO, err)
	}
	return nil
}

// WithLock acquires an advisory exclusive lock on path+".lock" (creating
// it if necessary), runs fn, and releases the lock unconditionally before
// returning. The lock is held for the lifetime of fn, bracketing a full
// load-mutate-save transaction so two processes never interleave one.
func WithLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return cerr.New(cerr.KindIO, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return cerr.New(cerr.KindIO, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// ReadFileTolerant reads path, returning (nil, nil) instead of an error
// when the file is absent, matching the "missing cache is empty" policy
// used by the cache and local-calendar readers.
func ReadFileTolerant(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerr.New(cerr.KindIO, err)
	}
	return data, nil
}
