// Package cache implements the two on-disk JSON caches described in
// SPEC_FULL.md section 4.5: a calendar-list cache and a per-calendar
// ETag-keyed task cache, grounded on original_source/src/cache.rs and on
// the atomic-write helper style of
// sonroyaalmerol-ldap-dav/internal/storage/filestore/helpers.go.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"

	"cfait/internal/storage"
	"cfait/internal/task"
	"cfait/internal/xdg"
)

const calendarsFile = "calendars.json"

// Cache reads and writes cfait's on-disk caches under a single directory
// (normally xdg.CacheDir(), but overridable for tests).
type Cache struct {
	dir string
}

// New returns a Cache rooted at xdg.CacheDir().
func New() *Cache {
	return &Cache{dir: xdg.CacheDir()}
}

// NewAt returns a Cache rooted at an explicit directory, for tests.
func NewAt(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) calendarsPath() string {
	return filepath.Join(c.dir, calendarsFile)
}

// taskCacheFile names the per-calendar JSON file using an fnv hash of the
// calendar href. original_source/src/cache.rs uses Rust's DefaultHasher,
// which has no portable Go equivalent; the hash is an internal cache key
// with no cross-implementation compatibility requirement, so hash/fnv
// (stdlib) is used instead of introducing an unrelated hashing library.
func taskCacheFile(calHref string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(calHref))
	return fmt.Sprintf("tasks_%x.json", h.Sum64())
}

func (c *Cache) taskCachePath(calHref string) string {
	return filepath.Join(c.dir, taskCacheFile(calHref))
}

// SaveCalendars persists cals atomically, tolerating a non-existent
// cache directory by creating it first.
func (c *Cache) SaveCalendars(cals []task.CalendarListEntry) error {
	if err := xdg.EnsureDir(c.dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cals, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWrite(c.calendarsPath(), data)
}

// LoadCalendars returns the cached calendar list, or nil if the cache
// file is absent or corrupt.
func (c *Cache) LoadCalendars() []task.CalendarListEntry {
	data, err := storage.ReadFileTolerant(c.calendarsPath())
	if err != nil || data == nil {
		return nil
	}
	var cals []task.CalendarListEntry
	if err := json.Unmarshal(data, &cals); err != nil {
		return nil
	}
	return cals
}

// taskCacheFileV is the on-disk shape of a per-calendar task cache:
// { "sync_token": "...", "tasks": [...] }.
type taskCacheFileV struct {
	SyncToken string      `json:"sync_token,omitempty"`
	Tasks     []task.Task `json:"tasks"`
}

// CalendarCache is the in-memory result of loading a per-calendar cache.
type CalendarCache struct {
	SyncToken string
	Tasks     []task.Task
}

// LoadTasks returns the cached tasks and sync token for calHref. Tolerates
// a missing file (empty result) and the legacy bare-array format (loaded
// as Tasks with an empty SyncToken), per SPEC_FULL.md section 4.5.
func (c *Cache) LoadTasks(calHref string) CalendarCache {
	data, err := storage.ReadFileTolerant(c.taskCachePath(calHref))
	if err != nil || data == nil {
		return CalendarCache{}
	}

	var wrapped taskCacheFileV
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Tasks != nil {
		return CalendarCache{SyncToken: wrapped.SyncToken, Tasks: wrapped.Tasks}
	}

	var bare []task.Task
	if err := json.Unmarshal(data, &bare); err == nil {
		return CalendarCache{Tasks: bare}
	}
	return CalendarCache{}
}

// SaveTasks persists tasks for calHref, along with an optional sync
// token, atomically.
func (c *Cache) SaveTasks(calHref string, syncToken string, tasks []task.Task) error {
	if err := xdg.EnsureDir(c.dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(taskCacheFileV{SyncToken: syncToken, Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWrite(c.taskCachePath(calHref), data)
}
