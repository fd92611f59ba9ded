package storage

import (
	"encoding/json"
	"path/filepath"

	"cfait/internal/cerr"
	"cfait/internal/task"
)

const localCalendarFile = "local.json"

// LocalCalendarStore persists the in-process local-only calendar
// (task.LocalCalendarHref) as a single JSON array of tasks at
// local.json, grounded on original_source/src/storage.rs's
// LocalStorage::save/load, strengthened to bracket every
// read-modify-write with WithLock per SPEC_FULL.md section 4.4 (the
// original has no locking at all, since it is a single-process desktop
// client; cfait's local store can be touched by cfaitd and an
// interactive caller at once).
type LocalCalendarStore struct {
	path string
}

// NewLocalCalendarStore returns a LocalCalendarStore rooted at dir
// (normally xdg.DataDir()).
func NewLocalCalendarStore(dir string) *LocalCalendarStore {
	return &LocalCalendarStore{path: filepath.Join(dir, localCalendarFile)}
}

func (s *LocalCalendarStore) load() ([]task.Task, error) {
	data, err := ReadFileTolerant(s.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var tasks []task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, cerr.New(cerr.KindParse, err)
	}
	return tasks, nil
}

func (s *LocalCalendarStore) save(tasks []task.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWrite(s.path, data)
}

// Load returns every task in the local calendar, or nil if local.json
// does not exist yet.
func (s *LocalCalendarStore) Load() ([]task.Task, error) {
	var tasks []task.Task
	err := WithLock(s.path, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		tasks = t
		return nil
	})
	return tasks, err
}

// Save persists tasks as the local calendar's complete contents.
func (s *LocalCalendarStore) Save(tasks []task.Task) error {
	return WithLock(s.path, func() error {
		return s.save(tasks)
	})
}

// Modify runs fn over the current local-calendar task list under the
// store's lock and persists whatever fn returns, for a transactional
// create/update/delete against the local calendar.
func (s *LocalCalendarStore) Modify(fn func([]task.Task) []task.Task) error {
	return WithLock(s.path, func() error {
		tasks, err := s.load()
		if err != nil {
			return err
		}
		return s.save(fn(tasks))
	})
}

// Create appends t to the local calendar.
func (s *LocalCalendarStore) Create(t task.Task) error {
	return s.Modify(func(tasks []task.Task) []task.Task {
		return append(tasks, t)
	})
}

// Update replaces the task matching t.UID with t. It is a no-op if no
// task with that UID exists.
func (s *LocalCalendarStore) Update(t task.Task) error {
	return s.Modify(func(tasks []task.Task) []task.Task {
		for i, existing := range tasks {
			if existing.UID == t.UID {
				tasks[i] = t
				break
			}
		}
		return tasks
	})
}

// Delete removes the task with the given UID from the local calendar.
// It is a no-op if no task with that UID exists.
func (s *LocalCalendarStore) Delete(uid string) error {
	return s.Modify(func(tasks []task.Task) []task.Task {
		out := tasks[:0]
		for _, existing := range tasks {
			if existing.UID != uid {
				out = append(out, existing)
			}
		}
		return out
	})
}
