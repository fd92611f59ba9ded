// Package journal implements the durable write-ahead log of pending
// mutations cfait replays against the remote store, grounded on
// original_source/src/journal.rs.
package journal

import (
	"encoding/json"
	"path/filepath"

	"cfait/internal/cerr"
	"cfait/internal/storage"
	"cfait/internal/task"
	"cfait/internal/xdg"
)

// Kind discriminates an Action's payload, mirroring the four variants of
// original_source/src/journal.rs's Action enum.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindMove   Kind = "move"
)

// Action is a single queued mutation. DestCalendarHref is only set for
// KindMove, naming the calendar the task is being relocated to.
type Action struct {
	Kind             Kind      `json:"kind"`
	Task             task.Task `json:"task"`
	DestCalendarHref string    `json:"dest_calendar_href,omitempty"`
}

// Create queues the creation of t.
func Create(t task.Task) Action { return Action{Kind: KindCreate, Task: t} }

// Update queues an update to t.
func Update(t task.Task) Action { return Action{Kind: KindUpdate, Task: t} }

// Delete queues the deletion of t.
func Delete(t task.Task) Action { return Action{Kind: KindDelete, Task: t} }

// Move queues relocating t to destCalendarHref.
func Move(t task.Task, destCalendarHref string) Action {
	return Action{Kind: KindMove, Task: t, DestCalendarHref: destCalendarHref}
}

// journalFile is the on-disk shape, matching original_source's
// `Journal { queue: Vec<Action> }`.
type journalFile struct {
	Queue []Action `json:"queue"`
}

const fileName = "journal.json"

// Journal is a durable FIFO of Actions backed by a single JSON file
// under internal/xdg.DataDir(), guarded by internal/storage.WithLock so
// concurrent cfaitd/CLI processes never interleave a read-modify-write.
type Journal struct {
	path string
}

// New returns a Journal rooted at xdg.DataDir(), creating the directory
// if necessary.
func New() (*Journal, error) {
	dir := xdg.DataDir()
	if err := xdg.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Journal{path: filepath.Join(dir, fileName)}, nil
}

// NewAt returns a Journal backed by an explicit directory, for tests.
func NewAt(dir string) (*Journal, error) {
	if err := xdg.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Journal{path: filepath.Join(dir, fileName)}, nil
}

func (j *Journal) load() ([]Action, error) {
	data, err := storage.ReadFileTolerant(j.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var jf journalFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, cerr.New(cerr.KindParse, err)
	}
	return jf.Queue, nil
}

func (j *Journal) save(queue []Action) error {
	data, err := json.MarshalIndent(journalFile{Queue: queue}, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWrite(j.path, data)
}

// Load returns the full queue in FIFO order.
func (j *Journal) Load() ([]Action, error) {
	var queue []Action
	err := storage.WithLock(j.path, func() error {
		q, err := j.load()
		if err != nil {
			return err
		}
		queue = q
		return nil
	})
	return queue, err
}

// IsEmpty reports whether the queue currently has no pending actions.
func (j *Journal) IsEmpty() (bool, error) {
	queue, err := j.Load()
	if err != nil {
		return false, err
	}
	return len(queue) == 0, nil
}

// Push appends a to the back of the queue.
func (j *Journal) Push(a Action) error {
	return storage.WithLock(j.path, func() error {
		queue, err := j.load()
		if err != nil {
			return err
		}
		queue = append(queue, a)
		return j.save(queue)
	})
}

// PushFront inserts a at the front of the queue, used by the sync engine
// to queue a follow-up action (conflict copy, replay-as-create) so it
// runs next.
func (j *Journal) PushFront(a Action) error {
	return storage.WithLock(j.path, func() error {
		queue, err := j.load()
		if err != nil {
			return err
		}
		queue = append([]Action{a}, queue...)
		return j.save(queue)
	})
}

// PeekFront returns the first action without removing it, or (nil,
// false) if the queue is empty. The sync engine uses this (rather than
// PopFront) to inspect the next action before attempting it, so the
// on-disk queue is left untouched until the action's outcome is known —
// PopFront is only called after a terminal success, never before.
func (j *Journal) PeekFront() (*Action, bool, error) {
	queue, err := j.Load()
	if err != nil {
		return nil, false, err
	}
	if len(queue) == 0 {
		return nil, false, nil
	}
	a := queue[0]
	return &a, true, nil
}

// PopFront removes and returns the first action, or (nil, false) if the
// queue is empty.
func (j *Journal) PopFront() (*Action, bool, error) {
	var popped *Action
	var ok bool
	err := storage.WithLock(j.path, func() error {
		queue, err := j.load()
		if err != nil {
			return err
		}
		if len(queue) == 0 {
			return nil
		}
		a := queue[0]
		popped = &a
		ok = true
		return j.save(queue[1:])
	})
	return popped, ok, err
}

// Modify runs fn over the current queue under the journal's lock and
// persists whatever fn returns, for callers that need a general
// transactional rewrite.
func (j *Journal) Modify(fn func([]Action) []Action) error {
	return storage.WithLock(j.path, func() error {
		queue, err := j.load()
		if err != nil {
			return err
		}
		return j.save(fn(queue))
	})
}
