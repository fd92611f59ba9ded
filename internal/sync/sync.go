// Package sync implements the Engine that drains internal/journal against
// an internal/remote.RemoteStore, grounded on
// original_source/src/client.rs sync_journal()/execute_move(). The
// per-UID href re-targeting map has no counterpart in the original and is
// a genuine addition described in SPEC_FULL.md section 4.8.
package sync

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cfait/internal/cerr"
	"cfait/internal/icalcodec"
	"cfait/internal/journal"
	"cfait/internal/remote"
	"cfait/internal/storage"
	"cfait/internal/task"
)

// Engine drains a journal against a RemoteStore, one action at a time,
// stopping on the first action that cannot be committed so later actions
// never observe a remote state inconsistent with an unapplied earlier one.
type Engine struct {
	journal *journal.Journal
	store   remote.RemoteStore
	log     zerolog.Logger

	// currentHref re-targets an action's Href at the moment it is about
	// to execute, seeded empty at the start of each Drain and updated on
	// every successful Create/Move, so a Move immediately followed by an
	// Update in the same drain targets the task's post-move location
	// instead of the stale href it was queued with.
	currentHref map[string]string
}

// New returns an Engine draining j against store, logging via log.
func New(j *journal.Journal, store remote.RemoteStore, log zerolog.Logger) *Engine {
	return &Engine{journal: j, store: store, log: log}
}

// Drain processes queued actions in FIFO order until the queue is empty
// or an action fails with a non-terminal error, in which case Drain stops
// with that action still at the head of the on-disk queue (the caller
// retries on the next cycle; this is not itself an error condition).
//
// The head action is only removed from disk once its network call has
// returned a terminal status: Drain peeks the head (leaving it in place),
// attempts it, and commits the dequeue with PopFront only on success. A
// crash mid-request therefore always leaves the action on disk to be
// replayed, never silently drops it — grounded on
// original_source/src/client.rs sync_journal(), which mutates its
// in-memory queue but only persists (journal.save()) after the result of
// each action is known, on both the success and failure paths.
func (e *Engine) Drain(ctx context.Context) error {
	e.currentHref = make(map[string]string)

	for {
		action, ok, err := e.journal.PeekFront()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		requeue, err := e.apply(ctx, *action)
		if err != nil {
			e.log.Error().Err(err).Str("uid", action.Task.UID).Str("kind", string(action.Kind)).Msg("sync: stopping drain")
			return nil
		}

		if _, _, err := e.journal.PopFront(); err != nil {
			return err
		}
		if requeue != nil {
			if err := e.journal.PushFront(*requeue); err != nil {
				return err
			}
		}
	}
}

// apply executes one action. It returns a non-nil requeue action when the
// action resolved into a follow-up action that must run before the rest
// of the queue (conflict-copy, replay-as-create), and a non-nil error
// only for failures that should halt the whole drain.
func (e *Engine) apply(ctx context.Context, a journal.Action) (*journal.Action, error) {
	e.retarget(&a.Task)

	switch a.Kind {
	case journal.KindCreate:
		return nil, e.applyCreate(ctx, &a.Task)
	case journal.KindUpdate:
		return e.applyUpdate(ctx, &a.Task)
	case journal.KindDelete:
		return nil, e.applyDelete(ctx, &a.Task)
	case journal.KindMove:
		return nil, e.applyMove(ctx, &a.Task, a.DestCalendarHref)
	default:
		return nil, nil
	}
}

// retarget rewrites t.Href to whatever this drain has already learned is
// the task's current location, if anything.
func (e *Engine) retarget(t *task.Task) {
	if href, ok := e.currentHref[t.UID]; ok {
		t.Href = href
	}
}

func resourceHref(calHref, uid string) string {
	if strings.HasSuffix(calHref, "/") {
		return calHref + uid + ".ics"
	}
	return calHref + "/" + uid + ".ics"
}

func (e *Engine) applyCreate(ctx context.Context, t *task.Task) error {
	href := resourceHref(t.CalendarHref, t.UID)
	body, err := icalcodec.Encode(t)
	if err != nil {
		return err
	}
	if _, err := e.store.PutCreate(ctx, href, body, remote.MIMEVTODO); err != nil {
		return err
	}
	e.currentHref[t.UID] = href
	return nil
}

func (e *Engine) applyUpdate(ctx context.Context, t *task.Task) (*journal.Action, error) {
	body, err := icalcodec.Encode(t)
	if err != nil {
		return nil, err
	}

	_, err = e.store.PutUpdate(ctx, t.Href, body, remote.MIMEVTODO, t.ETag)
	switch {
	case err == nil:
		return nil, nil
	case cerr.IsPrecondition(err):
		e.log.Warn().Str("uid", t.UID).Msg("sync: conflict on update, creating conflict copy")
		copyTask := t.Clone()
		copyTask.UID = uuid.New().String()
		copyTask.Summary = t.Summary + " (Conflict Copy)"
		copyTask.Href = ""
		copyTask.ETag = ""
		requeue := journal.Create(*copyTask)
		return &requeue, nil
	case cerr.IsNotFound(err):
		e.log.Warn().Str("uid", t.UID).Msg("sync: update target missing remotely, replaying as create")
		requeue := journal.Create(*t)
		return &requeue, nil
	default:
		return nil, err
	}
}

func (e *Engine) applyDelete(ctx context.Context, t *task.Task) error {
	err := e.store.Delete(ctx, t.Href, t.ETag)
	if err != nil && !cerr.IsNotFound(err) && !cerr.IsPrecondition(err) {
		return err
	}
	if cerr.IsPrecondition(err) {
		e.log.Warn().Str("uid", t.UID).Msg("sync: etag mismatch on delete, treating as success")
	}
	return nil
}

func (e *Engine) applyMove(ctx context.Context, t *task.Task, destCalendarHref string) error {
	destHref := resourceHref(destCalendarHref, t.UID)
	if err := e.store.Move(ctx, t.Href, destHref); err != nil {
		return err
	}
	e.currentHref[t.UID] = destHref
	return nil
}

// CreateTask records t's creation: directly into the local calendar's
// local.json if t.CalendarHref is the local sentinel, or else as a
// queued journal Create to be synced to the remote. Grounded on
// original_source/src/client.rs create_task's calendar_href branch,
// which takes the same fork before ever touching the Journal.
func CreateTask(j *journal.Journal, local *storage.LocalCalendarStore, t task.Task) error {
	if t.CalendarHref == task.LocalCalendarHref {
		return local.Create(t)
	}
	return j.Push(journal.Create(t))
}

// UpdateTask records an update to t, via the same local/remote fork as
// CreateTask (original_source/src/client.rs update_task).
func UpdateTask(j *journal.Journal, local *storage.LocalCalendarStore, t task.Task) error {
	if t.CalendarHref == task.LocalCalendarHref {
		return local.Update(t)
	}
	return j.Push(journal.Update(t))
}

// DeleteTask records t's deletion, via the same local/remote fork as
// CreateTask (original_source/src/client.rs delete_task).
func DeleteTask(j *journal.Journal, local *storage.LocalCalendarStore, t task.Task) error {
	if t.CalendarHref == task.LocalCalendarHref {
		return local.Delete(t.UID)
	}
	return j.Push(journal.Delete(t))
}

// MigrateAll enqueues a Move action per task, retargeting each to
// destCalendarHref, without itself draining the journal (draining is a
// separate, explicit step per SPEC_FULL.md section 4.8).
func MigrateAll(j *journal.Journal, tasks []task.Task, destCalendarHref string) (int, error) {
	count := 0
	for _, t := range tasks {
		if err := j.Push(journal.Move(t, destCalendarHref)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
