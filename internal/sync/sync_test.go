package sync

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cfait/internal/cache"
	"cfait/internal/cerr"
	"cfait/internal/journal"
	"cfait/internal/remote"
	"cfait/internal/storage"
	"cfait/internal/task"
)

// fakeStore implements remote.RemoteStore entirely in memory, letting the
// engine tests assert on the exact href the engine sent rather than on
// HTTP wire details (those are covered by internal/remote's own tests).
type fakeStore struct {
	created              map[string]string
	updated              map[string]string
	deleted              map[string]string
	moved                map[string]string
	preconditionOnUpdate map[string]bool
	notFoundOnUpdate     map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		created:              map[string]string{},
		updated:              map[string]string{},
		deleted:              map[string]string{},
		moved:                map[string]string{},
		preconditionOnUpdate: map[string]bool{},
		notFoundOnUpdate:     map[string]bool{},
	}
}

func (f *fakeStore) List(ctx context.Context, calHref string) ([]remote.ResourceRef, error) {
	return nil, nil
}

func (f *fakeStore) Multiget(ctx context.Context, calHref string, hrefs []string) ([]remote.ResourceBody, error) {
	return nil, nil
}

func (f *fakeStore) PutCreate(ctx context.Context, href, body, mimeType string) (string, error) {
	f.created[href] = body
	return "etag-created", nil
}

func (f *fakeStore) PutUpdate(ctx context.Context, href, body, mimeType, etag string) (string, error) {
	if f.preconditionOnUpdate[href] {
		return "", cerr.New(cerr.KindPrecondition, errPrecondition)
	}
	if f.notFoundOnUpdate[href] {
		return "", cerr.New(cerr.KindNotFound, errNotFound)
	}
	f.updated[href] = body
	return "etag-updated", nil
}

func (f *fakeStore) Delete(ctx context.Context, href, etag string) error {
	f.deleted[href] = etag
	return nil
}

func (f *fakeStore) Move(ctx context.Context, href, destinationHref string) error {
	f.moved[href] = destinationHref
	return nil
}

func (f *fakeStore) DiscoverCalendars(ctx context.Context) ([]task.CalendarListEntry, error) {
	return nil, nil
}

func (f *fakeStore) GetAllTasks(ctx context.Context, cals []task.CalendarListEntry, c *cache.Cache) (map[string][]task.Task, error) {
	return nil, nil
}

var errPrecondition = stringError("precondition failed")
var errNotFound = stringError("not found")

type stringError string

func (e stringError) Error() string { return string(e) }

func newEngine(t *testing.T, j *journal.Journal, store *fakeStore) *Engine {
	t.Helper()
	return New(j, store, zerolog.New(io.Discard))
}

func TestDrainCreateThenUpdateUsesRetargetedHref(t *testing.T) {
	j, err := journal.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	store := newFakeStore()

	tk := task.New()
	tk.UID = "uid-1"
	tk.CalendarHref = "https://example.com/cal/"
	tk.Summary = "first"

	if err := j.Push(journal.Create(*tk)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	updated := *tk
	updated.Href = "https://stale.example.com/should-be-ignored.ics"
	updated.Summary = "second"
	if err := j.Push(journal.Update(updated)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	e := newEngine(t, j, store)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	wantHref := "https://example.com/cal/uid-1.ics"
	if _, ok := store.created[wantHref]; !ok {
		t.Fatalf("expected create at %q, got %+v", wantHref, store.created)
	}
	if _, ok := store.updated[wantHref]; !ok {
		t.Fatalf("expected update re-targeted to %q, got %+v", wantHref, store.updated)
	}

	empty, err := j.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected journal drained")
	}
}

func TestDrainUpdateConflictEnqueuesConflictCopyCreate(t *testing.T) {
	j, err := journal.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	store := newFakeStore()

	tk := task.New()
	tk.UID = "uid-1"
	tk.Href = "https://example.com/cal/uid-1.ics"
	tk.CalendarHref = "https://example.com/cal/"
	tk.Summary = "mine"
	tk.ETag = "stale-etag"
	store.preconditionOnUpdate[tk.Href] = true

	if err := j.Push(journal.Update(*tk)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	e := newEngine(t, j, store)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	found := false
	for _, body := range store.created {
		if strings.Contains(body, "mine (Conflict Copy)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a conflict-copy create, got creates: %+v", store.created)
	}
}

func TestDrainUpdateNotFoundReplaysAsCreateWithSameUID(t *testing.T) {
	j, err := journal.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	store := newFakeStore()

	tk := task.New()
	tk.UID = "uid-1"
	tk.Href = "https://example.com/cal/uid-1.ics"
	tk.CalendarHref = "https://example.com/cal/"
	store.notFoundOnUpdate[tk.Href] = true

	if err := j.Push(journal.Update(*tk)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	e := newEngine(t, j, store)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	wantHref := "https://example.com/cal/uid-1.ics"
	if body, ok := store.created[wantHref]; !ok || !strings.Contains(body, "uid-1") {
		t.Fatalf("expected replay-as-create at same href with same uid, got %+v", store.created)
	}
}

func TestDrainMoveRetargetsSubsequentDelete(t *testing.T) {
	j, err := journal.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	store := newFakeStore()

	tk := task.New()
	tk.UID = "uid-1"
	tk.Href = "https://example.com/cal-a/uid-1.ics"
	tk.CalendarHref = "https://example.com/cal-a/"

	if err := j.Push(journal.Move(*tk, "https://example.com/cal-b/")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := j.Push(journal.Delete(*tk)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	e := newEngine(t, j, store)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	wantDest := "https://example.com/cal-b/uid-1.ics"
	if _, ok := store.deleted[wantDest]; !ok {
		t.Fatalf("expected delete re-targeted to new location %q, got %+v", wantDest, store.deleted)
	}
}

// failingStore fails every call, so Drain must stop after the first
// action without ever having persisted its removal.
type failingStore struct{ fakeStore }

func (f *failingStore) PutCreate(ctx context.Context, href, body, mimeType string) (string, error) {
	return "", cerr.New(cerr.KindTransport, stringError("network down"))
}

func TestDrainLeavesActionOnDiskWhenNetworkCallFails(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	store := &failingStore{fakeStore: *newFakeStore()}

	tk := task.New()
	tk.UID = "uid-1"
	tk.CalendarHref = "https://example.com/cal/"

	if err := j.Push(journal.Create(*tk)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	e := newEngine(t, j, store)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// The action must still be at the head of a freshly-opened journal —
	// not merely restored by a pop-then-push-front round trip, but never
	// removed from disk in the first place.
	j2, err := journal.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	queue, err := j2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(queue) != 1 || queue[0].Task.UID != "uid-1" {
		t.Fatalf("expected the failed create still queued, got %+v", queue)
	}
}

func TestCreateTaskRoutesLocalSentinelToLocalStoreNotJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	local := storage.NewLocalCalendarStore(dir)

	tk := task.New()
	tk.UID = "uid-1"
	tk.CalendarHref = task.LocalCalendarHref

	if err := CreateTask(j, local, *tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	empty, err := j.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected the journal to stay empty for a local-calendar create")
	}

	tasks, err := local.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 1 || tasks[0].UID != "uid-1" {
		t.Fatalf("expected the task in local.json, got %+v", tasks)
	}
}

func TestCreateTaskRoutesRemoteCalendarToJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	local := storage.NewLocalCalendarStore(dir)

	tk := task.New()
	tk.UID = "uid-1"
	tk.CalendarHref = "https://example.com/cal/"

	if err := CreateTask(j, local, *tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	queue, err := j.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(queue) != 1 || queue[0].Kind != journal.KindCreate {
		t.Fatalf("expected one queued create, got %+v", queue)
	}

	tasks, err := local.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected local calendar untouched, got %+v", tasks)
	}
}

func TestUpdateTaskAndDeleteTaskRouteLocalSentinelToLocalStore(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewAt(dir)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	local := storage.NewLocalCalendarStore(dir)

	tk := task.New()
	tk.UID = "uid-1"
	tk.CalendarHref = task.LocalCalendarHref
	tk.Summary = "first"
	if err := CreateTask(j, local, *tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	updated := *tk
	updated.Summary = "second"
	if err := UpdateTask(j, local, updated); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	tasks, err := local.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Summary != "second" {
		t.Fatalf("expected updated summary in local.json, got %+v", tasks)
	}

	if err := DeleteTask(j, local, updated); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	tasks, err = local.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected local.json empty after delete, got %+v", tasks)
	}

	empty, err := j.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected the journal to stay empty throughout local-calendar mutations")
	}
}

func TestMigrateAllEnqueuesMovePerTask(t *testing.T) {
	j, err := journal.NewAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}

	t1 := task.New()
	t2 := task.New()

	count, err := MigrateAll(j, []task.Task{*t1, *t2}, "https://example.com/cal-dest/")
	if err != nil {
		t.Fatalf("MigrateAll: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	queue, err := j.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("expected 2 queued moves, got %d", len(queue))
	}
	for _, a := range queue {
		if a.Kind != journal.KindMove || a.DestCalendarHref != "https://example.com/cal-dest/" {
			t.Fatalf("unexpected queued action: %+v", a)
		}
	}
}
