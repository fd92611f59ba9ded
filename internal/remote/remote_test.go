package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"cfait/internal/cache"
	"cfait/internal/cerr"
	"cfait/internal/task"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) (*CalDAVStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := NewCalDAVStore(Config{BaseURL: srv.URL + "/cal/", Username: "u", Password: "p"})
	return store, srv
}

func TestListParsesMultistatusAndFiltersNonICS(t *testing.T) {
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Fatalf("expected PROPFIND, got %s", r.Method)
		}
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/cal/task-1.ics</d:href>
    <d:propstat><d:prop><d:getetag>"etag-1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
</d:multistatus>`)
	})

	refs, err := store.List(context.Background(), srv.URL+"/cal/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 1 || refs[0].Href != "/cal/task-1.ics" || refs[0].ETag != "etag-1" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestListSendsBasicAuthHeader(t *testing.T) {
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			t.Fatalf("expected basic auth u:p, got %q:%q ok=%v", user, pass, ok)
		}
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`)
	})

	if _, err := store.List(context.Background(), srv.URL+"/cal/"); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestListRetriesOnRateLimitThenSucceeds(t *testing.T) {
	var attempts int32
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/cal/task-1.ics</d:href>
    <d:propstat><d:prop><d:getetag>"etag-1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
</d:multistatus>`)
	})

	refs, err := store.List(context.Background(), srv.URL+"/cal/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected a retry after 429, got %d attempt(s)", attempts)
	}
	if len(refs) != 1 || refs[0].Href != "/cal/task-1.ics" {
		t.Fatalf("unexpected refs after retry: %+v", refs)
	}
}

func TestPutCreateSendsIfNoneMatchAndReturnsETag(t *testing.T) {
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "*" {
			t.Fatalf("expected If-None-Match: *, got %q", r.Header.Get("If-None-Match"))
		}
		w.Header().Set("ETag", `"new-etag"`)
		w.WriteHeader(http.StatusCreated)
	})

	etag, err := store.PutCreate(context.Background(), srv.URL+"/cal/new.ics", "BEGIN:VCALENDAR...", MIMEVTODO)
	if err != nil {
		t.Fatalf("PutCreate: %v", err)
	}
	if etag != "new-etag" {
		t.Fatalf("etag = %q", etag)
	}
}

func TestPutUpdatePreconditionFailedMapsToKindPrecondition(t *testing.T) {
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != `"old-etag"` {
			t.Fatalf("expected If-Match header, got %q", r.Header.Get("If-Match"))
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	})

	_, err := store.PutUpdate(context.Background(), srv.URL+"/cal/x.ics", "...", MIMEVTODO, "old-etag")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !cerr.IsPrecondition(err) {
		t.Fatalf("expected a KindPrecondition error, got %v", err)
	}
}

func TestDeleteTreatsNotFoundAndPreconditionAsSuccess(t *testing.T) {
	calls := 0
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusPreconditionFailed)
		}
	})

	if err := store.Delete(context.Background(), srv.URL+"/cal/x.ics", "etag"); err != nil {
		t.Fatalf("expected nil error on 404, got %v", err)
	}
	if err := store.Delete(context.Background(), srv.URL+"/cal/x.ics", "etag"); err != nil {
		t.Fatalf("expected nil error on 412, got %v", err)
	}
}

func TestMoveSendsDestinationAndOverwriteHeaders(t *testing.T) {
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "MOVE" {
			t.Fatalf("expected MOVE, got %s", r.Method)
		}
		if r.Header.Get("Overwrite") != "F" {
			t.Fatalf("expected Overwrite: F, got %q", r.Header.Get("Overwrite"))
		}
		if !strings.Contains(r.Header.Get("Destination"), "/cal2/") {
			t.Fatalf("expected destination header, got %q", r.Header.Get("Destination"))
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := store.Move(context.Background(), srv.URL+"/cal/x.ics", srv.URL+"/cal2/x.ics")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
}

func TestGetAllTasksSkipsUnchangedCachedEntriesByETag(t *testing.T) {
	calHref := ""
	multigetCalls := 0
	store, srv := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>%stask-1.ics</d:href>
    <d:propstat><d:prop><d:getetag>"same-etag"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
</d:multistatus>`, calHref)
		case "REPORT":
			multigetCalls++
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, `<d:multistatus xmlns:d="DAV:"></d:multistatus>`)
		}
	})
	calHref = srv.URL + "/cal/"

	c := cache.NewAt(t.TempDir())
	cached := task.New()
	cached.Href = calHref + "task-1.ics"
	cached.ETag = "same-etag"
	cached.CalendarHref = calHref
	if err := c.SaveTasks(calHref, "", []task.Task{*cached}); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}

	results, err := store.GetAllTasks(context.Background(), []task.CalendarListEntry{{Name: "Work", Href: calHref}}, c)
	if err != nil {
		t.Fatalf("GetAllTasks: %v", err)
	}
	got := results[calHref]
	if len(got) != 1 || got[0].Href != calHref+"task-1.ics" {
		t.Fatalf("expected the cached task to be reused, got %+v", got)
	}
	if multigetCalls != 0 {
		t.Fatalf("expected no REPORT calls when the cached ETag matches, got %d", multigetCalls)
	}
}
