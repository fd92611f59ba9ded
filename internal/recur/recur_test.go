package recur

import (
	"testing"
	"time"

	"cfait/internal/task"
)

func TestRespawnWeekly(t *testing.T) {
	due := time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)
	tk := task.New()
	tk.UID = "orig-uid"
	tk.Due = &due
	tk.RRule = "FREQ=WEEKLY"
	tk.Href = "https://example.com/cal/orig-uid.ics"
	tk.ETag = "\"abc\""
	tk.Status = task.StatusCompleted

	next, err := Respawn(tk)
	if err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if next == nil {
		t.Fatal("expected a respawned task")
	}
	if next.UID == tk.UID {
		t.Fatal("expected a fresh uid")
	}
	if next.Href != "" || next.ETag != "" {
		t.Fatalf("expected cleared href/etag, got %q/%q", next.Href, next.ETag)
	}
	if next.Status != task.StatusNeedsAction {
		t.Fatalf("expected NeedsAction, got %s", next.Status)
	}
	want := time.Date(2024, 1, 8, 23, 59, 59, 0, time.UTC)
	if next.Due == nil || !next.Due.Equal(want) {
		t.Fatalf("due = %v want %v", next.Due, want)
	}
}

func TestRespawnPreservesDueDTStartSpan(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	tk := task.New()
	tk.DTStart = &start
	tk.Due = &due
	tk.RRule = "FREQ=DAILY"

	next, err := Respawn(tk)
	if err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if next == nil {
		t.Fatal("expected respawn")
	}
	gotSpan := next.Due.Sub(*next.DTStart)
	wantSpan := due.Sub(start)
	if gotSpan != wantSpan {
		t.Fatalf("span = %v want %v", gotSpan, wantSpan)
	}
}

func TestRespawnClearsDependencies(t *testing.T) {
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := task.New()
	tk.Due = &due
	tk.RRule = "FREQ=DAILY"
	tk.Dependencies = []string{"blocker-1"}

	next, err := Respawn(tk)
	if err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if len(next.Dependencies) != 0 {
		t.Fatalf("expected cleared dependencies, got %v", next.Dependencies)
	}
}

func TestRespawnNoRRuleReturnsNil(t *testing.T) {
	tk := task.New()
	next, err := Respawn(tk)
	if err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if next != nil {
		t.Fatal("expected nil for a non-recurring task")
	}
}
