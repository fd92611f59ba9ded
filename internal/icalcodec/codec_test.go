package icalcodec

import (
	"strings"
	"testing"

	"cfait/internal/task"
)

func TestRoundTrip(t *testing.T) {
	orig := task.New()
	orig.Summary = "Buy milk"
	orig.Description = "2% please"
	orig.Status = task.StatusInProcess
	orig.Priority = 2
	orig.Categories = []string{"errands", "home"}
	orig.Dependencies = []string{"dep-1", "dep-2"}
	orig.ParentUID = "parent-uid"

	ics, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(ics)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.UID != orig.UID {
		t.Fatalf("uid mismatch: %q vs %q", got.UID, orig.UID)
	}
	if got.Summary != orig.Summary {
		t.Fatalf("summary mismatch: %q vs %q", got.Summary, orig.Summary)
	}
	if got.Status != orig.Status {
		t.Fatalf("status mismatch: %q vs %q", got.Status, orig.Status)
	}
	if got.Priority != orig.Priority {
		t.Fatalf("priority mismatch: %d vs %d", got.Priority, orig.Priority)
	}
	if len(got.Categories) != 2 || got.Categories[0] != "errands" || got.Categories[1] != "home" {
		t.Fatalf("categories mismatch: %v", got.Categories)
	}
	if got.ParentUID != orig.ParentUID {
		t.Fatalf("parent mismatch: %q vs %q", got.ParentUID, orig.ParentUID)
	}
	if len(got.Dependencies) != 2 {
		t.Fatalf("dependencies mismatch: %v", got.Dependencies)
	}
}

func TestUnknownPropertyAndSiblingComponentPreserved(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VTODO\r\n" +
		"UID:abc-123\r\n" +
		"SUMMARY:Test task\r\n" +
		"STATUS:NEEDS-ACTION\r\n" +
		"X-CUSTOM-FOO;PARAM=1:bar\r\n" +
		"END:VTODO\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:sibling-event\r\n" +
		"SUMMARY:Sibling\r\n" +
		"DTSTART:20240101T000000Z\r\n" +
		"DTEND:20240101T010000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	tk, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	found := false
	for _, up := range tk.UnmappedProperties {
		if up.Key == "X-CUSTOM-FOO" && up.Value == "bar" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected X-CUSTOM-FOO preserved, got %+v", tk.UnmappedProperties)
	}
	if len(tk.RawComponents) != 1 || !strings.Contains(tk.RawComponents[0], "sibling-event") {
		t.Fatalf("expected sibling VEVENT preserved, got %v", tk.RawComponents)
	}

	reEncoded, err := Encode(tk)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !strings.Contains(reEncoded, "X-CUSTOM-FOO") {
		t.Fatalf("re-encoded ICS missing unmapped property: %s", reEncoded)
	}
	if !strings.Contains(reEncoded, "sibling-event") {
		t.Fatalf("re-encoded ICS missing sibling component: %s", reEncoded)
	}
}

func TestRelatedToMultiplicity(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VTODO\r\n" +
		"UID:abc-123\r\n" +
		"SUMMARY:Test task\r\n" +
		"STATUS:NEEDS-ACTION\r\n" +
		"RELATED-TO:parent-uid\r\n" +
		"RELATED-TO;RELTYPE=DEPENDS-ON:dep-1\r\n" +
		"RELATED-TO;RELTYPE=DEPENDS-ON:dep-2\r\n" +
		"RELATED-TO;RELTYPE=DEPENDS-ON:dep-3\r\n" +
		"END:VTODO\r\n" +
		"END:VCALENDAR\r\n"

	tk, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tk.ParentUID != "parent-uid" {
		t.Fatalf("parent uid = %q", tk.ParentUID)
	}
	if len(tk.Dependencies) != 3 {
		t.Fatalf("expected 3 dependencies, got %v", tk.Dependencies)
	}

	ics, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := Decode(ics)
	if err != nil {
		t.Fatalf("Decode round 2: %v", err)
	}
	if len(again.Dependencies) != 3 || again.ParentUID != "parent-uid" {
		t.Fatalf("round trip lost relations: %+v", again)
	}
}

func TestDurationMutualExclusionWithDue(t *testing.T) {
	due := task.New()
	due.Due = nil
	due.EstimatedDurationMinutes = 90
	ics, err := Encode(due)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(ics, "DURATION:") {
		t.Fatalf("expected DURATION when DUE unset: %s", ics)
	}
	if strings.Contains(ics, "X-ESTIMATED-DURATION") {
		t.Fatalf("did not expect X-ESTIMATED-DURATION when DUE unset: %s", ics)
	}
}

func TestCategoriesCommaEscaping(t *testing.T) {
	tk := task.New()
	tk.Categories = []string{"a,b", "c"}
	ics, err := Encode(tk)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(ics, `CATEGORIES:a\,b,c`) {
		t.Fatalf("expected escaped categories line, got: %s", ics)
	}
}
