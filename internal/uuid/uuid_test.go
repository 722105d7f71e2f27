package uuid

import (
	"regexp"
	"sort"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()

	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewSortable verifies ULIDs sort in creation order and carry their time.
func TestNewSortable(t *testing.T) {
	before := time.Now().Add(-time.Second)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, NewSortable())
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ULIDs not sorted by creation: %v", ids)
	}

	ts, err := SortableTime(ids[0])
	if err != nil {
		t.Fatalf("SortableTime() failed: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("SortableTime() = %v, outside expected window", ts)
	}
}

// TestSortableTime_Invalid verifies malformed ULIDs are rejected.
func TestSortableTime_Invalid(t *testing.T) {
	if _, err := SortableTime("not-a-ulid"); err == nil {
		t.Error("SortableTime() should fail for malformed input")
	}
}
