package meter

import (
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestSeriesValidate_WellFormed_NoError(t *testing.T) {
	s := Series{
		ID:    "m-001",
		Group: Treatment,
		Readings: []Reading{
			{Time: mustTime(t, "2024-01-01T00:00:00Z"), Value: 1.5},
			{Time: mustTime(t, "2024-01-01T01:00:00Z"), Value: 2.0},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSeriesValidate_EmptyID_ReturnsError(t *testing.T) {
	s := Series{Group: Pool}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for empty meter id")
	}
}

func TestSeriesValidate_UnknownGroup_ReturnsError(t *testing.T) {
	s := Series{ID: "m-001", Group: Group("control")}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
	if !strings.Contains(err.Error(), "control") {
		t.Errorf("error should name the bad group, got: %v", err)
	}
}

func TestSeriesValidate_OutOfOrderReadings_ReturnsError(t *testing.T) {
	s := Series{
		ID:    "m-001",
		Group: Pool,
		Readings: []Reading{
			{Time: mustTime(t, "2024-01-02T00:00:00Z"), Value: 1},
			{Time: mustTime(t, "2024-01-01T00:00:00Z"), Value: 2},
		},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for out-of-order readings")
	}
}

func TestSeriesValidate_DuplicateTimestamps_Allowed(t *testing.T) {
	ts := mustTime(t, "2024-01-01T00:00:00Z")
	s := Series{
		ID:    "m-001",
		Group: Pool,
		Readings: []Reading{
			{Time: ts, Value: 1},
			{Time: ts, Value: 2},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("duplicate timestamps should validate, got: %v", err)
	}
}

func TestSpan_EmptySeries_NotOK(t *testing.T) {
	s := Series{ID: "m-001", Group: Pool}
	if _, _, ok := s.Span(); ok {
		t.Fatal("empty series should report ok=false")
	}
}

func TestSpan_ReturnsFirstAndLast(t *testing.T) {
	first := mustTime(t, "2024-01-01T00:00:00Z")
	last := mustTime(t, "2024-03-01T00:00:00Z")
	s := Series{
		ID:    "m-001",
		Group: Pool,
		Readings: []Reading{
			{Time: first, Value: 1},
			{Time: mustTime(t, "2024-02-01T00:00:00Z"), Value: 2},
			{Time: last, Value: 3},
		},
	}
	gotFirst, gotLast, ok := s.Span()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !gotFirst.Equal(first) || !gotLast.Equal(last) {
		t.Errorf("span = [%v, %v], want [%v, %v]", gotFirst, gotLast, first, last)
	}
}

func TestSortByID_OrdersAscending(t *testing.T) {
	series := []Series{
		{ID: "m-3", Group: Pool},
		{ID: "m-1", Group: Treatment},
		{ID: "m-2", Group: Pool},
	}
	SortByID(series)
	want := []string{"m-1", "m-2", "m-3"}
	for i, w := range want {
		if series[i].ID != w {
			t.Errorf("series[%d].ID = %q, want %q", i, series[i].ID, w)
		}
	}
}

func TestSplit_PartitionsByGroupPreservingOrder(t *testing.T) {
	series := []Series{
		{ID: "t-1", Group: Treatment},
		{ID: "p-1", Group: Pool},
		{ID: "t-2", Group: Treatment},
		{ID: "p-2", Group: Pool},
	}
	treatment, pool := Split(series)
	if len(treatment) != 2 || len(pool) != 2 {
		t.Fatalf("split sizes = %d/%d, want 2/2", len(treatment), len(pool))
	}
	if treatment[0].ID != "t-1" || treatment[1].ID != "t-2" {
		t.Errorf("treatment order wrong: %v, %v", treatment[0].ID, treatment[1].ID)
	}
	if pool[0].ID != "p-1" || pool[1].ID != "p-2" {
		t.Errorf("pool order wrong: %v, %v", pool[0].ID, pool[1].ID)
	}
}

func TestDuplicateIDs_FindsRepeats(t *testing.T) {
	series := []Series{
		{ID: "m-1", Group: Treatment},
		{ID: "m-2", Group: Pool},
		{ID: "m-1", Group: Pool},
		{ID: "m-3", Group: Pool},
		{ID: "m-3", Group: Pool},
	}
	dups := DuplicateIDs(series)
	if len(dups) != 2 || dups[0] != "m-1" || dups[1] != "m-3" {
		t.Errorf("duplicates = %v, want [m-1 m-3]", dups)
	}
}

func TestDuplicateIDs_NoneWhenUnique(t *testing.T) {
	series := []Series{
		{ID: "m-1", Group: Treatment},
		{ID: "m-2", Group: Pool},
	}
	if dups := DuplicateIDs(series); len(dups) != 0 {
		t.Errorf("expected no duplicates, got %v", dups)
	}
}
