package main

import (
	"testing"
	"time"

	"github.com/threadsync/threadsync/internal/schema"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("2026-03-01T08:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("RFC 3339: got %v, %v", got, err)
	}

	got, err = parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("yesterday: %v", err)
	}
	if !got.Before(now) || now.Sub(got) > 48*time.Hour {
		t.Errorf("yesterday resolved to %v", got)
	}

	if _, err := parseSince("qwerty", now); err == nil {
		t.Error("expected an error for unparseable input")
	}
}

func TestFilterSince(t *testing.T) {
	base := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	threads := []schema.Thread{
		{ID: "new", LastMessageAt: base.Add(2 * time.Hour)},
		{ID: "edge", LastMessageAt: base},
		{ID: "old", LastMessageAt: base.Add(-time.Hour)},
	}

	if got := filterSince(threads, time.Time{}); len(got) != 3 {
		t.Errorf("zero cutoff kept %d threads", len(got))
	}
	got := filterSince(threads, base)
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "edge" {
		t.Errorf("filtered = %+v", got)
	}
	if threads[2].ID != "old" {
		t.Error("filterSince modified its input")
	}
}
