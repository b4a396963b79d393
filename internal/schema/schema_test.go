package schema

import (
	"testing"
	"time"
)

func TestSortThreads(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	threads := []Thread{
		{ID: "old", LastMessageAt: base},
		{ID: "new", LastMessageAt: base.Add(2 * time.Hour)},
		{ID: "pinned-old", IsPinned: true, LastMessageAt: base.Add(-time.Hour)},
		{ID: "mid", LastMessageAt: base.Add(time.Hour)},
	}

	SortThreads(threads)

	want := []string{"pinned-old", "new", "mid", "old"}
	for i, id := range want {
		if threads[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, threads[i].ID)
		}
	}
}

func TestIsDuplicate(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a := Message{ID: "a", ThreadID: "t1", Role: RoleUser, Content: "hi", CreatedAt: now}

	tests := []struct {
		name string
		b    Message
		want bool
	}{
		{"same content within window", Message{ID: "b", ThreadID: "t1", Role: RoleUser, Content: "hi", CreatedAt: now.Add(900 * time.Millisecond)}, true},
		{"earlier within window", Message{ID: "b", ThreadID: "t1", Role: RoleUser, Content: "hi", CreatedAt: now.Add(-500 * time.Millisecond)}, true},
		{"outside window", Message{ID: "b", ThreadID: "t1", Role: RoleUser, Content: "hi", CreatedAt: now.Add(time.Second)}, false},
		{"different role", Message{ID: "b", ThreadID: "t1", Role: RoleAssistant, Content: "hi", CreatedAt: now}, false},
		{"different thread", Message{ID: "b", ThreadID: "t2", Role: RoleUser, Content: "hi", CreatedAt: now}, false},
		{"different content", Message{ID: "b", ThreadID: "t1", Role: RoleUser, Content: "hello", CreatedAt: now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicate(a, tt.b); got != tt.want {
				t.Errorf("IsDuplicate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThreadPatch(t *testing.T) {
	pinned := true
	tags := []string{"x"}
	th := Thread{ID: "t1", Title: "a"}

	p := ThreadPatch{IsPinned: &pinned, Tags: &tags}
	p.Apply(&th)

	if !th.IsPinned || len(th.Tags) != 1 || th.Tags[0] != "x" {
		t.Fatalf("patch not applied: %+v", th)
	}
	if !p.Structural() {
		t.Error("pin/tag patch should be structural")
	}

	tags[0] = "mutated"
	if th.Tags[0] != "x" {
		t.Error("patch tags should be copied, not aliased")
	}

	title := "b"
	if (ThreadPatch{Title: &title}).Structural() {
		t.Error("title patch should not be structural")
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	m := Message{ID: "m1", ThreadID: "t1", Role: "robot", CreatedAt: now}
	if err := m.Validate(); err == nil {
		t.Error("expected invalid role error")
	}

	th := Thread{ID: "t1", CreatedAt: now}
	if err := th.Validate(); err == nil {
		t.Error("expected missing owner error")
	}

	a := Artifact{ID: "a1", ThreadID: "t1"}
	if err := a.Validate(); err == nil {
		t.Error("expected version error")
	}
}
