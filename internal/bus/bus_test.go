package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/schema"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestBus() (*Bus, *clock.Mock) {
	clk := clock.NewMock()
	return NewWithConfig(&Config{Clock: clk, Logger: logging.Nop()}), clk
}

// waitCount polls until the recorder has n events or the deadline passes.
func waitCount(t *testing.T, r *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.count() == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, r.count())
}

// settle gives timer callbacks a chance to run before asserting absence.
func settle() { time.Sleep(20 * time.Millisecond) }

func msgs(n int) []schema.Message {
	out := make([]schema.Message, n)
	for i := range out {
		out[i] = schema.Message{ID: string(rune('a' + i)), ThreadID: "t1", Content: "x"}
	}
	return out
}

func TestCoalescedDeliversLatestOnce(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindMessagesUpdated, r.handle)

	for i := 1; i <= 10; i++ {
		b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(i)})
	}
	settle()
	if r.count() != 0 {
		t.Fatalf("delivered before window elapsed: %d", r.count())
	}

	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 1)

	got := r.last().(MessagesUpdated)
	if len(got.Messages) != 10 {
		t.Errorf("expected latest payload with 10 messages, got %d", len(got.Messages))
	}

	settle()
	if r.count() != 1 {
		t.Errorf("expected exactly one delivery, got %d", r.count())
	}
}

func TestCoalescedSkipsUnchangedFingerprint(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindMessagesUpdated, r.handle)

	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(2)})
	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 1)

	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(2)})
	clk.Add(30 * time.Millisecond)
	settle()
	if r.count() != 1 {
		t.Errorf("unchanged payload delivered again: %d events", r.count())
	}

	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(3)})
	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 2)
}

func TestCoalescedDeliversChangeWithSameShape(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindMessagesUpdated, r.handle)

	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(2), Revision: 4})
	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 1)

	// Same length, last id and content size; only the store moved on.
	edited := msgs(2)
	edited[1].ImageURL = "https://img/1.png"
	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: edited, Revision: 5})
	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 2)

	if got := r.last().(MessagesUpdated).Messages[1].ImageURL; got != "https://img/1.png" {
		t.Errorf("delivered stale payload, image = %q", got)
	}
}

func TestCoalescedThreadRenameBelowNewestTimestamp(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindThreadsUpdated, r.handle)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	threads := []schema.Thread{
		{ID: "a", Title: "old", UpdatedAt: now.Add(-time.Hour)},
		{ID: "b", Title: "newest", UpdatedAt: now},
	}
	b.PublishCoalesced(ThreadsUpdated{Threads: threads, Revision: 1})
	clk.Add(50 * time.Millisecond)
	waitCount(t, r, 1)

	renamed := append([]schema.Thread(nil), threads...)
	renamed[0].Title = "new"
	renamed[0].UpdatedAt = now.Add(-time.Minute)
	b.PublishCoalesced(ThreadsUpdated{Threads: renamed, Revision: 2})
	clk.Add(50 * time.Millisecond)
	waitCount(t, r, 2)
}

func TestCoalescedKeysAreIndependent(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindMessagesUpdated, r.handle)

	b.PublishCoalesced(MessagesUpdated{ThreadID: "t1", Messages: msgs(1)})
	b.PublishCoalesced(MessagesUpdated{ThreadID: "t2", Messages: msgs(1)})
	clk.Add(30 * time.Millisecond)
	waitCount(t, r, 2)
}

func TestPublishImmediateCancelsPending(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindThreadsUpdated, r.handle)

	threads := []schema.Thread{{ID: "t1"}}
	b.PublishCoalesced(ThreadsUpdated{Threads: threads})
	if !b.Pending(KindThreadsUpdated, "") {
		t.Fatal("expected pending notification")
	}

	b.PublishImmediate(ThreadsUpdated{Threads: threads})
	if r.count() != 1 {
		t.Fatalf("immediate publish not dispatched synchronously: %d", r.count())
	}
	if b.Pending(KindThreadsUpdated, "") {
		t.Error("pending notification not cancelled")
	}

	clk.Add(50 * time.Millisecond)
	settle()
	if r.count() != 1 {
		t.Errorf("cancelled notification still delivered: %d events", r.count())
	}

	// The immediate payload updated the skip cache.
	b.PublishCoalesced(ThreadsUpdated{Threads: threads})
	clk.Add(50 * time.Millisecond)
	settle()
	if r.count() != 1 {
		t.Errorf("payload equal to immediate delivery not skipped: %d events", r.count())
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	b, _ := newTestBus()
	r := &recorder{}
	b.Subscribe(KindProjectsUpdated, func(Event) { panic("boom") })
	b.Subscribe(KindProjectsUpdated, r.handle)

	b.Publish(ProjectsUpdated{})

	if r.count() != 1 {
		t.Errorf("second handler not called after panic: %d", r.count())
	}
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus()
	r := &recorder{}
	sub := b.Subscribe(KindStreamingUpdated, r.handle)

	b.Publish(StreamingUpdated{})
	b.Unsubscribe(sub)
	b.Publish(StreamingUpdated{})
	b.Unsubscribe(sub)

	if r.count() != 1 {
		t.Errorf("expected 1 event, got %d", r.count())
	}
}

func TestCloseDropsPending(t *testing.T) {
	b, clk := newTestBus()
	r := &recorder{}
	b.Subscribe(KindSummariesUpdated, r.handle)

	b.PublishCoalesced(SummariesUpdated{ThreadID: "t1"})
	b.Close()
	clk.Add(200 * time.Millisecond)
	b.Publish(SummariesUpdated{ThreadID: "t1"})
	settle()

	if r.count() != 0 {
		t.Errorf("expected no events after Close, got %d", r.count())
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range Kinds {
		name := k.String()
		if name == "unknown" {
			t.Errorf("kind %d has no wire name", k)
		}
		got, ok := ParseKind(name)
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseKind("nope"); ok {
		t.Error("ParseKind accepted unknown name")
	}
}
