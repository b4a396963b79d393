package streaming

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newCoordinator(t *testing.T, cfg *Config) (*Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = logging.Nop()
	c := New(b, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, b
}

// recorder collects bus events of one kind.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func record(b *bus.Bus, kind bus.Kind) *recorder {
	r := &recorder{}
	b.Subscribe(kind, func(e bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestStreamingLifecycle(t *testing.T) {
	mock := clock.NewMock()
	c, b := newCoordinator(t, &Config{Clock: mock})
	started := record(b, bus.KindStreamingStarted)
	updated := record(b, bus.KindStreamingUpdated)
	ended := record(b, bus.KindStreamingEnded)

	c.Begin("t1", "m1")
	c.AppendToken("t1", "m1", "Hel")
	c.AppendToken("t1", "m1", "Hello")

	st, ok := c.State("t1", "m1")
	if !ok || st.Text != "Hello" || st.Done {
		t.Fatalf("unexpected state: %+v (found %v)", st, ok)
	}
	if active := c.Active("t1"); len(active) != 1 || active[0].MessageID != "m1" {
		t.Errorf("unexpected active list: %+v", active)
	}
	if started.len() != 1 || updated.len() != 2 {
		t.Errorf("events: started=%d updated=%d", started.len(), updated.len())
	}

	final := c.End("t1", "m1", "")
	if final.Text != "Hello" || !final.Done {
		t.Errorf("End kept %+v", final)
	}
	if ended.len() != 1 {
		t.Errorf("ended events = %d, want 1", ended.len())
	}
	if active := c.Active("t1"); len(active) != 0 {
		t.Errorf("finished response still active: %+v", active)
	}
	if _, ok := c.State("t1", "m1"); !ok {
		t.Fatal("finished state dropped before retention elapsed")
	}

	mock.Add(6 * time.Second)
	waitFor(t, "retention expiry", func() bool {
		_, ok := c.State("t1", "m1")
		return !ok
	})
}

func TestImplicitBeginPublishesStarted(t *testing.T) {
	c, b := newCoordinator(t, &Config{TabID: "me"})
	started := record(b, bus.KindStreamingStarted)
	ended := record(b, bus.KindStreamingEnded)

	c.AppendToken("t1", "m1", "a")
	c.AppendToken("t1", "m1", "ab")
	c.End("t1", "m1", "")
	if started.len() != 1 || ended.len() != 1 {
		t.Errorf("append without begin: started=%d ended=%d", started.len(), ended.len())
	}

	c.End("t1", "m2", "only end")
	if started.len() != 2 {
		t.Errorf("end without begin: started=%d, want 2", started.len())
	}

	now := time.Now().UTC()
	remote := bus.StreamState{ThreadID: "t1", MessageID: "m3", Text: "x", UpdatedAt: now}
	c.receive(Envelope{State: remote, Timestamp: now, Origin: "other"})
	remote.Text = "xy"
	remote.UpdatedAt = now.Add(time.Millisecond)
	c.receive(Envelope{State: remote, Timestamp: now, Origin: "other"})
	if started.len() != 3 {
		t.Errorf("envelopes from another tab: started=%d, want 3", started.len())
	}
	if e := started.last().(bus.StreamingStarted); e.State.MessageID != "m3" {
		t.Errorf("started for %q, want m3", e.State.MessageID)
	}
}

func TestEndWithFinalText(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	c.AppendToken("t1", "m1", "partial")
	st := c.End("t1", "m1", "complete answer")
	if st.Text != "complete answer" {
		t.Errorf("text = %q", st.Text)
	}
}

func TestLateSubscriberSeesFinalState(t *testing.T) {
	c, _ := newCoordinator(t, &Config{Clock: clock.NewMock()})
	c.AppendToken("t1", "m1", "done text")
	c.End("t1", "m1", "")

	var got []bus.StreamState
	unsubscribe := c.Subscribe("t1", "m1", func(st bus.StreamState) { got = append(got, st) })
	defer unsubscribe()

	if len(got) != 1 || !got[0].Done || got[0].Text != "done text" {
		t.Errorf("late subscriber saw %+v", got)
	}
}

func TestSubscribeThread(t *testing.T) {
	c, _ := newCoordinator(t, nil)

	var mu sync.Mutex
	var seen []string
	unsubscribe := c.SubscribeThread("t1", func(st bus.StreamState) {
		mu.Lock()
		seen = append(seen, st.MessageID+":"+st.Text)
		mu.Unlock()
	})

	c.AppendToken("t1", "m1", "a")
	c.AppendToken("t1", "m2", "b")
	c.AppendToken("t2", "m3", "ignored")
	unsubscribe()
	c.AppendToken("t1", "m1", "after")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"m1:a", "m2:b"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("seen %v, want %v", seen, want)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	calls := 0
	c.Subscribe("t1", "m1", func(bus.StreamState) { panic("boom") })
	c.Subscribe("t1", "m1", func(bus.StreamState) { calls++ })

	c.AppendToken("t1", "m1", "x")
	if calls != 1 {
		t.Errorf("second handler calls = %d, want 1", calls)
	}
}

func TestHubBroadcastAcrossTabs(t *testing.T) {
	hub := NewHub()
	a, busA := newCoordinator(t, &Config{TabID: "tab-a", Channel: hub.Channel()})
	b, busB := newCoordinator(t, &Config{TabID: "tab-b", Channel: hub.Channel()})
	selfA := record(busA, bus.KindStreamingBroadcast)
	fromA := record(busB, bus.KindStreamingBroadcast)

	a.AppendToken("t1", "m1", "shared text")
	waitFor(t, "broadcast on tab b", func() bool {
		st, ok := b.State("t1", "m1")
		return ok && st.Text == "shared text"
	})

	waitFor(t, "broadcast event", func() bool { return fromA.len() > 0 })
	if e := fromA.last().(bus.StreamingBroadcast); e.Origin != "tab-a" {
		t.Errorf("origin = %q, want tab-a", e.Origin)
	}

	a.End("t1", "m1", "")
	waitFor(t, "end on tab b", func() bool {
		st, _ := b.State("t1", "m1")
		return st.Done
	})
	if selfA.len() != 0 {
		t.Errorf("tab a applied %d of its own envelopes", selfA.len())
	}
}

func TestReceiveDiscardsSelfAndStale(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	c, b := newCoordinator(t, &Config{TabID: "me", Clock: mock})
	applied := record(b, bus.KindStreamingBroadcast)

	now := mock.Now()
	state := bus.StreamState{ThreadID: "t1", MessageID: "m1", Text: "x", UpdatedAt: now}

	c.receive(Envelope{State: state, Timestamp: now, Origin: "me"})
	c.receive(Envelope{State: state, Timestamp: now.Add(-6 * time.Second), Origin: "other"})
	if _, ok := c.State("t1", "m1"); ok || applied.len() != 0 {
		t.Fatal("self-originated or stale envelope was applied")
	}

	c.receive(Envelope{State: state, Timestamp: now.Add(-time.Second), Origin: "other"})
	if st, ok := c.State("t1", "m1"); !ok || st.Text != "x" {
		t.Errorf("fresh envelope not applied: %+v", st)
	}

	older := state
	older.Text = "older"
	older.UpdatedAt = now.Add(-2 * time.Second)
	c.receive(Envelope{State: older, Timestamp: now, Origin: "other"})
	if st, _ := c.State("t1", "m1"); st.Text != "x" {
		t.Errorf("out-of-order envelope overwrote newer state: %q", st.Text)
	}
}

func TestFileChannelAcrossTabs(t *testing.T) {
	dir := t.TempDir()
	open := func() *FileChannel {
		fc, err := NewFileChannel(dir, &FileChannelConfig{RemoveAfter: 50 * time.Millisecond, Logger: logging.Nop()})
		if err != nil {
			t.Fatalf("NewFileChannel failed: %v", err)
		}
		t.Cleanup(func() { _ = fc.Close() })
		return fc
	}

	a, _ := newCoordinator(t, &Config{TabID: "tab-a", Channel: open()})
	b, _ := newCoordinator(t, &Config{TabID: "tab-b", Channel: open()})

	a.AppendToken("t1", "m1", "over the filesystem")
	waitFor(t, "file envelope on tab b", func() bool {
		st, ok := b.State("t1", "m1")
		return ok && st.Text == "over the filesystem"
	})

	waitFor(t, "envelope files removed", func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) == envelopeExt {
				return false
			}
		}
		return true
	})
}

func TestFileChannelSingleListener(t *testing.T) {
	fc, err := NewFileChannel(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileChannel failed: %v", err)
	}
	defer fc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fc.Listen(ctx, func(Envelope) {}); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := fc.Listen(ctx, func(Envelope) {}); err == nil {
		t.Error("expected a second listener to be refused")
	}
}

func TestRedisChannelRequiresServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := NewRedisChannel(ctx, "", "", nil); err == nil {
		t.Error("expected an error for an empty address")
	}
	if _, err := NewRedisChannel(ctx, "127.0.0.1:1", "", nil); err == nil {
		t.Error("expected an error when no server is listening")
	}
}
