package subscriber

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/store"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "threadsync.db"), &store.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newSubscriber(t *testing.T, rs remote.Store, cfg *Config) (*Subscriber, *store.Store) {
	t.Helper()
	st := openStore(t)
	b := bus.New()
	t.Cleanup(b.Close)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = logging.Nop()
	s := New(st, rs, b, cfg)
	t.Cleanup(s.UnsubscribeAll)
	return s, st
}

func subscribed(t *testing.T, rs remote.Store) (*Subscriber, *store.Store) {
	t.Helper()
	s, st := newSubscriber(t, rs, nil)
	if err := s.SubscribeAll(context.Background(), "u1"); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	return s, st
}

func thread(id, owner, project string) schema.Thread {
	return schema.Thread{
		ID:            id,
		Title:         "Thread " + id,
		OwnerID:       owner,
		CreatedAt:     base,
		UpdatedAt:     base,
		LastMessageAt: base,
		ProjectID:     project,
	}
}

func message(id, threadID, owner, content string, at time.Duration) schema.Message {
	return schema.Message{
		ID:        id,
		ThreadID:  threadID,
		OwnerID:   owner,
		Role:      schema.RoleUser,
		Content:   content,
		CreatedAt: base.Add(at),
	}
}

func create(t *testing.T, mem *remote.Memory, collection, id string, fields any) {
	t.Helper()
	if _, err := mem.Create(context.Background(), collection, id, fields); err != nil {
		t.Fatalf("remote create %s/%s failed: %v", collection, id, err)
	}
}

func TestSubscribeAllAndUnsubscribeAll(t *testing.T) {
	mem := remote.NewMemory()
	s, _ := subscribed(t, mem)

	for _, c := range schema.TrackedCollections {
		if n := mem.Subscribers(c); n != 1 {
			t.Errorf("%s subscribers = %d, want 1", c, n)
		}
	}
	if err := s.SubscribeAll(context.Background(), "u1"); err == nil {
		t.Error("expected a second SubscribeAll to fail")
	}

	s.UnsubscribeAll()
	for _, c := range schema.TrackedCollections {
		if n := mem.Subscribers(c); n != 0 {
			t.Errorf("%s subscribers after UnsubscribeAll = %d, want 0", c, n)
		}
	}
	if s.Owner() != "" {
		t.Errorf("owner = %q after UnsubscribeAll", s.Owner())
	}
}

func TestCreatedEchoIsNoop(t *testing.T) {
	mem := remote.NewMemory()
	_, st := subscribed(t, mem)

	local := thread("t1", "u1", "")
	local.Title = "local title"
	if err := st.PutThread(local); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}

	echo := thread("t1", "u1", "")
	echo.Title = "remote title"
	create(t, mem, schema.CollectionThreads, "t1", echo)

	got, _ := st.Thread("t1")
	if got.Title != "local title" {
		t.Errorf("echo overwrote local thread: title = %q", got.Title)
	}
}

func TestUpdatedAndDeletedApply(t *testing.T) {
	mem := remote.NewMemory()
	_, st := subscribed(t, mem)
	ctx := context.Background()

	create(t, mem, schema.CollectionThreads, "t1", thread("t1", "u1", ""))
	create(t, mem, schema.CollectionMessages, "m1", message("m1", "t1", "u1", "hi", 0))
	if _, ok := st.Thread("t1"); !ok {
		t.Fatal("created thread not merged")
	}

	if _, err := mem.Update(ctx, schema.CollectionThreads, "t1", map[string]any{"title": "renamed"}); err != nil {
		t.Fatalf("remote update failed: %v", err)
	}
	if got, _ := st.Thread("t1"); got.Title != "renamed" {
		t.Errorf("title = %q, want %q", got.Title, "renamed")
	}

	if err := mem.Delete(ctx, schema.CollectionThreads, "t1"); err != nil {
		t.Fatalf("remote delete failed: %v", err)
	}
	if _, ok := st.Thread("t1"); ok {
		t.Error("thread still stored after remote delete")
	}
	if n := len(st.Messages("t1")); n != 0 {
		t.Errorf("messages after remote delete = %d, want 0", n)
	}
}

func TestAccessFilter(t *testing.T) {
	mem := remote.NewMemory()
	_, st := subscribed(t, mem)

	// A project owned by someone else that u1 is a member of, and one
	// that u1 has no relation to.
	create(t, mem, schema.CollectionMembers, "pm1", schema.ProjectMember{ID: "pm1", ProjectID: "shared", UserID: "u1"})
	create(t, mem, schema.CollectionProjects, "shared", schema.Project{ID: "shared", OwnerID: "u2", Name: "Shared", CreatedAt: base, UpdatedAt: base})
	create(t, mem, schema.CollectionProjects, "private", schema.Project{ID: "private", OwnerID: "u3", Name: "Private", CreatedAt: base, UpdatedAt: base})

	create(t, mem, schema.CollectionThreads, "mine", thread("mine", "u1", ""))
	create(t, mem, schema.CollectionThreads, "stranger", thread("stranger", "u2", ""))
	create(t, mem, schema.CollectionThreads, "member", thread("member", "u2", "shared"))
	create(t, mem, schema.CollectionThreads, "outsider", thread("outsider", "u3", "private"))
	create(t, mem, schema.CollectionMessages, "m1", message("m1", "member", "u2", "visible", 0))
	create(t, mem, schema.CollectionMessages, "m2", message("m2", "outsider", "u3", "hidden", 0))

	var ids []string
	for _, th := range st.Threads() {
		ids = append(ids, th.ID)
	}
	if diff := cmp.Diff([]string{"member", "mine"}, sorted(ids)); diff != "" {
		t.Errorf("accepted threads mismatch (-want +got):\n%s", diff)
	}
	if n := len(st.Messages("member")); n != 1 {
		t.Errorf("member thread messages = %d, want 1", n)
	}
	if _, ok := st.Message("m2"); ok {
		t.Error("message of an inaccessible project was merged")
	}
	if _, ok := st.Project("shared"); !ok {
		t.Error("shared project not merged")
	}
	if _, ok := st.Project("private"); ok {
		t.Error("private project of a stranger was merged")
	}
}

func TestMessageOfRemoteOnlyThreadUsesRemoteProject(t *testing.T) {
	mem := remote.NewMemory()
	s, st := newSubscriber(t, mem, nil)

	create(t, mem, schema.CollectionMembers, "pm1", schema.ProjectMember{ID: "pm1", ProjectID: "shared", UserID: "u1"})
	create(t, mem, schema.CollectionProjects, "shared", schema.Project{ID: "shared", OwnerID: "u2", Name: "Shared", CreatedAt: base, UpdatedAt: base})
	create(t, mem, schema.CollectionThreads, "t1", thread("t1", "u2", "shared"))

	if err := s.SubscribeAll(context.Background(), "u1"); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	create(t, mem, schema.CollectionMessages, "m1", message("m1", "t1", "u2", "hello", 0))

	if _, ok := st.Message("m1"); !ok {
		t.Error("message of a shared remote-only thread was rejected")
	}
}

func TestLogicalDuplicateMessageIgnored(t *testing.T) {
	mem := remote.NewMemory()
	_, st := subscribed(t, mem)

	if err := st.PutThread(thread("t1", "u1", "")); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}
	if _, _, err := st.PutMessage(message("local", "t1", "u1", "same words", 0)); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	create(t, mem, schema.CollectionMessages, "remote", message("remote", "t1", "u1", "same words", 400*time.Millisecond))

	msgs := st.Messages("t1")
	if len(msgs) != 1 || msgs[0].ID != "local" {
		t.Errorf("expected only the local copy, got %+v", msgs)
	}
}

func TestMalformedFieldsRepairedOrDropped(t *testing.T) {
	mem := remote.NewMemory()
	_, st := subscribed(t, mem)

	create(t, mem, schema.CollectionMessages, "m1", map[string]any{
		"id":          "m1",
		"thread_id":   "t1",
		"owner_id":    "u1",
		"role":        "user",
		"content":     "see attached",
		"created_at":  base.Format(time.RFC3339Nano),
		"attachments": `[{"name": "a.png", "url": "https://files/a.png",}]`,
		"search_urls": 42,
	})

	got, ok := st.Message("m1")
	if !ok {
		t.Fatal("message with malformed fields was not merged")
	}
	want := []schema.Attachment{{Name: "a.png", URL: "https://files/a.png"}}
	if diff := cmp.Diff(want, got.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
	if got.SearchURLs != nil {
		t.Errorf("unrepairable search_urls kept: %v", got.SearchURLs)
	}
}

func TestRepairField(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"array", `["a"]`, `["a"]`, true},
		{"null", `null`, `null`, true},
		{"encoded array", `"[\"a\",\"b\"]"`, `["a","b"]`, true},
		{"empty string", `""`, `null`, true},
		{"number", `7`, ``, false},
		{"plain text", `"hello"`, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := repairField([]byte(tt.in))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPullPagesOwnRecords(t *testing.T) {
	mem := remote.NewMemory()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		th := thread(id, "u1", "")
		th.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		create(t, mem, schema.CollectionThreads, id, th)
	}
	create(t, mem, schema.CollectionThreads, "other", thread("other", "u2", ""))

	s, st := newSubscriber(t, mem, &Config{PageSize: 2})
	if err := s.Pull(context.Background()); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner before subscribing, got %v", err)
	}
	if err := s.SubscribeAll(context.Background(), "u1"); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	if err := s.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if n := len(st.Threads()); n != 5 {
		t.Errorf("pulled threads = %d, want 5", n)
	}
	if _, ok := st.Thread("other"); ok {
		t.Error("pulled a thread of another user")
	}
}

func TestPullKeepsNewerLocalCopy(t *testing.T) {
	mem := remote.NewMemory()
	create(t, mem, schema.CollectionThreads, "t1", thread("t1", "u1", ""))

	s, st := subscribed(t, mem)
	newer := thread("t1", "u1", "")
	newer.Title = "edited offline"
	newer.UpdatedAt = base.Add(time.Hour)
	if err := st.PutThread(newer); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}

	if err := s.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got, _ := st.Thread("t1"); got.Title != "edited offline" {
		t.Errorf("pull overwrote a newer local copy: title = %q", got.Title)
	}
}

func TestPullIncludesSharedProjects(t *testing.T) {
	mem := remote.NewMemory()
	create(t, mem, schema.CollectionMembers, "pm1", schema.ProjectMember{ID: "pm1", ProjectID: "shared", UserID: "u1"})
	create(t, mem, schema.CollectionProjects, "shared", schema.Project{ID: "shared", OwnerID: "u2", Name: "Shared", CreatedAt: base, UpdatedAt: base})
	create(t, mem, schema.CollectionThreads, "t1", thread("t1", "u2", "shared"))
	create(t, mem, schema.CollectionMessages, "m1", message("m1", "t1", "u2", "hello", 0))

	s, st := subscribed(t, mem)
	if err := s.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if _, ok := st.Project("shared"); !ok {
		t.Error("shared project not pulled")
	}
	if _, ok := st.Thread("t1"); !ok {
		t.Error("shared thread not pulled")
	}
	if n := len(st.Messages("t1")); n != 1 {
		t.Errorf("shared thread messages = %d, want 1", n)
	}
}

// capture records feed handlers without connecting them, so tests can
// deliver events by hand.
type capture struct {
	*remote.Memory

	mu       sync.Mutex
	handlers map[string]remote.Handler
}

func (c *capture) Subscribe(ctx context.Context, collection string, h remote.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]remote.Handler)
	}
	c.handlers[collection] = h
	return func() {}, nil
}

func (c *capture) deliver(e remote.Event) {
	c.mu.Lock()
	h := c.handlers[e.Collection]
	c.mu.Unlock()
	h(e)
}

func TestResyncBackfillsCollection(t *testing.T) {
	rs := &capture{Memory: remote.NewMemory()}
	_, st := subscribed(t, rs)

	// Changes made while the feed was down never reach the handler.
	create(t, rs.Memory, schema.CollectionThreads, "missed", thread("missed", "u1", ""))
	if _, ok := st.Thread("missed"); ok {
		t.Fatal("change delivered without a feed")
	}

	rs.deliver(remote.Event{Type: remote.EventResync, Collection: schema.CollectionThreads})
	if _, ok := st.Thread("missed"); !ok {
		t.Error("resync did not backfill the collection")
	}
}

func TestRemoteMergeNeverWritesBack(t *testing.T) {
	mem := remote.NewMemory()
	_, _ = subscribed(t, mem)

	create(t, mem, schema.CollectionThreads, "t1", thread("t1", "u1", ""))
	calls := mem.Calls()
	if len(calls) != 1 {
		t.Errorf("remote calls = %v, want only the test's own create", calls)
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
