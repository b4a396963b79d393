package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/schema"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts *Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threadsync.db")
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = logging.Nop()
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func thread(id string, last time.Duration) schema.Thread {
	return schema.Thread{
		ID:            id,
		Title:         "Thread " + id,
		OwnerID:       "u1",
		CreatedAt:     base,
		UpdatedAt:     base,
		LastMessageAt: base.Add(last),
	}
}

func message(id, threadID, content string, at time.Duration) schema.Message {
	return schema.Message{
		ID:        id,
		ThreadID:  threadID,
		OwnerID:   "u1",
		Role:      schema.RoleUser,
		Content:   content,
		CreatedAt: base.Add(at),
	}
}

func threadIDs(threads []schema.Thread) []string {
	ids := make([]string, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
	}
	return ids
}

func TestThreadOrderAfterPin(t *testing.T) {
	s, _ := openTestStore(t, nil)

	for _, th := range []schema.Thread{thread("a", time.Minute), thread("b", 2*time.Minute), thread("c", 3*time.Minute)} {
		if err := s.PutThread(th); err != nil {
			t.Fatalf("PutThread(%s) failed: %v", th.ID, err)
		}
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, threadIDs(s.Threads())); diff != "" {
		t.Fatalf("initial order mismatch (-want +got):\n%s", diff)
	}

	pinned := true
	ok, err := s.UpdateThread("a", schema.ThreadPatch{IsPinned: &pinned})
	if err != nil || !ok {
		t.Fatalf("UpdateThread = %v, %v", ok, err)
	}
	if diff := cmp.Diff([]string{"a", "c", "b"}, threadIDs(s.Threads())); diff != "" {
		t.Errorf("order after pin mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateMissingIsNoop(t *testing.T) {
	s, _ := openTestStore(t, nil)

	title := "x"
	ok, err := s.UpdateThread("missing", schema.ThreadPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateThread returned error: %v", err)
	}
	if ok {
		t.Error("expected false for missing thread")
	}
	if len(s.Threads()) != 0 {
		t.Errorf("expected no threads, got %d", len(s.Threads()))
	}
}

func TestDeleteThreadCascades(t *testing.T) {
	s, _ := openTestStore(t, nil)

	if err := s.PutThread(thread("t1", 0)); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}
	if err := s.PutThread(thread("t2", 0)); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}
	for i, content := range []string{"one", "two", "three"} {
		if _, _, err := s.PutMessage(message(content, "t1", content, time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("PutMessage failed: %v", err)
		}
	}
	if _, _, err := s.PutMessage(message("other", "t2", "keep", 0)); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	if err := s.PutSummary(schema.Summary{ID: "s1", ThreadID: "t1", MessageID: "one", OwnerID: "u1", Content: "sum", CreatedAt: base}); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}
	if err := s.PutArtifact(schema.Artifact{ID: "a1", ThreadID: "t1", MessageID: "two", Title: "plan", Version: 1, CreatedAt: base}); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}

	found, err := s.DeleteThread("t1")
	if err != nil || !found {
		t.Fatalf("DeleteThread = %v, %v", found, err)
	}

	if _, ok := s.Thread("t1"); ok {
		t.Error("thread t1 still present")
	}
	if n := len(s.Messages("t1")); n != 0 {
		t.Errorf("expected 0 messages for t1, got %d", n)
	}
	if n := len(s.Summaries("t1")); n != 0 {
		t.Errorf("expected 0 summaries for t1, got %d", n)
	}
	if n := len(s.Artifacts("t1")); n != 0 {
		t.Errorf("expected 0 artifacts for t1, got %d", n)
	}
	if n := len(s.Messages("t2")); n != 1 {
		t.Errorf("expected t2 messages untouched, got %d", n)
	}
}

func TestPutMessageDeduplicates(t *testing.T) {
	s, _ := openTestStore(t, nil)

	first := message("m1", "t1", "hello", 0)
	if _, dup, err := s.PutMessage(first); err != nil || dup {
		t.Fatalf("first PutMessage = dup %v, err %v", dup, err)
	}

	tests := []struct {
		name    string
		msg     schema.Message
		wantDup bool
	}{
		{"same id replaces", message("m1", "t1", "hello", 0), false},
		{"logical duplicate", message("m2", "t1", "hello", 500*time.Millisecond), true},
		{"outside window", message("m3", "t1", "hello", 2*time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, dup, err := s.PutMessage(tt.msg)
			if err != nil {
				t.Fatalf("PutMessage failed: %v", err)
			}
			if dup != tt.wantDup {
				t.Errorf("dup = %v, want %v", dup, tt.wantDup)
			}
			if tt.wantDup && stored.ID != "m1" {
				t.Errorf("expected existing copy m1, got %s", stored.ID)
			}
		})
	}

	if n := len(s.Messages("t1")); n != 2 {
		t.Errorf("expected 2 stored messages, got %d", n)
	}
}

func TestDeleteMessageRemovesSummaries(t *testing.T) {
	s, _ := openTestStore(t, nil)

	if _, _, err := s.PutMessage(message("m1", "t1", "a", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSummary(schema.Summary{ID: "s1", ThreadID: "t1", MessageID: "m1", Content: "a"}); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.DeleteMessage("m1"); err != nil || !ok {
		t.Fatalf("DeleteMessage = %v, %v", ok, err)
	}
	if _, ok := s.Summary("s1"); ok {
		t.Error("summary of deleted message still present")
	}
}

func TestDeleteTrailingMessages(t *testing.T) {
	s, _ := openTestStore(t, nil)

	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		if _, _, err := s.PutMessage(message(id, "t1", id, time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.DeleteTrailingMessages("t1", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteTrailingMessages failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m3", "m4"}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if n := len(s.Messages("t1")); n != 2 {
		t.Errorf("expected 2 remaining messages, got %d", n)
	}
}

func TestDeleteProjectDetachesThreads(t *testing.T) {
	s, _ := openTestStore(t, nil)

	if err := s.PutProject(schema.Project{ID: "p1", OwnerID: "u1", Name: "Work", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatal(err)
	}
	th := thread("t1", 0)
	th.ProjectID = "p1"
	if err := s.PutThread(th); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.DeleteProject("p1"); err != nil || !ok {
		t.Fatalf("DeleteProject = %v, %v", ok, err)
	}
	got, ok := s.Thread("t1")
	if !ok {
		t.Fatal("thread removed with project")
	}
	if got.ProjectID != "" {
		t.Errorf("expected detached thread, got project %q", got.ProjectID)
	}
}

func TestArtifactVersions(t *testing.T) {
	s, _ := openTestStore(t, nil)

	arts := []schema.Artifact{
		{ID: "v1", ThreadID: "t1", Title: "plan", Version: 1, CreatedAt: base},
		{ID: "v2", ThreadID: "t1", Title: "plan", Version: 2, ParentID: "v1", CreatedAt: base.Add(time.Minute)},
		{ID: "v3", ThreadID: "t1", Title: "plan", Version: 3, ParentID: "v2", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "other", ThreadID: "t1", Title: "other", Version: 1, CreatedAt: base},
	}
	for _, a := range arts {
		if err := s.PutArtifact(a); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	for _, a := range s.ArtifactVersions("v2") {
		ids = append(ids, a.ID)
	}
	if diff := cmp.Diff([]string{"v1", "v2", "v3"}, ids); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}
}

func TestQuotaFailureLeavesStateIntact(t *testing.T) {
	s, path := openTestStore(t, &Options{MaxSlotBytes: 2048})

	if err := s.PutThread(thread("small", 0)); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}

	big := thread("big", time.Minute)
	for i := 0; i < 200; i++ {
		big.Tags = append(big.Tags, strings.Repeat("x", 20))
	}
	err := s.PutThread(big)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	if diff := cmp.Diff([]string{"small"}, threadIDs(s.Threads())); diff != "" {
		t.Errorf("in-memory state changed (-want +got):\n%s", diff)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(path, &Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if diff := cmp.Diff([]string{"small"}, threadIDs(reopened.Threads())); diff != "" {
		t.Errorf("persisted state changed (-want +got):\n%s", diff)
	}
}

func TestRevisionTracksCommittedWrites(t *testing.T) {
	s, _ := openTestStore(t, &Options{MaxSlotBytes: 2048})

	if r := s.Revision(schema.CollectionThreads); r != 0 {
		t.Fatalf("fresh revision = %d", r)
	}
	if err := s.PutThread(thread("t1", 0)); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}
	r1 := s.Revision(schema.CollectionThreads)
	if r1 == 0 {
		t.Fatal("revision did not move after a write")
	}

	big := thread("big", time.Minute)
	for i := 0; i < 200; i++ {
		big.Tags = append(big.Tags, strings.Repeat("x", 20))
	}
	if err := s.PutThread(big); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if r := s.Revision(schema.CollectionThreads); r != r1 {
		t.Errorf("dropped write moved the revision: %d -> %d", r1, r)
	}
	if r := s.Revision(schema.CollectionMessages); r != 0 {
		t.Errorf("untouched collection revision = %d", r)
	}
}

func TestPendingOpsKeepDispatchedFlag(t *testing.T) {
	s, path := openTestStore(t, nil)

	op := OpRecord{ID: "01A", Collection: "threads", Kind: "create", EntityID: "t1", CreatedAt: base}
	if err := s.SaveOp(op); err != nil {
		t.Fatalf("SaveOp failed: %v", err)
	}
	op.Dispatched = true
	if err := s.SaveOp(op); err != nil {
		t.Fatalf("SaveOp failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, &Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	ops, err := reopened.PendingOps()
	if err != nil {
		t.Fatalf("PendingOps failed: %v", err)
	}
	if len(ops) != 1 || !ops[0].Dispatched {
		t.Errorf("pending ops = %+v", ops)
	}
}

func TestMigrateAddsDispatchedColumn(t *testing.T) {
	s, _ := openTestStore(t, nil)

	if _, err := s.conn.Exec(`DROP TABLE pending_ops`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.conn.Exec(`
	CREATE TABLE pending_ops (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`); err != nil {
		t.Fatal(err)
	}

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := s.SaveOp(OpRecord{ID: "01A", Collection: "threads", Kind: "delete", EntityID: "t1", CreatedAt: base, Dispatched: true}); err != nil {
		t.Fatalf("SaveOp after migration failed: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s, path := openTestStore(t, nil)

	if err := s.SetCurrentUser("u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PutThread(thread("t1", 0)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.PutMessage(message("m1", "t1", "hi", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, &Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := reopened.CurrentUser(); got != "u1" {
		t.Errorf("CurrentUser = %q, want u1", got)
	}
	if _, ok := reopened.Thread("t1"); !ok {
		t.Error("thread not persisted")
	}
	msgs := reopened.Messages("t1")
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("unexpected messages after reopen: %+v", msgs)
	}
}

func TestPendingOpsAndDeadLetters(t *testing.T) {
	s, _ := openTestStore(t, nil)

	ops := []OpRecord{
		{ID: "01A", Collection: "threads", Kind: "create", EntityID: "t1", Payload: []byte(`{"id":"t1"}`), CreatedAt: base},
		{ID: "01B", Collection: "threads", Kind: "update", EntityID: "t1", Payload: []byte(`{"title":"x"}`), CreatedAt: base},
		{ID: "01C", Collection: "threads", Kind: "delete", EntityID: "t2", CreatedAt: base},
	}
	for _, op := range ops {
		if err := s.SaveOp(op); err != nil {
			t.Fatalf("SaveOp failed: %v", err)
		}
	}

	ops[0].Attempts = 2
	if err := s.SaveOp(ops[0]); err != nil {
		t.Fatalf("SaveOp update failed: %v", err)
	}
	if err := s.DeleteOp("01B"); err != nil {
		t.Fatalf("DeleteOp failed: %v", err)
	}

	pending, err := s.PendingOps()
	if err != nil {
		t.Fatalf("PendingOps failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "01A" || pending[1].ID != "01C" {
		t.Fatalf("unexpected pending ops: %+v", pending)
	}
	if pending[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", pending[0].Attempts)
	}
	if pending[1].Payload != nil {
		t.Errorf("expected nil payload for delete, got %s", pending[1].Payload)
	}

	if err := s.SaveDeadLetter(DeadLetter{OpRecord: pending[0], LastError: "boom", FailedAt: base}); err != nil {
		t.Fatalf("SaveDeadLetter failed: %v", err)
	}
	dead, err := s.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "boom" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	pending, _ = s.PendingOps()
	if len(pending) != 1 {
		t.Errorf("expected dead op removed from queue, got %d pending", len(pending))
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.PendingOps != 1 || st.DeadLetters != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestClear(t *testing.T) {
	s, _ := openTestStore(t, nil)

	_ = s.SetCurrentUser("u1")
	_ = s.PutThread(thread("t1", 0))
	_ = s.SaveOp(OpRecord{ID: "01A", Collection: "threads", Kind: "create", EntityID: "t1", CreatedAt: base})

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if len(s.Threads()) != 0 || s.CurrentUser() != "" {
		t.Error("store not cleared")
	}
	if ops, _ := s.PendingOps(); len(ops) != 0 {
		t.Errorf("expected empty queue, got %d", len(ops))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := openTestStore(t, nil)

	color := 3
	_ = src.PutProject(schema.Project{ID: "p1", OwnerID: "u1", Name: "Work", ColorIndex: &color, CreatedAt: base, UpdatedAt: base})
	th := thread("t1", time.Minute)
	th.ProjectID = "p1"
	th.Tags = []string{"go"}
	_ = src.PutThread(th)
	_, _, _ = src.PutMessage(message("m1", "t1", "hi", 0))
	_ = src.PutSummary(schema.Summary{ID: "s1", ThreadID: "t1", MessageID: "m1", Content: "greeting", CreatedAt: base})
	_ = src.PutArtifact(schema.Artifact{ID: "a1", ThreadID: "t1", Title: "plan", Version: 1, CreatedAt: base})

	var buf bytes.Buffer
	n, err := src.Export(&buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 5 {
		t.Errorf("exported %d lines, want 5", n)
	}

	buf.WriteString(`{"collection":"unknown","record":{}}` + "\n")

	dst, _ := openTestStore(t, nil)
	result, err := dst.Import(&buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}

	if diff := cmp.Diff(src.Threads(), dst.Threads()); diff != "" {
		t.Errorf("threads mismatch (-src +dst):\n%s", diff)
	}
	if diff := cmp.Diff(src.Projects(), dst.Projects()); diff != "" {
		t.Errorf("projects mismatch (-src +dst):\n%s", diff)
	}
	if diff := cmp.Diff(src.Messages("t1"), dst.Messages("t1")); diff != "" {
		t.Errorf("messages mismatch (-src +dst):\n%s", diff)
	}
	if diff := cmp.Diff(src.Summaries("t1"), dst.Summaries("t1")); diff != "" {
		t.Errorf("summaries mismatch (-src +dst):\n%s", diff)
	}
	if diff := cmp.Diff(src.Artifacts("t1"), dst.Artifacts("t1")); diff != "" {
		t.Errorf("artifacts mismatch (-src +dst):\n%s", diff)
	}
}
