// Package store provides the device-local durable cache of chat state.
//
// The store keeps the current view of every collection in memory, in the
// order consumers read it, and persists each collection as one serialized
// slot in an embedded SQLite file. All access is synchronous and serialized;
// there is no network here.
//
// Architecture:
//   - Database file: <data dir>/threadsync.db (WAL mode)
//   - Table slots: one row per collection holding a JSON list
//   - Tables pending_ops, dead_letters: the sync orchestrator's queue
//
// Every mutation builds the next collection, persists it, and only then
// swaps it into memory. A failed write (quota, serialization, SQL) is
// logged and returned and leaves both memory and disk as they were.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/schema"
)

// Slot names. Collections share their remote names.
const (
	slotThreads     = schema.CollectionThreads
	slotMessages    = schema.CollectionMessages
	slotSummaries   = schema.CollectionSummaries
	slotProjects    = schema.CollectionProjects
	slotArtifacts   = schema.CollectionArtifacts
	slotCurrentUser = "current_user"
)

// DefaultMaxSlotBytes mirrors the per-origin quota of browser storage.
const DefaultMaxSlotBytes = 5 << 20

// ErrQuotaExceeded is returned when a serialized slot would exceed the
// configured byte limit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Options configures Open.
type Options struct {
	// MaxSlotBytes caps the serialized size of a single collection
	// (default: DefaultMaxSlotBytes)
	MaxSlotBytes int

	// Logger for dropped writes and diagnostics (default: no-op)
	Logger *logging.Logger
}

// Store is the local cache. It is safe for concurrent use.
type Store struct {
	conn         *sql.DB
	path         string
	log          *logging.Logger
	maxSlotBytes int

	mu          sync.RWMutex
	threads     []schema.Thread
	messages    map[string][]schema.Message
	summaries   []schema.Summary
	projects    []schema.Project
	artifacts   []schema.Artifact
	currentUser string

	// revs counts committed writes per slot.
	revs map[string]uint64
}

// Open opens (creating if needed) the store at path and loads every slot
// into memory. Use ":memory:" for a throwaway store.
//
// The caller MUST call Close() when done.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}

	connStr := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	// Access is serialized by Store.mu; one connection also keeps an
	// in-memory database alive for the lifetime of the store.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{
		conn:         conn,
		path:         path,
		log:          logging.OrNop(opts.Logger).With("component", "store"),
		maxSlotBytes: opts.MaxSlotBytes,
		messages:     make(map[string][]schema.Message),
		revs:         make(map[string]uint64),
	}
	if s.maxSlotBytes <= 0 {
		s.maxSlotBytes = DefaultMaxSlotBytes
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS slots (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		id TEXT PRIMARY KEY,  -- ULID, lexical order is enqueue order
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		dispatched INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_entity ON pending_ops(entity_id);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s.migrateContext(ctx)
}

// migrateContext adds columns introduced after a database file was
// created.
func (s *Store) migrateContext(ctx context.Context) error {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('pending_ops') WHERE name = 'dispatched'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect pending_ops: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx,
		`ALTER TABLE pending_ops ADD COLUMN dispatched INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("failed to add pending_ops.dispatched: %w", err)
	}
	return nil
}

// load reads every slot into memory. Unreadable slots are logged and
// treated as empty so one corrupt collection does not take down the rest.
func (s *Store) load() error {
	rows, err := s.conn.Query("SELECT name, data FROM slots")
	if err != nil {
		return fmt.Errorf("failed to read slots: %w", err)
	}
	defer rows.Close()

	raw := make(map[string][]byte)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return fmt.Errorf("failed to scan slot: %w", err)
		}
		raw[name] = []byte(data)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating slots: %w", err)
	}

	decode := func(name string, v any) {
		data, ok := raw[name]
		if !ok {
			return
		}
		if err := json.Unmarshal(data, v); err != nil {
			s.log.Warn("discarding unreadable slot", "slot", name, "error", err)
		}
	}

	var msgs []schema.Message
	decode(slotThreads, &s.threads)
	decode(slotMessages, &msgs)
	decode(slotSummaries, &s.summaries)
	decode(slotProjects, &s.projects)
	decode(slotArtifacts, &s.artifacts)
	decode(slotCurrentUser, &s.currentUser)

	schema.SortThreads(s.threads)
	schema.SortProjects(s.projects)
	s.messages = indexMessages(msgs)

	return nil
}

// persist serializes each slot and writes them in one transaction. Nothing
// is written if any slot fails to serialize or exceeds the quota.
func (s *Store) persist(slots map[string]any) error {
	encoded := make(map[string]string, len(slots))
	for name, v := range slots {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize slot %s: %w", name, err)
		}
		if len(data) > s.maxSlotBytes {
			return fmt.Errorf("slot %s is %d bytes (limit %d): %w", name, len(data), s.maxSlotBytes, ErrQuotaExceeded)
		}
		encoded[name] = string(data)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
	INSERT INTO slots (name, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	for name, data := range encoded {
		if _, err := tx.Exec(query, name, data, now); err != nil {
			return fmt.Errorf("failed to write slot %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit slots: %w", err)
	}
	for name := range slots {
		s.revs[name]++
	}
	return nil
}

// Revision returns a counter that increases with every committed write to
// a collection. Two reads with the same revision saw the same contents.
func (s *Store) Revision(collection string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revs[collection]
}

// dropped logs a mutation that could not be persisted.
func (s *Store) dropped(op, id string, err error) error {
	s.log.Warn("local write dropped", "op", op, "id", id, "error", err)
	return fmt.Errorf("failed to %s %s: %w", op, id, err)
}

// CurrentUser returns the owner id the cache belongs to.
func (s *Store) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// SetCurrentUser records the owner id the cache belongs to.
func (s *Store) SetCurrentUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(map[string]any{slotCurrentUser: userID}); err != nil {
		return s.dropped("set current user", userID, err)
	}
	s.currentUser = userID
	return nil
}

// Clear wipes every collection, the current user and the sync queue.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(map[string]any{
		slotThreads:     []schema.Thread{},
		slotMessages:    []schema.Message{},
		slotSummaries:   []schema.Summary{},
		slotProjects:    []schema.Project{},
		slotArtifacts:   []schema.Artifact{},
		slotCurrentUser: "",
	}); err != nil {
		return s.dropped("clear", "all", err)
	}
	if _, err := s.conn.Exec("DELETE FROM pending_ops; DELETE FROM dead_letters;"); err != nil {
		return s.dropped("clear queue", "all", err)
	}

	s.threads = nil
	s.messages = make(map[string][]schema.Message)
	s.summaries = nil
	s.projects = nil
	s.artifacts = nil
	s.currentUser = ""
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Path        string    `json:"path" yaml:"path"`
	SizeBytes   int64     `json:"size_bytes" yaml:"size_bytes"`
	ModifiedAt  time.Time `json:"modified_at" yaml:"modified_at"`
	CurrentUser string    `json:"current_user" yaml:"current_user"`
	Threads     int       `json:"threads" yaml:"threads"`
	Messages    int       `json:"messages" yaml:"messages"`
	Summaries   int       `json:"summaries" yaml:"summaries"`
	Projects    int       `json:"projects" yaml:"projects"`
	Artifacts   int       `json:"artifacts" yaml:"artifacts"`
	PendingOps  int       `json:"pending_ops" yaml:"pending_ops"`
	DeadLetters int       `json:"dead_letters" yaml:"dead_letters"`
}

// Stats returns collection counts and file information.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	st := Stats{
		Path:        s.path,
		CurrentUser: s.currentUser,
		Threads:     len(s.threads),
		Messages:    countMessages(s.messages),
		Summaries:   len(s.summaries),
		Projects:    len(s.projects),
		Artifacts:   len(s.artifacts),
	}
	s.mu.RUnlock()

	if err := s.conn.QueryRow("SELECT COUNT(*) FROM pending_ops").Scan(&st.PendingOps); err != nil {
		return st, fmt.Errorf("failed to count pending ops: %w", err)
	}
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM dead_letters").Scan(&st.DeadLetters); err != nil {
		return st, fmt.Errorf("failed to count dead letters: %w", err)
	}

	if s.path != ":memory:" {
		if info, err := os.Stat(s.path); err == nil {
			st.SizeBytes = info.Size()
			st.ModifiedAt = info.ModTime()
		}
	}
	return st, nil
}

func indexMessages(msgs []schema.Message) map[string][]schema.Message {
	idx := make(map[string][]schema.Message)
	for _, m := range msgs {
		idx[m.ThreadID] = append(idx[m.ThreadID], m)
	}
	for _, list := range idx {
		schema.SortMessages(list)
	}
	return idx
}

// flattenMessages returns every message in a stable order for persistence.
func flattenMessages(idx map[string][]schema.Message) []schema.Message {
	threadIDs := make([]string, 0, len(idx))
	for id := range idx {
		threadIDs = append(threadIDs, id)
	}
	sort.Strings(threadIDs)

	out := make([]schema.Message, 0, countMessages(idx))
	for _, id := range threadIDs {
		out = append(out, idx[id]...)
	}
	return out
}

func countMessages(idx map[string][]schema.Message) int {
	n := 0
	for _, list := range idx {
		n += len(list)
	}
	return n
}
