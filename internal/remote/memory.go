package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/threadsync/threadsync/internal/schema"
)

// Op names a remote operation for fault injection and call recording.
type Op string

const (
	OpList   Op = "list"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Call records one mutating request served by Memory.
type Call struct {
	Op         Op
	Collection string
	ID         string
}

// FaultFunc decides whether a request fails. A nil return lets it through.
type FaultFunc func(op Op, collection, id string) error

// Memory is an in-process Store. Records are JSON objects keyed by their
// "id" field. Deleting a thread cascades to its messages, summaries and
// artifacts, as relation cascades do on the hosted store.
type Memory struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any
	seq     map[string]map[string]int
	nextSeq int
	calls   []Call
	fault   FaultFunc

	subsMu sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]map[string]any),
		seq:     make(map[string]map[string]int),
		subs:    make(map[string]map[int]Handler),
	}
}

// SetFault installs a fault injector. Pass nil to clear it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Calls returns the mutating requests served so far, including failed ones.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Get returns one record.
func (m *Memory) Get(collection, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[collection][id]
	if !ok {
		return nil, false
	}
	data, _ := json.Marshal(rec)
	return data, true
}

// Len returns the number of records in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[collection])
}

// List returns matching records. Without a sort field, records come back
// in insertion order.
func (m *Memory) List(ctx context.Context, collection string, f Filter) ([]json.RawMessage, error) {
	m.mu.Lock()
	if err := m.check(OpList, collection, "", false); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	eq := f.equalityFields()
	var matched []map[string]any
	for _, rec := range m.records[collection] {
		if matches(rec, eq) {
			matched = append(matched, rec)
		}
	}
	seq := m.seq[collection]
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if f.Sort != "" {
			av, bv := fmt.Sprint(a[f.Sort]), fmt.Sprint(b[f.Sort])
			if av != bv {
				if f.Desc {
					return av > bv
				}
				return av < bv
			}
		}
		return seq[fmt.Sprint(a["id"])] < seq[fmt.Sprint(b["id"])]
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, rec := range matched {
		data, err := json.Marshal(rec)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
		out = append(out, data)
	}
	m.mu.Unlock()
	return out, nil
}

// Create stores a record. Creating an id that already exists merges the
// fields into it, so a retried create is harmless.
func (m *Memory) Create(ctx context.Context, collection, id string, fields any) (json.RawMessage, error) {
	f, err := toFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}

	m.mu.Lock()
	if err := m.check(OpCreate, collection, id, true); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	typ := EventCreated
	rec, exists := m.records[collection][id]
	if exists {
		typ = EventUpdated
	} else {
		rec = make(map[string]any, len(f)+1)
		if m.records[collection] == nil {
			m.records[collection] = make(map[string]map[string]any)
			m.seq[collection] = make(map[string]int)
		}
		m.records[collection][id] = rec
		m.nextSeq++
		m.seq[collection][id] = m.nextSeq
	}
	for k, v := range f {
		rec[k] = v
	}
	rec["id"] = id

	data, err := json.Marshal(rec)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	m.emit(Event{Type: typ, Collection: collection, Record: data})
	return data, nil
}

// Update merges fields into an existing record.
func (m *Memory) Update(ctx context.Context, collection, id string, fields any) (json.RawMessage, error) {
	f, err := toFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}

	m.mu.Lock()
	if err := m.check(OpUpdate, collection, id, true); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rec, ok := m.records[collection][id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range f {
		if k == "id" {
			continue
		}
		rec[k] = v
	}

	data, err := json.Marshal(rec)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	m.emit(Event{Type: EventUpdated, Collection: collection, Record: data})
	return data, nil
}

// Delete removes a record. Deleting a thread also deletes its messages,
// summaries and artifacts.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if err := m.check(OpDelete, collection, id, true); err != nil {
		m.mu.Unlock()
		return err
	}
	rec, ok := m.records[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}

	var events []Event
	if collection == schema.CollectionThreads {
		for _, dep := range []string{schema.CollectionMessages, schema.CollectionSummaries, schema.CollectionArtifacts} {
			for depID, depRec := range m.records[dep] {
				if depRec["thread_id"] == id {
					events = append(events, m.remove(dep, depID, depRec))
				}
			}
		}
	}
	events = append(events, m.remove(collection, id, rec))
	m.mu.Unlock()

	for _, e := range events {
		m.emit(e)
	}
	return nil
}

// Subscribe registers h for changes of one collection.
func (m *Memory) Subscribe(ctx context.Context, collection string, h Handler) (func(), error) {
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[int]Handler)
	}
	m.subs[collection][id] = h
	m.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs[collection], id)
			m.subsMu.Unlock()
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	}
	return unsubscribe, nil
}

// Subscribers returns the number of active subscriptions on a collection.
func (m *Memory) Subscribers(collection string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subs[collection])
}

// check records the call and applies the fault injector. Caller holds m.mu.
func (m *Memory) check(op Op, collection, id string, record bool) error {
	if record {
		m.calls = append(m.calls, Call{Op: op, Collection: collection, ID: id})
	}
	if m.fault != nil {
		if err := m.fault(op, collection, id); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes one record and returns its feed event. Caller holds m.mu.
func (m *Memory) remove(collection, id string, rec map[string]any) Event {
	delete(m.records[collection], id)
	delete(m.seq[collection], id)
	data, _ := json.Marshal(rec)
	return Event{Type: EventDeleted, Collection: collection, Record: data}
}

// emit delivers an event to the collection's subscribers in registration
// order.
func (m *Memory) emit(e Event) {
	m.subsMu.RLock()
	ids := make([]int, 0, len(m.subs[e.Collection]))
	for id := range m.subs[e.Collection] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[e.Collection][id])
	}
	m.subsMu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

func matches(rec map[string]any, eq map[string]string) bool {
	for k, want := range eq {
		v, ok := rec[k]
		if !ok || v == nil || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
