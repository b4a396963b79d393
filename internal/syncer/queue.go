package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/store"
)

// OpKind is the remote operation an entry performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// op is one queued remote operation.
type op struct {
	id         string
	collection string
	kind       OpKind
	entityID   string
	payload    json.RawMessage
	attempts   int
	createdAt  time.Time

	// dispatched is set once execute has run the operation. The remote may
	// hold its effect even when the call reported an error.
	dispatched bool

	// parent is the thread a message, summary or artifact belongs to.
	parent string
}

// Entry describes a queued operation.
type Entry struct {
	ID         string    `json:"id" yaml:"id"`
	Collection string    `json:"collection" yaml:"collection"`
	Kind       OpKind    `json:"kind" yaml:"kind"`
	EntityID   string    `json:"entity_id" yaml:"entity_id"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	InFlight   bool      `json:"in_flight" yaml:"in_flight"`
}

func (p *op) record() store.OpRecord {
	return store.OpRecord{
		ID:         p.id,
		Collection: p.collection,
		Kind:       string(p.kind),
		EntityID:   p.entityID,
		Payload:    p.payload,
		Attempts:   p.attempts,
		CreatedAt:  p.createdAt,
		Dispatched: p.dispatched,
	}
}

func fromRecord(r store.OpRecord) *op {
	p := &op{
		id:         r.ID,
		collection: r.Collection,
		kind:       OpKind(r.Kind),
		entityID:   r.EntityID,
		payload:    r.Payload,
		attempts:   r.Attempts,
		createdAt:  r.CreatedAt,
		dispatched: r.Dispatched,
	}
	p.parent = parentOf(p.payload)
	return p
}

// parentOf extracts the thread reference of a child record payload.
func parentOf(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var ref struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ""
	}
	return ref.ThreadID
}

// mergeQueue adds persisted records missing from the in-memory queue and
// restores enqueue order.
func mergeQueue(queue []*op, records []store.OpRecord) []*op {
	seen := make(map[string]bool, len(queue))
	for _, p := range queue {
		seen[p.id] = true
	}
	for _, r := range records {
		if !seen[r.ID] {
			queue = append(queue, fromRecord(r))
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].id < queue[j].id })
	return queue
}

// Queue returns a snapshot of the in-flight and queued operations in the
// order they will run.
func (o *Orchestrator) Queue() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.inflight)+len(o.queue))
	for _, p := range o.inflight {
		out = append(out, p.entry(true))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, p := range o.queue {
		out = append(out, p.entry(false))
	}
	return out
}

func (p *op) entry(inFlight bool) Entry {
	return Entry{
		ID:         p.id,
		Collection: p.collection,
		Kind:       p.kind,
		EntityID:   p.entityID,
		Attempts:   p.attempts,
		CreatedAt:  p.createdAt,
		InFlight:   inFlight,
	}
}

// enqueue appends a remote operation and wakes the drain loop. A delete
// whose entity's create is queued and was never dispatched cancels
// instead.
func (o *Orchestrator) enqueue(collection string, kind OpKind, entityID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			o.log.Error("failed to encode queued operation", "collection", collection, "id", entityID, "error", err)
			return
		}
		raw = data
	}

	p := &op{
		id:         ulid.Make().String(),
		collection: collection,
		kind:       kind,
		entityID:   entityID,
		payload:    raw,
		createdAt:  o.clock.Now().UTC(),
		parent:     parentOf(raw),
	}

	o.mu.Lock()
	if kind == OpDelete && o.cancelQueuedCreate(entityID) {
		o.mu.Unlock()
		return
	}
	// Persist before the drain loop can see the entry, so a completed
	// operation is never written back after its removal.
	if err := o.store.SaveOp(p.record()); err != nil {
		o.log.Warn("failed to persist queued operation", "op", p.id, "error", err)
	}
	o.queue = append(o.queue, p)
	o.mu.Unlock()

	o.metrics.Op(collection, string(kind), "enqueued")
	o.kick()
}

// cancelQueuedCreate drops every queued operation for an entity whose
// create has never been dispatched, along with queued operations on
// records that belong to it. It reports whether such a create was found.
// A create that went out in a failed batch is back in the queue but may
// exist remotely, so it does not qualify. Caller holds o.mu.
func (o *Orchestrator) cancelQueuedCreate(entityID string) bool {
	found := false
	for _, p := range o.queue {
		if p.entityID == entityID && p.kind == OpCreate && !p.dispatched {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	next := make([]*op, 0, len(o.queue))
	var dropped []*op
	for _, p := range o.queue {
		if p.entityID == entityID || p.parent == entityID {
			dropped = append(dropped, p)
			continue
		}
		next = append(next, p)
	}
	o.queue = next

	for _, p := range dropped {
		if err := o.store.DeleteOp(p.id); err != nil {
			o.log.Warn("failed to remove cancelled operation", "op", p.id, "error", err)
		}
		o.metrics.Op(p.collection, string(p.kind), "cancelled")
	}
	o.log.Debug("cancelled unsent create", "id", entityID, "dropped", len(dropped))
	return true
}

func (o *Orchestrator) queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// takeBatch moves up to BatchSize operations from the head of the queue to
// the in-flight set. An operation stays queued when the batch already
// touches its entity, or when one of the two is a thread and the other a
// record belonging to it.
func (o *Orchestrator) takeBatch() []*op {
	o.mu.Lock()
	defer o.mu.Unlock()

	var batch []*op
	rest := make([]*op, 0, len(o.queue))
	entities := make(map[string]bool)
	parents := make(map[string]bool)
	for _, p := range o.queue {
		blocked := entities[p.entityID] || parents[p.entityID] || (p.parent != "" && entities[p.parent])
		if len(batch) < o.config.BatchSize && !blocked {
			batch = append(batch, p)
			entities[p.entityID] = true
			if p.parent != "" {
				parents[p.parent] = true
			}
			o.inflight[p.id] = p
			continue
		}
		// Later operations on a skipped entity must not overtake it.
		entities[p.entityID] = true
		rest = append(rest, p)
	}
	o.queue = rest
	return batch
}

// runBatch executes a batch concurrently and settles the queue. It reports
// whether every operation succeeded.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*op) bool {
	o.markDispatched(batch)

	results := make([]error, len(batch))
	var g errgroup.Group
	for i, p := range batch {
		g.Go(func() error {
			results[i] = o.execute(ctx, p)
			return results[i]
		})
	}
	batchErr := g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.notify()

	for _, p := range batch {
		delete(o.inflight, p.id)
	}

	if batchErr == nil {
		for _, p := range batch {
			if err := o.store.DeleteOp(p.id); err != nil {
				o.log.Warn("failed to remove completed operation", "op", p.id, "error", err)
			}
			o.metrics.Op(p.collection, string(p.kind), "succeeded")
		}
		o.online = true
		o.lastErr = nil
		o.metrics.Batch("ok")
		return true
	}

	o.online = false
	o.lastErr = batchErr
	o.metrics.Batch("failed")

	requeue := make([]*op, 0, len(batch))
	for i, p := range batch {
		if results[i] == nil {
			// Succeeded but reruns with the batch.
			requeue = append(requeue, p)
			continue
		}
		p.attempts++
		o.metrics.Op(p.collection, string(p.kind), "failed")
		if o.config.MaxAttempts > 0 && p.attempts >= o.config.MaxAttempts {
			o.deadLetter(p, results[i])
			continue
		}
		if err := o.store.SaveOp(p.record()); err != nil {
			o.log.Warn("failed to persist attempt count", "op", p.id, "error", err)
		}
		requeue = append(requeue, p)
	}
	o.queue = append(requeue, o.queue...)

	o.log.Warn("batch failed, queue paused",
		"size", len(batch),
		"pending", len(o.queue),
		"error", batchErr)
	return false
}

// markDispatched records that the batch is about to reach the remote, so a
// restart or a later delete knows the records may exist there.
func (o *Orchestrator) markDispatched(batch []*op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range batch {
		if p.dispatched {
			continue
		}
		p.dispatched = true
		if err := o.store.SaveOp(p.record()); err != nil {
			o.log.Warn("failed to persist dispatch", "op", p.id, "error", err)
		}
	}
}

// deadLetter moves an exhausted operation out of the queue. Caller holds
// o.mu.
func (o *Orchestrator) deadLetter(p *op, cause error) {
	d := store.DeadLetter{
		OpRecord:  p.record(),
		LastError: cause.Error(),
		FailedAt:  o.clock.Now().UTC(),
	}
	if err := o.store.SaveDeadLetter(d); err != nil {
		o.log.Error("failed to persist dead letter", "op", p.id, "error", err)
	}
	o.metrics.Op(p.collection, string(p.kind), "dead_lettered")
	o.log.Error("operation dead-lettered",
		"op", p.id,
		"collection", p.collection,
		"kind", p.kind,
		"id", p.entityID,
		"attempts", p.attempts,
		"error", cause)
}

// execute sends one operation to the remote. A missing record on delete
// or update means there is nothing left to change and counts as success.
func (o *Orchestrator) execute(ctx context.Context, p *op) error {
	var err error
	switch p.kind {
	case OpCreate:
		_, err = o.remote.Create(ctx, p.collection, p.entityID, p.payload)
	case OpUpdate:
		_, err = o.remote.Update(ctx, p.collection, p.entityID, p.payload)
		if errors.Is(err, remote.ErrNotFound) {
			o.log.Debug("update target gone remotely", "collection", p.collection, "id", p.entityID)
			err = nil
		}
	case OpDelete:
		err = o.remote.Delete(ctx, p.collection, p.entityID)
		if errors.Is(err, remote.ErrNotFound) {
			err = nil
		}
	default:
		err = fmt.Errorf("unknown operation kind %q", p.kind)
	}
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", p.kind, p.collection, p.entityID, err)
	}
	return nil
}
