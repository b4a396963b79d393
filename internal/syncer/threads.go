package syncer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/schema"
)

// ThreadParams describes a new thread.
type ThreadParams struct {
	Title     string
	ProjectID string
	Tags      []string
	IsPinned  bool
}

// CreateThread stores a new thread and queues its remote create.
func (o *Orchestrator) CreateThread(p ThreadParams) (schema.Thread, error) {
	owner, err := o.requireOwner()
	if err != nil {
		return schema.Thread{}, err
	}

	now := o.now()
	t := schema.Thread{
		ID:            uuid.NewString(),
		Title:         p.Title,
		OwnerID:       owner,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
		IsPinned:      p.IsPinned,
		Tags:          p.Tags,
		ProjectID:     p.ProjectID,
	}
	if err := o.store.PutThread(t); err != nil {
		return schema.Thread{}, fmt.Errorf("failed to create thread: %w", err)
	}

	o.publishThreads(false)
	o.enqueue(schema.CollectionThreads, OpCreate, t.ID, t)
	return t.Clone(), nil
}

// UpdateThread applies a patch to a thread. Pin, tag and project changes
// are published without coalescing.
func (o *Orchestrator) UpdateThread(id string, patch schema.ThreadPatch) (schema.Thread, error) {
	now := o.now()
	patch.UpdatedAt = &now

	ok, err := o.store.UpdateThread(id, patch)
	if err != nil {
		return schema.Thread{}, fmt.Errorf("failed to update thread: %w", err)
	}
	if !ok {
		return schema.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}

	o.publishThreads(patch.Structural())
	o.enqueue(schema.CollectionThreads, OpUpdate, id, patch)

	t, _ := o.store.Thread(id)
	return t, nil
}

// MoveThread attaches a thread to a project, or detaches it when projectID
// is empty.
func (o *Orchestrator) MoveThread(id, projectID string) (schema.Thread, error) {
	if projectID != "" {
		if _, ok := o.store.Project(projectID); !ok {
			return schema.Thread{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
	}
	return o.UpdateThread(id, schema.ThreadPatch{ProjectID: &projectID})
}

// DeleteThread removes a thread with its messages, summaries and artifacts.
// The remote cascades the dependents, so only the thread delete is queued.
func (o *Orchestrator) DeleteThread(id string) error {
	found, err := o.store.DeleteThread(id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if !found {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}

	o.publishThreads(true)
	o.bus.PublishImmediate(bus.MessagesUpdated{ThreadID: id})
	o.bus.PublishImmediate(bus.SummariesUpdated{ThreadID: id})
	o.bus.PublishImmediate(bus.ArtifactsUpdated{ThreadID: id})
	o.enqueue(schema.CollectionThreads, OpDelete, id, nil)
	return nil
}

// BranchThread copies a thread and all of its messages under fresh ids.
// An empty title defaults to the original title with the branch suffix.
// The copy keeps the project, drops the pin and is marked branched.
func (o *Orchestrator) BranchThread(id, title string) (schema.Thread, error) {
	if _, err := o.requireOwner(); err != nil {
		return schema.Thread{}, err
	}
	src, ok := o.store.Thread(id)
	if !ok {
		return schema.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if title == "" {
		title = src.Title + o.config.BranchSuffix
	}

	now := o.now()
	branch := schema.Thread{
		ID:            uuid.NewString(),
		Title:         title,
		OwnerID:       o.Owner(),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: src.LastMessageAt,
		IsPinned:      false,
		Tags:          src.Tags,
		IsBranched:    true,
		ProjectID:     src.ProjectID,
	}
	if branch.LastMessageAt.IsZero() {
		branch.LastMessageAt = now
	}
	if err := o.store.PutThread(branch); err != nil {
		return schema.Thread{}, fmt.Errorf("failed to branch thread: %w", err)
	}
	o.enqueue(schema.CollectionThreads, OpCreate, branch.ID, branch)

	copied := 0
	for _, m := range o.store.Messages(id) {
		m.ID = uuid.NewString()
		m.ThreadID = branch.ID
		m.OwnerID = branch.OwnerID
		stored, dup, err := o.store.PutMessage(m)
		if err != nil {
			o.log.Warn("failed to copy message into branch", "thread", branch.ID, "error", err)
			continue
		}
		if dup {
			continue
		}
		o.enqueue(schema.CollectionMessages, OpCreate, stored.ID, stored)
		copied++
	}

	o.publishThreads(false)
	o.publishMessages(branch.ID, false)
	o.log.Debug("branched thread", "from", id, "to", branch.ID, "messages", copied)
	return branch.Clone(), nil
}

// touchThread moves a thread's last-message time forward to at and queues
// the change.
func (o *Orchestrator) touchThread(threadID string, at time.Time) {
	t, ok := o.store.Thread(threadID)
	if !ok || !at.After(t.LastMessageAt) {
		return
	}
	now := o.now()
	patch := schema.ThreadPatch{LastMessageAt: &at, UpdatedAt: &now}
	if _, err := o.store.UpdateThread(threadID, patch); err != nil {
		o.log.Warn("failed to update last message time", "thread", threadID, "error", err)
		return
	}
	o.publishThreads(false)
	o.enqueue(schema.CollectionThreads, OpUpdate, threadID, patch)
}

func (o *Orchestrator) publishThreads(immediate bool) {
	e := bus.ThreadsUpdated{
		Threads:  o.store.Threads(),
		Revision: o.store.Revision(schema.CollectionThreads),
	}
	if immediate {
		o.bus.PublishImmediate(e)
		return
	}
	o.bus.PublishCoalesced(e)
}

func (o *Orchestrator) requireOwner() (string, error) {
	owner := o.Owner()
	if owner == "" {
		return "", ErrNoOwner
	}
	return owner, nil
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now().UTC()
}
