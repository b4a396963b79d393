package syncer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/schema"
)

// MessageParams describes a new message. ID and CreatedAt are generated
// when empty; a caller that streamed the response under a known id passes
// it here.
type MessageParams struct {
	ID          string
	ThreadID    string
	Role        schema.Role
	Content     string
	CreatedAt   time.Time
	Attachments []schema.Attachment
	Model       string
	ImageURL    string
	SearchURLs  []string
}

// CreateMessage stores a message, moves the thread's last-message time
// forward and queues both remote changes. A logical duplicate of a stored
// message returns the stored copy and queues nothing.
func (o *Orchestrator) CreateMessage(p MessageParams) (schema.Message, error) {
	owner, err := o.requireOwner()
	if err != nil {
		return schema.Message{}, err
	}
	if _, ok := o.store.Thread(p.ThreadID); !ok {
		return schema.Message{}, fmt.Errorf("thread %s: %w", p.ThreadID, ErrNotFound)
	}

	m := schema.Message{
		ID:          p.ID,
		ThreadID:    p.ThreadID,
		OwnerID:     owner,
		Role:        p.Role,
		Content:     p.Content,
		CreatedAt:   p.CreatedAt.UTC(),
		Attachments: p.Attachments,
		Model:       p.Model,
		ImageURL:    p.ImageURL,
		SearchURLs:  p.SearchURLs,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		m.CreatedAt = o.now()
	}

	stored, dup, err := o.store.PutMessage(m)
	if err != nil {
		return schema.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	if dup {
		o.log.Debug("duplicate message suppressed", "thread", m.ThreadID, "existing", stored.ID)
		return stored, nil
	}

	o.publishMessages(m.ThreadID, false)
	o.enqueue(schema.CollectionMessages, OpCreate, stored.ID, stored)
	o.touchThread(m.ThreadID, stored.CreatedAt)
	return stored, nil
}

// UpdateMessage applies a patch to a message.
func (o *Orchestrator) UpdateMessage(id string, patch schema.MessagePatch) (schema.Message, error) {
	ok, err := o.store.UpdateMessage(id, patch)
	if err != nil {
		return schema.Message{}, fmt.Errorf("failed to update message: %w", err)
	}
	if !ok {
		return schema.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	m, _ := o.store.Message(id)
	o.publishMessages(m.ThreadID, false)
	o.enqueue(schema.CollectionMessages, OpUpdate, id, patch)
	return m, nil
}

// DeleteMessage removes a message and its summaries.
func (o *Orchestrator) DeleteMessage(id string) error {
	m, ok := o.store.Message(id)
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	summaries := summariesOf(o.store.Summaries(m.ThreadID), map[string]bool{id: true})

	if _, err := o.store.DeleteMessage(id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	o.publishMessages(m.ThreadID, true)
	if len(summaries) > 0 {
		o.publishSummaries(m.ThreadID, true)
	}
	for _, sid := range summaries {
		o.enqueue(schema.CollectionSummaries, OpDelete, sid, nil)
	}
	o.enqueue(schema.CollectionMessages, OpDelete, id, nil)
	return nil
}

// DeleteTrailingMessages removes every message of a thread created at or
// after from, used when a response is regenerated or a prompt edited. It
// returns the removed message ids.
func (o *Orchestrator) DeleteTrailingMessages(threadID string, from time.Time) ([]string, error) {
	before := o.store.Summaries(threadID)

	removed, err := o.store.DeleteTrailingMessages(threadID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to delete trailing messages: %w", err)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	gone := make(map[string]bool, len(removed))
	for _, id := range removed {
		gone[id] = true
	}
	summaries := summariesOf(before, gone)

	o.publishMessages(threadID, true)
	if len(summaries) > 0 {
		o.publishSummaries(threadID, true)
	}
	for _, sid := range summaries {
		o.enqueue(schema.CollectionSummaries, OpDelete, sid, nil)
	}
	for _, id := range removed {
		o.enqueue(schema.CollectionMessages, OpDelete, id, nil)
	}
	return removed, nil
}

// CreateSummary stores a summary of one message.
func (o *Orchestrator) CreateSummary(threadID, messageID, content string) (schema.Summary, error) {
	owner, err := o.requireOwner()
	if err != nil {
		return schema.Summary{}, err
	}
	if m, ok := o.store.Message(messageID); !ok || m.ThreadID != threadID {
		return schema.Summary{}, fmt.Errorf("message %s in thread %s: %w", messageID, threadID, ErrNotFound)
	}

	sm := schema.Summary{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		MessageID: messageID,
		OwnerID:   owner,
		Content:   content,
		CreatedAt: o.now(),
	}
	if err := o.store.PutSummary(sm); err != nil {
		return schema.Summary{}, fmt.Errorf("failed to create summary: %w", err)
	}

	o.publishSummaries(threadID, false)
	o.enqueue(schema.CollectionSummaries, OpCreate, sm.ID, sm)
	return sm, nil
}

func summariesOf(all []schema.Summary, messageIDs map[string]bool) []string {
	var ids []string
	for _, sm := range all {
		if messageIDs[sm.MessageID] {
			ids = append(ids, sm.ID)
		}
	}
	return ids
}

func (o *Orchestrator) publishMessages(threadID string, immediate bool) {
	e := bus.MessagesUpdated{
		ThreadID: threadID,
		Messages: o.store.Messages(threadID),
		Revision: o.store.Revision(schema.CollectionMessages),
	}
	if immediate {
		o.bus.PublishImmediate(e)
		return
	}
	o.bus.PublishCoalesced(e)
}

func (o *Orchestrator) publishSummaries(threadID string, immediate bool) {
	e := bus.SummariesUpdated{
		ThreadID:  threadID,
		Summaries: o.store.Summaries(threadID),
		Revision:  o.store.Revision(schema.CollectionSummaries),
	}
	if immediate {
		o.bus.PublishImmediate(e)
		return
	}
	o.bus.PublishCoalesced(e)
}
