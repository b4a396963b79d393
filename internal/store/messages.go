package store

import (
	"fmt"
	"time"

	"github.com/threadsync/threadsync/internal/schema"
)

// Messages returns the messages of a thread in chronological order.
func (s *Store) Messages(threadID string) []schema.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[threadID]
	out := make([]schema.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a message by id.
func (s *Store) Message(id string) (schema.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tid, i := s.findMessage(id); i >= 0 {
		return s.messages[tid][i].Clone(), true
	}
	return schema.Message{}, false
}

// PutMessage inserts or replaces a message by id. A new message that is a
// logical duplicate of a stored one (see schema.IsDuplicate) is not stored;
// the existing copy is returned with dup set.
func (s *Store) PutMessage(m schema.Message) (stored schema.Message, dup bool, err error) {
	if err := m.Validate(); err != nil {
		return schema.Message{}, false, fmt.Errorf("invalid message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.messages[m.ThreadID]
	next := make([]schema.Message, 0, len(cur)+1)
	replaced := false
	for _, existing := range cur {
		if existing.ID == m.ID {
			next = append(next, m.Clone())
			replaced = true
			continue
		}
		next = append(next, existing)
	}

	if !replaced {
		// An id can only live under one thread; a move is a replace.
		if tid, i := s.findMessage(m.ID); i >= 0 && tid != m.ThreadID {
			return schema.Message{}, false, fmt.Errorf("message %s already belongs to thread %s", m.ID, tid)
		}
		for _, existing := range cur {
			if schema.IsDuplicate(existing, m) {
				return existing.Clone(), true, nil
			}
		}
		next = append(next, m.Clone())
	}
	schema.SortMessages(next)

	idx := s.withThreadMessages(m.ThreadID, next)
	if err := s.persist(map[string]any{slotMessages: flattenMessages(idx)}); err != nil {
		return schema.Message{}, false, s.dropped("put message", m.ID, err)
	}
	s.messages = idx
	return m.Clone(), false, nil
}

// UpdateMessage applies a patch to an existing message. It reports false
// without error when the message does not exist.
func (s *Store) UpdateMessage(id string, p schema.MessagePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tid, i := s.findMessage(id)
	if i < 0 {
		s.log.Debug("update of missing message ignored", "id", id)
		return false, nil
	}

	next := make([]schema.Message, len(s.messages[tid]))
	copy(next, s.messages[tid])
	updated := next[i].Clone()
	p.Apply(&updated)
	next[i] = updated

	idx := s.withThreadMessages(tid, next)
	if err := s.persist(map[string]any{slotMessages: flattenMessages(idx)}); err != nil {
		return false, s.dropped("update message", id, err)
	}
	s.messages = idx
	return true, nil
}

// DeleteMessage removes a message and the summaries that reference it.
func (s *Store) DeleteMessage(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tid, i := s.findMessage(id)
	if i < 0 {
		return false, nil
	}

	cur := s.messages[tid]
	next := make([]schema.Message, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	idx := s.withThreadMessages(tid, next)

	nextSummaries := make([]schema.Summary, 0, len(s.summaries))
	for _, sm := range s.summaries {
		if sm.MessageID != id {
			nextSummaries = append(nextSummaries, sm)
		}
	}

	if err := s.persist(map[string]any{
		slotMessages:  flattenMessages(idx),
		slotSummaries: nextSummaries,
	}); err != nil {
		return false, s.dropped("delete message", id, err)
	}
	s.messages = idx
	s.summaries = nextSummaries
	return true, nil
}

// DeleteTrailingMessages removes every message of a thread created at or
// after from, along with their summaries, and returns the removed ids.
// Used when a response is regenerated or a user message is edited.
func (s *Store) DeleteTrailingMessages(threadID string, from time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.messages[threadID]
	var keep []schema.Message
	removed := make(map[string]bool)
	var ids []string
	for _, m := range cur {
		if m.CreatedAt.Before(from) {
			keep = append(keep, m)
			continue
		}
		removed[m.ID] = true
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	nextSummaries := make([]schema.Summary, 0, len(s.summaries))
	for _, sm := range s.summaries {
		if !removed[sm.MessageID] {
			nextSummaries = append(nextSummaries, sm)
		}
	}

	idx := s.withThreadMessages(threadID, keep)
	if err := s.persist(map[string]any{
		slotMessages:  flattenMessages(idx),
		slotSummaries: nextSummaries,
	}); err != nil {
		return nil, s.dropped("delete trailing messages", threadID, err)
	}
	s.messages = idx
	s.summaries = nextSummaries
	return ids, nil
}

// Summaries returns the summaries of a thread, oldest first.
func (s *Store) Summaries(threadID string) []schema.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Summary
	for _, sm := range s.summaries {
		if sm.ThreadID == threadID {
			out = append(out, sm)
		}
	}
	return out
}

// Summary returns a summary by id.
func (s *Store) Summary(id string) (schema.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sm := range s.summaries {
		if sm.ID == id {
			return sm, true
		}
	}
	return schema.Summary{}, false
}

// PutSummary inserts or replaces a summary by id.
func (s *Store) PutSummary(sm schema.Summary) error {
	if err := sm.Validate(); err != nil {
		return fmt.Errorf("invalid summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Summary, 0, len(s.summaries)+1)
	replaced := false
	for _, cur := range s.summaries {
		if cur.ID == sm.ID {
			next = append(next, sm)
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, sm)
	}

	if err := s.persist(map[string]any{slotSummaries: next}); err != nil {
		return s.dropped("put summary", sm.ID, err)
	}
	s.summaries = next
	return nil
}

// DeleteSummary removes a summary by id.
func (s *Store) DeleteSummary(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Summary, 0, len(s.summaries))
	for _, sm := range s.summaries {
		if sm.ID != id {
			next = append(next, sm)
		}
	}
	if len(next) == len(s.summaries) {
		return false, nil
	}

	if err := s.persist(map[string]any{slotSummaries: next}); err != nil {
		return false, s.dropped("delete summary", id, err)
	}
	s.summaries = next
	return true, nil
}

// findMessage locates a message by id. Caller holds s.mu.
func (s *Store) findMessage(id string) (string, int) {
	for tid, list := range s.messages {
		for i := range list {
			if list[i].ID == id {
				return tid, i
			}
		}
	}
	return "", -1
}

// withThreadMessages returns a copy of the index with one thread's list
// replaced. Caller holds s.mu.
func (s *Store) withThreadMessages(threadID string, list []schema.Message) map[string][]schema.Message {
	idx := make(map[string][]schema.Message, len(s.messages)+1)
	for tid, l := range s.messages {
		idx[tid] = l
	}
	if len(list) == 0 {
		delete(idx, threadID)
	} else {
		idx[threadID] = list
	}
	return idx
}
