package store

import (
	"fmt"

	"github.com/threadsync/threadsync/internal/schema"
)

// Threads returns all threads in display order.
func (s *Store) Threads() []schema.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Thread, len(s.threads))
	for i, t := range s.threads {
		out[i] = t.Clone()
	}
	return out
}

// Thread returns the thread with the given id.
func (s *Store) Thread(id string) (schema.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := indexThread(s.threads, id); i >= 0 {
		return s.threads[i].Clone(), true
	}
	return schema.Thread{}, false
}

// ThreadsByProject returns the threads attached to a project, in display order.
func (s *Store) ThreadsByProject(projectID string) []schema.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Thread
	for _, t := range s.threads {
		if t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// PutThread inserts or replaces a thread by id.
func (s *Store) PutThread(t schema.Thread) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid thread: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Thread, 0, len(s.threads)+1)
	replaced := false
	for _, cur := range s.threads {
		if cur.ID == t.ID {
			next = append(next, t.Clone())
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, t.Clone())
	}
	schema.SortThreads(next)

	if err := s.persist(map[string]any{slotThreads: next}); err != nil {
		return s.dropped("put thread", t.ID, err)
	}
	s.threads = next
	return nil
}

// UpdateThread applies a patch to an existing thread. It reports false
// without error when the thread does not exist.
func (s *Store) UpdateThread(id string, p schema.ThreadPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexThread(s.threads, id)
	if i < 0 {
		s.log.Debug("update of missing thread ignored", "id", id)
		return false, nil
	}

	next := make([]schema.Thread, len(s.threads))
	copy(next, s.threads)
	updated := next[i].Clone()
	p.Apply(&updated)
	next[i] = updated
	if p.AffectsOrder() {
		schema.SortThreads(next)
	}

	if err := s.persist(map[string]any{slotThreads: next}); err != nil {
		return false, s.dropped("update thread", id, err)
	}
	s.threads = next
	return true, nil
}

// DeleteThread removes a thread together with its messages, summaries and
// artifacts. It reports false when the thread did not exist; dependents are
// removed either way.
func (s *Store) DeleteThread(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := indexThread(s.threads, id) >= 0

	nextThreads := make([]schema.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if t.ID != id {
			nextThreads = append(nextThreads, t)
		}
	}

	nextMessages := make(map[string][]schema.Message, len(s.messages))
	for tid, list := range s.messages {
		if tid != id {
			nextMessages[tid] = list
		}
	}

	nextSummaries := make([]schema.Summary, 0, len(s.summaries))
	for _, sm := range s.summaries {
		if sm.ThreadID != id {
			nextSummaries = append(nextSummaries, sm)
		}
	}

	nextArtifacts := make([]schema.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if a.ThreadID != id {
			nextArtifacts = append(nextArtifacts, a)
		}
	}

	if err := s.persist(map[string]any{
		slotThreads:   nextThreads,
		slotMessages:  flattenMessages(nextMessages),
		slotSummaries: nextSummaries,
		slotArtifacts: nextArtifacts,
	}); err != nil {
		return false, s.dropped("delete thread", id, err)
	}

	s.threads = nextThreads
	s.messages = nextMessages
	s.summaries = nextSummaries
	s.artifacts = nextArtifacts
	return found, nil
}

func indexThread(threads []schema.Thread, id string) int {
	for i := range threads {
		if threads[i].ID == id {
			return i
		}
	}
	return -1
}
