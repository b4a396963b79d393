package store

import (
	"fmt"

	"github.com/threadsync/threadsync/internal/schema"
)

// Artifacts returns the artifacts of a thread in creation order.
func (s *Store) Artifacts(threadID string) []schema.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Artifact
	for _, a := range s.artifacts {
		if a.ThreadID == threadID {
			out = append(out, a)
		}
	}
	return out
}

// Artifact returns an artifact by id.
func (s *Store) Artifact(id string) (schema.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := indexArtifact(s.artifacts, id); i >= 0 {
		return s.artifacts[i], true
	}
	return schema.Artifact{}, false
}

// ArtifactVersions returns every revision in the chain containing id,
// ordered by version.
func (s *Store) ArtifactVersions(id string) []schema.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.artifactRoot(id)
	if root == "" {
		return nil
	}

	var out []schema.Artifact
	for _, a := range s.artifacts {
		if s.artifactRoot(a.ID) == root {
			out = append(out, a)
		}
	}
	schema.SortArtifacts(out)
	return out
}

// PutArtifact inserts or replaces an artifact by id.
func (s *Store) PutArtifact(a schema.Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Artifact, 0, len(s.artifacts)+1)
	replaced := false
	for _, cur := range s.artifacts {
		if cur.ID == a.ID {
			next = append(next, a)
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, a)
	}
	schema.SortArtifacts(next)

	if err := s.persist(map[string]any{slotArtifacts: next}); err != nil {
		return s.dropped("put artifact", a.ID, err)
	}
	s.artifacts = next
	return nil
}

// DeleteArtifact removes an artifact by id. Later revisions keep their
// parent reference.
func (s *Store) DeleteArtifact(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexArtifact(s.artifacts, id) < 0 {
		return false, nil
	}

	next := make([]schema.Artifact, 0, len(s.artifacts)-1)
	for _, a := range s.artifacts {
		if a.ID != id {
			next = append(next, a)
		}
	}

	if err := s.persist(map[string]any{slotArtifacts: next}); err != nil {
		return false, s.dropped("delete artifact", id, err)
	}
	s.artifacts = next
	return true, nil
}

// artifactRoot walks parent references up to the first revision. Caller
// holds s.mu.
func (s *Store) artifactRoot(id string) string {
	seen := make(map[string]bool)
	cur := id
	for {
		i := indexArtifact(s.artifacts, cur)
		if i < 0 {
			if cur == id {
				return ""
			}
			return cur
		}
		parent := s.artifacts[i].ParentID
		if parent == "" || seen[parent] {
			return cur
		}
		seen[cur] = true
		cur = parent
	}
}

func indexArtifact(arts []schema.Artifact, id string) int {
	for i := range arts {
		if arts[i].ID == id {
			return i
		}
	}
	return -1
}
