package store

import (
	"fmt"

	"github.com/threadsync/threadsync/internal/schema"
)

// Projects returns all projects, most recently updated first.
func (s *Store) Projects() []schema.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Project, len(s.projects))
	for i, p := range s.projects {
		out[i] = p.Clone()
	}
	return out
}

// Project returns a project by id.
func (s *Store) Project(id string) (schema.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.projects {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return schema.Project{}, false
}

// PutProject inserts or replaces a project by id.
func (s *Store) PutProject(p schema.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Project, 0, len(s.projects)+1)
	replaced := false
	for _, cur := range s.projects {
		if cur.ID == p.ID {
			next = append(next, p.Clone())
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, p.Clone())
	}
	schema.SortProjects(next)

	if err := s.persist(map[string]any{slotProjects: next}); err != nil {
		return s.dropped("put project", p.ID, err)
	}
	s.projects = next
	return nil
}

// UpdateProject applies a patch to an existing project. It reports false
// without error when the project does not exist.
func (s *Store) UpdateProject(id string, patch schema.ProjectPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]schema.Project, len(s.projects))
	found := false
	for i, cur := range s.projects {
		if cur.ID == id {
			updated := cur.Clone()
			patch.Apply(&updated)
			next[i] = updated
			found = true
			continue
		}
		next[i] = cur
	}
	if !found {
		s.log.Debug("update of missing project ignored", "id", id)
		return false, nil
	}
	schema.SortProjects(next)

	if err := s.persist(map[string]any{slotProjects: next}); err != nil {
		return false, s.dropped("update project", id, err)
	}
	s.projects = next
	return true, nil
}

// DeleteProject removes a project and detaches its threads. The threads
// themselves are kept.
func (s *Store) DeleteProject(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextProjects := make([]schema.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if p.ID != id {
			nextProjects = append(nextProjects, p)
		}
	}
	found := len(nextProjects) != len(s.projects)

	nextThreads := make([]schema.Thread, len(s.threads))
	detached := false
	for i, t := range s.threads {
		if t.ProjectID == id {
			t = t.Clone()
			t.ProjectID = ""
			detached = true
		}
		nextThreads[i] = t
	}

	if !found && !detached {
		return false, nil
	}

	if err := s.persist(map[string]any{
		slotProjects: nextProjects,
		slotThreads:  nextThreads,
	}); err != nil {
		return false, s.dropped("delete project", id, err)
	}
	s.projects = nextProjects
	s.threads = nextThreads
	return found, nil
}
