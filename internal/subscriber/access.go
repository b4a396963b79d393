package subscriber

import (
	"context"
	"encoding/json"

	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/schema"
)

// allowed reports whether a record owned by ownerID and filed under
// projectID is visible to the current user. Membership is looked up on the
// remote on every call.
func (s *Subscriber) allowed(ctx context.Context, ownerID, projectID string) bool {
	owner := s.Owner()
	if owner == "" {
		return false
	}
	if ownerID == owner {
		return true
	}
	if projectID == "" {
		return false
	}
	return s.projectAccessible(ctx, owner, projectID)
}

func (s *Subscriber) projectAccessible(ctx context.Context, userID, projectID string) bool {
	projects, err := s.remote.List(ctx, schema.CollectionProjects, remote.Filter{ID: projectID, Limit: 1})
	if err != nil {
		s.log.Warn("project lookup failed", "project", projectID, "error", err)
		return false
	}
	if len(projects) > 0 {
		var p struct {
			OwnerID string `json:"owner_id"`
		}
		if json.Unmarshal(projects[0], &p) == nil && p.OwnerID == userID {
			return true
		}
	}

	members, err := s.remote.List(ctx, schema.CollectionMembers, remote.Filter{ProjectID: projectID, UserID: userID, Limit: 1})
	if err != nil {
		s.log.Warn("membership lookup failed", "project", projectID, "error", err)
		return false
	}
	return len(members) > 0
}

// threadProject returns the project of a thread, from the local store when
// the thread is known and from the remote otherwise.
func (s *Subscriber) threadProject(ctx context.Context, threadID string) string {
	if t, ok := s.store.Thread(threadID); ok {
		return t.ProjectID
	}
	threads, err := s.remote.List(ctx, schema.CollectionThreads, remote.Filter{ID: threadID, Limit: 1})
	if err != nil {
		s.log.Warn("thread lookup failed", "thread", threadID, "error", err)
		return ""
	}
	if len(threads) == 0 {
		return ""
	}
	var t struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(threads[0], &t); err != nil {
		return ""
	}
	return t.ProjectID
}
