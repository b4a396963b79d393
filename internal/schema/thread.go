// Package schema provides the entity types shared by the local store, the
// sync orchestrator and the remote change subscriber.
package schema

import (
	"fmt"
	"sort"
	"time"
)

// Collection names, used both as local slot names and remote collection paths.
const (
	CollectionThreads   = "threads"
	CollectionMessages  = "messages"
	CollectionSummaries = "summaries"
	CollectionProjects  = "projects"
	CollectionArtifacts = "artifacts"
	CollectionMembers   = "project_members"
)

// TrackedCollections lists the collections mirrored locally, in the order
// they are loaded and subscribed.
var TrackedCollections = []string{
	CollectionProjects,
	CollectionThreads,
	CollectionMessages,
	CollectionSummaries,
	CollectionArtifacts,
}

// Thread is one conversation.
type Thread struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"owner_id"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`

	IsPinned   bool     `json:"is_pinned"`
	Tags       []string `json:"tags"`
	IsBranched bool     `json:"is_branched"`

	ProjectID string `json:"project_id,omitempty"`
}

// Validate checks required fields.
func (t *Thread) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Clone returns a deep copy.
func (t Thread) Clone() Thread {
	t.Tags = cloneStrings(t.Tags)
	return t
}

// ThreadPatch is a partial thread update. Nil fields are left unchanged.
type ThreadPatch struct {
	Title         *string    `json:"title,omitempty"`
	IsPinned      *bool      `json:"is_pinned,omitempty"`
	Tags          *[]string  `json:"tags,omitempty"`
	ProjectID     *string    `json:"project_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Apply writes the set fields of p onto t.
func (p ThreadPatch) Apply(t *Thread) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.IsPinned != nil {
		t.IsPinned = *p.IsPinned
	}
	if p.Tags != nil {
		t.Tags = cloneStrings(*p.Tags)
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.LastMessageAt != nil {
		t.LastMessageAt = *p.LastMessageAt
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
}

// Structural reports whether the patch changes pin, tag or project state.
// Those changes are published to the UI without coalescing.
func (p ThreadPatch) Structural() bool {
	return p.IsPinned != nil || p.Tags != nil || p.ProjectID != nil
}

// AffectsOrder reports whether applying p can move the thread in display order.
func (p ThreadPatch) AffectsOrder() bool {
	return p.IsPinned != nil || p.LastMessageAt != nil
}

// SortThreads orders threads for display: pinned first, then most recent
// message first. Ties fall back to creation time, then id.
func SortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
