package schema

import (
	"fmt"
	"sort"
	"time"
)

// Artifact is generated side content (a plan, a document) attached to a
// message. Revisions form a chain through ParentID.
type Artifact struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`

	Title   string `json:"title"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`

	Version  int    `json:"version"`
	ParentID string `json:"parent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if a.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", a.Version)
	}
	return nil
}

// SortArtifacts orders artifacts by creation time, then version.
func SortArtifacts(arts []Artifact) {
	sort.SliceStable(arts, func(i, j int) bool {
		if !arts[i].CreatedAt.Equal(arts[j].CreatedAt) {
			return arts[i].CreatedAt.Before(arts[j].CreatedAt)
		}
		return arts[i].Version < arts[j].Version
	})
}
