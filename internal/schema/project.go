package schema

import (
	"fmt"
	"sort"
	"time"
)

// Project groups threads and may be shared with other members.
type Project struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	ColorIndex  *int      `json:"color_index,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	return nil
}

// Clone returns a deep copy.
func (p Project) Clone() Project {
	if p.ColorIndex != nil {
		c := *p.ColorIndex
		p.ColorIndex = &c
	}
	return p
}

// ProjectPatch is a partial project update.
type ProjectPatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Prompt      *string    `json:"prompt,omitempty"`
	ColorIndex  *int       `json:"color_index,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Apply writes the set fields of p onto proj.
func (p ProjectPatch) Apply(proj *Project) {
	if p.Name != nil {
		proj.Name = *p.Name
	}
	if p.Description != nil {
		proj.Description = *p.Description
	}
	if p.Prompt != nil {
		proj.Prompt = *p.Prompt
	}
	if p.ColorIndex != nil {
		c := *p.ColorIndex
		proj.ColorIndex = &c
	}
	if p.UpdatedAt != nil {
		proj.UpdatedAt = *p.UpdatedAt
	}
}

// SortProjects orders projects by most recently updated first.
func SortProjects(projects []Project) {
	sort.SliceStable(projects, func(i, j int) bool {
		if !projects[i].UpdatedAt.Equal(projects[j].UpdatedAt) {
			return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
}

// ProjectMember grants a user access to a project owned by someone else.
// Members are only ever looked up remotely, never cached.
type ProjectMember struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role,omitempty"`
}
