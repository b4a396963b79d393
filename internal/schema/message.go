package schema

import (
	"fmt"
	"sort"
	"time"
)

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleData      Role = "data"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleData:
		return true
	}
	return false
}

// DuplicateWindow is how far apart two otherwise identical messages may be
// created and still count as the same logical message.
const DuplicateWindow = time.Second

// Attachment is a file reference carried by a message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
	Size        int64  `json:"size,omitempty"`
}

// Message is one turn in a thread.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	OwnerID  string `json:"owner_id"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`

	CreatedAt time.Time `json:"created_at"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Model       string       `json:"model,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`
	SearchURLs  []string     `json:"search_urls,omitempty"`
}

// Validate checks required fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		att := make([]Attachment, len(m.Attachments))
		copy(att, m.Attachments)
		m.Attachments = att
	}
	m.SearchURLs = cloneStrings(m.SearchURLs)
	return m
}

// IsDuplicate reports whether a and b are the same logical message: same
// thread, role and content, created less than DuplicateWindow apart. The
// remote store may mint a different id for the same record, so ids are not
// compared.
func IsDuplicate(a, b Message) bool {
	if a.ThreadID != b.ThreadID || a.Role != b.Role || a.Content != b.Content {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < DuplicateWindow
}

// MessagePatch is a partial message update.
type MessagePatch struct {
	Content     *string       `json:"content,omitempty"`
	Model       *string       `json:"model,omitempty"`
	ImageURL    *string       `json:"image_url,omitempty"`
	SearchURLs  *[]string     `json:"search_urls,omitempty"`
	Attachments *[]Attachment `json:"attachments,omitempty"`
}

// Apply writes the set fields of p onto m.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Model != nil {
		m.Model = *p.Model
	}
	if p.ImageURL != nil {
		m.ImageURL = *p.ImageURL
	}
	if p.SearchURLs != nil {
		m.SearchURLs = cloneStrings(*p.SearchURLs)
	}
	if p.Attachments != nil {
		att := make([]Attachment, len(*p.Attachments))
		copy(att, *p.Attachments)
		m.Attachments = att
	}
}

// SortMessages orders messages chronologically, ids breaking ties.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Summary is a precomputed digest of one message, kept for search without
// loading full message bodies.
type Summary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields.
func (s *Summary) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.ThreadID == "" || s.MessageID == "" {
		return fmt.Errorf("thread_id and message_id are required")
	}
	return nil
}
