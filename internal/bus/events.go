package bus

import (
	"time"

	"github.com/threadsync/threadsync/internal/schema"
)

// Kind identifies an event type.
type Kind int

const (
	KindThreadsUpdated Kind = iota + 1
	KindProjectsUpdated
	KindMessagesUpdated
	KindSummariesUpdated
	KindArtifactsUpdated
	KindStreamingStarted
	KindStreamingUpdated
	KindStreamingEnded
	KindStreamingBroadcast
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindThreadsUpdated,
	KindProjectsUpdated,
	KindMessagesUpdated,
	KindSummariesUpdated,
	KindArtifactsUpdated,
	KindStreamingStarted,
	KindStreamingUpdated,
	KindStreamingEnded,
	KindStreamingBroadcast,
}

var kindNames = map[Kind]string{
	KindThreadsUpdated:     "threads_updated",
	KindProjectsUpdated:    "projects_updated",
	KindMessagesUpdated:    "messages_updated",
	KindSummariesUpdated:   "summaries_updated",
	KindArtifactsUpdated:   "artifacts_updated",
	KindStreamingStarted:   "streaming_started",
	KindStreamingUpdated:   "streaming_updated",
	KindStreamingEnded:     "streaming_ended",
	KindStreamingBroadcast: "streaming_broadcast",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps a wire name back to its kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Event is one of the types declared in this package.
type Event interface {
	Kind() Kind
	// Key scopes coalescing: repeats with the same kind and key collapse.
	Key() string
	fingerprint() fingerprint
}

// fingerprint is a cheap change detector: collection length, the id of the
// last element, a per-type version scalar and the store revision the
// payload was read at.
type fingerprint struct {
	length   int
	lastID   string
	version  int64
	revision uint64
}

// ThreadsUpdated carries the full thread list in display order.
type ThreadsUpdated struct {
	Threads []schema.Thread `json:"threads"`

	// Revision is the store revision of the collection.
	Revision uint64 `json:"revision"`
}

func (ThreadsUpdated) Kind() Kind  { return KindThreadsUpdated }
func (ThreadsUpdated) Key() string { return "" }

func (e ThreadsUpdated) fingerprint() fingerprint {
	fp := fingerprint{length: len(e.Threads), revision: e.Revision}
	if n := len(e.Threads); n > 0 {
		fp.lastID = e.Threads[n-1].ID
	}
	for _, t := range e.Threads {
		fp.version = max(fp.version, t.UpdatedAt.UnixNano(), t.LastMessageAt.UnixNano())
		if t.IsPinned {
			fp.version++
		}
	}
	return fp
}

// ProjectsUpdated carries the full project list.
type ProjectsUpdated struct {
	Projects []schema.Project `json:"projects"`

	// Revision is the store revision of the collection.
	Revision uint64 `json:"revision"`
}

func (ProjectsUpdated) Kind() Kind  { return KindProjectsUpdated }
func (ProjectsUpdated) Key() string { return "" }

func (e ProjectsUpdated) fingerprint() fingerprint {
	fp := fingerprint{length: len(e.Projects), revision: e.Revision}
	if n := len(e.Projects); n > 0 {
		fp.lastID = e.Projects[n-1].ID
	}
	for _, p := range e.Projects {
		fp.version = max(fp.version, p.UpdatedAt.UnixNano())
	}
	return fp
}

// MessagesUpdated carries the messages of one thread.
type MessagesUpdated struct {
	ThreadID string           `json:"thread_id"`
	Messages []schema.Message `json:"messages"`
	Revision uint64           `json:"revision"`
}

func (MessagesUpdated) Kind() Kind    { return KindMessagesUpdated }
func (e MessagesUpdated) Key() string { return e.ThreadID }

func (e MessagesUpdated) fingerprint() fingerprint {
	fp := fingerprint{length: len(e.Messages), revision: e.Revision}
	if n := len(e.Messages); n > 0 {
		fp.lastID = e.Messages[n-1].ID
	}
	for _, m := range e.Messages {
		fp.version += int64(len(m.Content))
	}
	return fp
}

// SummariesUpdated carries the summaries of one thread.
type SummariesUpdated struct {
	ThreadID  string           `json:"thread_id"`
	Summaries []schema.Summary `json:"summaries"`
	Revision  uint64           `json:"revision"`
}

func (SummariesUpdated) Kind() Kind    { return KindSummariesUpdated }
func (e SummariesUpdated) Key() string { return e.ThreadID }

func (e SummariesUpdated) fingerprint() fingerprint {
	fp := fingerprint{length: len(e.Summaries), revision: e.Revision}
	if n := len(e.Summaries); n > 0 {
		fp.lastID = e.Summaries[n-1].ID
	}
	for _, s := range e.Summaries {
		fp.version += int64(len(s.Content))
	}
	return fp
}

// ArtifactsUpdated carries the artifacts of one thread.
type ArtifactsUpdated struct {
	ThreadID  string            `json:"thread_id"`
	Artifacts []schema.Artifact `json:"artifacts"`
	Revision  uint64            `json:"revision"`
}

func (ArtifactsUpdated) Kind() Kind    { return KindArtifactsUpdated }
func (e ArtifactsUpdated) Key() string { return e.ThreadID }

func (e ArtifactsUpdated) fingerprint() fingerprint {
	fp := fingerprint{length: len(e.Artifacts), revision: e.Revision}
	if n := len(e.Artifacts); n > 0 {
		fp.lastID = e.Artifacts[n-1].ID
	}
	for _, a := range e.Artifacts {
		fp.version += int64(a.Version) + int64(len(a.Content))
	}
	return fp
}

// StreamState is the live text of one in-flight response.
type StreamState struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s StreamState) fingerprint() fingerprint {
	return fingerprint{length: len(s.Text), lastID: s.MessageID, version: s.UpdatedAt.UnixNano()}
}

// StreamingStarted is published when a response begins streaming.
type StreamingStarted struct {
	State StreamState `json:"state"`
}

func (StreamingStarted) Kind() Kind                 { return KindStreamingStarted }
func (e StreamingStarted) Key() string              { return e.State.ThreadID + "/" + e.State.MessageID }
func (e StreamingStarted) fingerprint() fingerprint { return e.State.fingerprint() }

// StreamingUpdated is published on every appended token.
type StreamingUpdated struct {
	State StreamState `json:"state"`
}

func (StreamingUpdated) Kind() Kind                 { return KindStreamingUpdated }
func (e StreamingUpdated) Key() string              { return e.State.ThreadID + "/" + e.State.MessageID }
func (e StreamingUpdated) fingerprint() fingerprint { return e.State.fingerprint() }

// StreamingEnded is published when a response finishes.
type StreamingEnded struct {
	State StreamState `json:"state"`
}

func (StreamingEnded) Kind() Kind                 { return KindStreamingEnded }
func (e StreamingEnded) Key() string              { return e.State.ThreadID + "/" + e.State.MessageID }
func (e StreamingEnded) fingerprint() fingerprint { return e.State.fingerprint() }

// StreamingBroadcast is published when another tab's streaming state is
// applied locally.
type StreamingBroadcast struct {
	State  StreamState `json:"state"`
	Origin string      `json:"origin"`
}

func (StreamingBroadcast) Kind() Kind                 { return KindStreamingBroadcast }
func (e StreamingBroadcast) Key() string              { return e.State.ThreadID + "/" + e.State.MessageID }
func (e StreamingBroadcast) fingerprint() fingerprint { return e.State.fingerprint() }
