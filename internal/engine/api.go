package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/completion"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/streaming"
	"github.com/threadsync/threadsync/internal/syncer"
)

// Getters read the local store and never block on the network.

func (e *Engine) Threads() []schema.Thread                   { return e.store.Threads() }
func (e *Engine) Thread(id string) (schema.Thread, bool)     { return e.store.Thread(id) }
func (e *Engine) Messages(threadID string) []schema.Message  { return e.store.Messages(threadID) }
func (e *Engine) Summaries(threadID string) []schema.Summary { return e.store.Summaries(threadID) }
func (e *Engine) Projects() []schema.Project                 { return e.store.Projects() }
func (e *Engine) Project(id string) (schema.Project, bool)   { return e.store.Project(id) }
func (e *Engine) Artifacts(threadID string) []schema.Artifact {
	return e.store.Artifacts(threadID)
}
func (e *Engine) Artifact(id string) (schema.Artifact, bool) { return e.store.Artifact(id) }
func (e *Engine) CurrentUser() string                        { return e.store.CurrentUser() }

// Mutations apply locally, notify the bus and queue the remote write.

func (e *Engine) CreateThread(p syncer.ThreadParams) (schema.Thread, error) {
	return e.sync.CreateThread(p)
}

func (e *Engine) UpdateThread(id string, patch schema.ThreadPatch) (schema.Thread, error) {
	return e.sync.UpdateThread(id, patch)
}

func (e *Engine) MoveThread(id, projectID string) (schema.Thread, error) {
	return e.sync.MoveThread(id, projectID)
}

func (e *Engine) DeleteThread(id string) error { return e.sync.DeleteThread(id) }

func (e *Engine) BranchThread(id, title string) (schema.Thread, error) {
	return e.sync.BranchThread(id, title)
}

func (e *Engine) CreateProject(p syncer.ProjectParams) (schema.Project, error) {
	return e.sync.CreateProject(p)
}

func (e *Engine) UpdateProject(id string, patch schema.ProjectPatch) (schema.Project, error) {
	return e.sync.UpdateProject(id, patch)
}

func (e *Engine) DeleteProject(id string) error { return e.sync.DeleteProject(id) }

func (e *Engine) BranchProject(id string) (schema.Project, error) {
	return e.sync.BranchProject(id)
}

func (e *Engine) CreateMessage(p syncer.MessageParams) (schema.Message, error) {
	return e.sync.CreateMessage(p)
}

func (e *Engine) UpdateMessage(id string, patch schema.MessagePatch) (schema.Message, error) {
	return e.sync.UpdateMessage(id, patch)
}

func (e *Engine) DeleteMessage(id string) error { return e.sync.DeleteMessage(id) }

func (e *Engine) DeleteTrailingMessages(threadID string, from time.Time) ([]string, error) {
	return e.sync.DeleteTrailingMessages(threadID, from)
}

func (e *Engine) CreateSummary(threadID, messageID, content string) (schema.Summary, error) {
	return e.sync.CreateSummary(threadID, messageID, content)
}

func (e *Engine) CreateArtifact(p syncer.ArtifactParams) (schema.Artifact, error) {
	return e.sync.CreateArtifact(p)
}

func (e *Engine) ReviseArtifact(id, content string) (schema.Artifact, error) {
	return e.sync.ReviseArtifact(id, content)
}

func (e *Engine) DeleteArtifact(id string) error { return e.sync.DeleteArtifact(id) }

// Streaming text of in-flight responses. It never touches the store.

func (e *Engine) BeginStream(threadID, messageID string) bus.StreamState {
	return e.stream.Begin(threadID, messageID)
}

func (e *Engine) AppendToken(threadID, messageID, fullText string) bus.StreamState {
	return e.stream.AppendToken(threadID, messageID, fullText)
}

func (e *Engine) EndStream(threadID, messageID, finalText string) bus.StreamState {
	return e.stream.End(threadID, messageID, finalText)
}

func (e *Engine) StreamState(threadID, messageID string) (bus.StreamState, bool) {
	return e.stream.State(threadID, messageID)
}

func (e *Engine) ActiveStreams(threadID string) []bus.StreamState {
	return e.stream.Active(threadID)
}

func (e *Engine) SubscribeStream(threadID, messageID string, fn streaming.Handler) func() {
	return e.stream.Subscribe(threadID, messageID, fn)
}

func (e *Engine) SubscribeThreadStreams(threadID string, fn streaming.Handler) func() {
	return e.stream.SubscribeThread(threadID, fn)
}

// Ask stores prompt as a user message in threadID, streams the assistant
// response through the coordinator and stores the final text as an
// assistant message. When the completion fails midway, the partial text is
// stored and the error returned alongside it.
func (e *Engine) Ask(ctx context.Context, threadID, prompt string) (schema.Message, error) {
	if e.relay == nil {
		return schema.Message{}, fmt.Errorf("no completion source configured")
	}
	if e.Owner() == "" {
		return schema.Message{}, ErrNotStarted
	}
	if _, ok := e.store.Thread(threadID); !ok {
		return schema.Message{}, fmt.Errorf("thread %s: %w", threadID, syncer.ErrNotFound)
	}

	if _, err := e.sync.CreateMessage(syncer.MessageParams{
		ThreadID: threadID,
		Role:     schema.RoleUser,
		Content:  prompt,
	}); err != nil {
		return schema.Message{}, err
	}

	req := completion.Request{
		ThreadID:  threadID,
		MessageID: uuid.NewString(),
		History:   e.store.Messages(threadID),
	}
	text, askErr := e.relay.Pump(ctx, req)
	if text == "" && askErr != nil {
		return schema.Message{}, askErr
	}

	msg, err := e.sync.CreateMessage(syncer.MessageParams{
		ID:       req.MessageID,
		ThreadID: threadID,
		Role:     schema.RoleAssistant,
		Content:  text,
	})
	if err != nil {
		return schema.Message{}, err
	}
	return msg, askErr
}
