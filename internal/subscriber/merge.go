package subscriber

import (
	"context"
	"encoding/json"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/schema"
)

type mode int

const (
	modeCreated mode = iota
	modeUpdated
	modeDeleted

	// modePull merges a listed record: stored messages and summaries are
	// kept, other stored entities are replaced unless the local copy is
	// newer.
	modePull
)

// Merge outcomes, recorded per collection in metrics.
const (
	outcomeApplied   = "applied"
	outcomeEcho      = "echo"
	outcomeDuplicate = "duplicate"
	outcomeStale     = "stale"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeMalformed = "malformed"
	outcomeFailed    = "failed"
)

func (s *Subscriber) merge(ctx context.Context, m mode, collection string, raw json.RawMessage) {
	outcome := s.mergeRecord(ctx, m, collection, raw)
	s.metrics.FeedEvent(collection, outcome)
	if outcome != outcomeApplied {
		s.log.Debug("remote change not applied", "collection", collection, "outcome", outcome)
	}
}

func (s *Subscriber) mergeRecord(ctx context.Context, m mode, collection string, raw json.RawMessage) string {
	if m == modeDeleted {
		return s.remove(collection, raw)
	}

	fixed, dropped, err := normalize(collection, raw)
	if err != nil {
		s.log.Warn("skipping malformed record", "collection", collection, "error", err)
		return outcomeMalformed
	}
	if len(dropped) > 0 {
		s.log.Warn("dropped unrepairable fields", "collection", collection, "fields", dropped)
	}

	switch collection {
	case schema.CollectionThreads:
		return s.mergeThread(ctx, m, fixed)
	case schema.CollectionMessages:
		return s.mergeMessage(ctx, m, fixed)
	case schema.CollectionSummaries:
		return s.mergeSummary(m, fixed)
	case schema.CollectionProjects:
		return s.mergeProject(ctx, m, fixed)
	case schema.CollectionArtifacts:
		return s.mergeArtifact(m, fixed)
	}
	return outcomeIgnored
}

func (s *Subscriber) mergeThread(ctx context.Context, m mode, raw json.RawMessage) string {
	var t schema.Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		s.log.Warn("skipping malformed thread", "error", err)
		return outcomeMalformed
	}
	if !s.allowed(ctx, t.OwnerID, t.ProjectID) {
		return outcomeRejected
	}

	cur, exists := s.store.Thread(t.ID)
	switch {
	case exists && m == modeCreated:
		return outcomeEcho
	case exists && m == modePull && cur.UpdatedAt.After(t.UpdatedAt):
		return outcomeStale
	}
	if err := s.store.PutThread(t); err != nil {
		s.log.Warn("failed to merge thread", "id", t.ID, "error", err)
		return outcomeFailed
	}
	s.bus.PublishCoalesced(bus.ThreadsUpdated{
		Threads:  s.store.Threads(),
		Revision: s.store.Revision(schema.CollectionThreads),
	})
	return outcomeApplied
}

func (s *Subscriber) mergeMessage(ctx context.Context, m mode, raw json.RawMessage) string {
	var msg schema.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn("skipping malformed message", "error", err)
		return outcomeMalformed
	}
	if msg.OwnerID != s.Owner() {
		pid := s.threadProject(ctx, msg.ThreadID)
		if !s.allowed(ctx, msg.OwnerID, pid) {
			return outcomeRejected
		}
	}

	if _, exists := s.store.Message(msg.ID); exists && m != modeUpdated {
		return outcomeEcho
	}
	_, dup, err := s.store.PutMessage(msg)
	if err != nil {
		s.log.Warn("failed to merge message", "id", msg.ID, "error", err)
		return outcomeFailed
	}
	if dup {
		return outcomeDuplicate
	}
	s.bus.PublishCoalesced(bus.MessagesUpdated{
		ThreadID: msg.ThreadID,
		Messages: s.store.Messages(msg.ThreadID),
		Revision: s.store.Revision(schema.CollectionMessages),
	})
	return outcomeApplied
}

func (s *Subscriber) mergeSummary(m mode, raw json.RawMessage) string {
	var sm schema.Summary
	if err := json.Unmarshal(raw, &sm); err != nil {
		s.log.Warn("skipping malformed summary", "error", err)
		return outcomeMalformed
	}
	if sm.OwnerID != s.Owner() {
		return outcomeRejected
	}
	if _, exists := s.store.Summary(sm.ID); exists && m != modeUpdated {
		return outcomeEcho
	}
	if err := s.store.PutSummary(sm); err != nil {
		s.log.Warn("failed to merge summary", "id", sm.ID, "error", err)
		return outcomeFailed
	}
	s.bus.PublishCoalesced(bus.SummariesUpdated{
		ThreadID:  sm.ThreadID,
		Summaries: s.store.Summaries(sm.ThreadID),
		Revision:  s.store.Revision(schema.CollectionSummaries),
	})
	return outcomeApplied
}

func (s *Subscriber) mergeProject(ctx context.Context, m mode, raw json.RawMessage) string {
	var p schema.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("skipping malformed project", "error", err)
		return outcomeMalformed
	}
	if !s.allowed(ctx, p.OwnerID, p.ID) {
		return outcomeRejected
	}

	cur, exists := s.store.Project(p.ID)
	switch {
	case exists && m == modeCreated:
		return outcomeEcho
	case exists && m == modePull && cur.UpdatedAt.After(p.UpdatedAt):
		return outcomeStale
	}
	if err := s.store.PutProject(p); err != nil {
		s.log.Warn("failed to merge project", "id", p.ID, "error", err)
		return outcomeFailed
	}
	s.bus.PublishCoalesced(bus.ProjectsUpdated{
		Projects: s.store.Projects(),
		Revision: s.store.Revision(schema.CollectionProjects),
	})
	return outcomeApplied
}

func (s *Subscriber) mergeArtifact(m mode, raw json.RawMessage) string {
	var a schema.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		s.log.Warn("skipping malformed artifact", "error", err)
		return outcomeMalformed
	}
	if a.OwnerID != s.Owner() {
		return outcomeRejected
	}

	cur, exists := s.store.Artifact(a.ID)
	switch {
	case exists && m == modeCreated:
		return outcomeEcho
	case exists && m == modePull && cur.UpdatedAt.After(a.UpdatedAt):
		return outcomeStale
	}
	if err := s.store.PutArtifact(a); err != nil {
		s.log.Warn("failed to merge artifact", "id", a.ID, "error", err)
		return outcomeFailed
	}
	s.bus.PublishCoalesced(bus.ArtifactsUpdated{
		ThreadID:  a.ThreadID,
		Artifacts: s.store.Artifacts(a.ThreadID),
		Revision:  s.store.Revision(schema.CollectionArtifacts),
	})
	return outcomeApplied
}

// remove applies a remote delete to a locally stored record.
func (s *Subscriber) remove(collection string, raw json.RawMessage) string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
		s.log.Warn("skipping malformed delete", "collection", collection, "error", err)
		return outcomeMalformed
	}

	var (
		found bool
		err   error
	)
	switch collection {
	case schema.CollectionThreads:
		if found, err = s.store.DeleteThread(ref.ID); found && err == nil {
			s.bus.PublishImmediate(bus.ThreadsUpdated{
				Threads:  s.store.Threads(),
				Revision: s.store.Revision(schema.CollectionThreads),
			})
			s.bus.PublishImmediate(bus.MessagesUpdated{ThreadID: ref.ID})
			s.bus.PublishImmediate(bus.SummariesUpdated{ThreadID: ref.ID})
			s.bus.PublishImmediate(bus.ArtifactsUpdated{ThreadID: ref.ID})
		}
	case schema.CollectionMessages:
		msg, ok := s.store.Message(ref.ID)
		if !ok {
			return outcomeIgnored
		}
		if found, err = s.store.DeleteMessage(ref.ID); found && err == nil {
			s.bus.PublishImmediate(bus.MessagesUpdated{
				ThreadID: msg.ThreadID,
				Messages: s.store.Messages(msg.ThreadID),
				Revision: s.store.Revision(schema.CollectionMessages),
			})
			s.bus.PublishImmediate(bus.SummariesUpdated{
				ThreadID:  msg.ThreadID,
				Summaries: s.store.Summaries(msg.ThreadID),
				Revision:  s.store.Revision(schema.CollectionSummaries),
			})
		}
	case schema.CollectionSummaries:
		sm, ok := s.store.Summary(ref.ID)
		if !ok {
			return outcomeIgnored
		}
		if found, err = s.store.DeleteSummary(ref.ID); found && err == nil {
			s.bus.PublishImmediate(bus.SummariesUpdated{
				ThreadID:  sm.ThreadID,
				Summaries: s.store.Summaries(sm.ThreadID),
				Revision:  s.store.Revision(schema.CollectionSummaries),
			})
		}
	case schema.CollectionProjects:
		if found, err = s.store.DeleteProject(ref.ID); found && err == nil {
			s.bus.PublishImmediate(bus.ProjectsUpdated{
				Projects: s.store.Projects(),
				Revision: s.store.Revision(schema.CollectionProjects),
			})
			s.bus.PublishImmediate(bus.ThreadsUpdated{
				Threads:  s.store.Threads(),
				Revision: s.store.Revision(schema.CollectionThreads),
			})
		}
	case schema.CollectionArtifacts:
		a, ok := s.store.Artifact(ref.ID)
		if !ok {
			return outcomeIgnored
		}
		if found, err = s.store.DeleteArtifact(ref.ID); found && err == nil {
			s.bus.PublishImmediate(bus.ArtifactsUpdated{
				ThreadID:  a.ThreadID,
				Artifacts: s.store.Artifacts(a.ThreadID),
				Revision:  s.store.Revision(schema.CollectionArtifacts),
			})
		}
	}

	switch {
	case err != nil:
		s.log.Warn("failed to apply remote delete", "collection", collection, "id", ref.ID, "error", err)
		return outcomeFailed
	case !found:
		return outcomeIgnored
	}
	return outcomeApplied
}
