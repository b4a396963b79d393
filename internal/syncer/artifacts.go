package syncer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/schema"
)

// ArtifactParams describes a new artifact.
type ArtifactParams struct {
	ThreadID  string
	MessageID string
	Title     string
	Kind      string
	Content   string
}

// CreateArtifact stores the first version of an artifact.
func (o *Orchestrator) CreateArtifact(p ArtifactParams) (schema.Artifact, error) {
	owner, err := o.requireOwner()
	if err != nil {
		return schema.Artifact{}, err
	}
	if _, ok := o.store.Thread(p.ThreadID); !ok {
		return schema.Artifact{}, fmt.Errorf("thread %s: %w", p.ThreadID, ErrNotFound)
	}

	now := o.now()
	a := schema.Artifact{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		ThreadID:  p.ThreadID,
		MessageID: p.MessageID,
		Title:     p.Title,
		Kind:      p.Kind,
		Content:   p.Content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return a, o.putArtifact(a)
}

// ReviseArtifact stores a new version of an artifact with the given
// content. The revision points at the artifact it revises and numbers
// itself after the latest version in the chain.
func (o *Orchestrator) ReviseArtifact(id, content string) (schema.Artifact, error) {
	if _, err := o.requireOwner(); err != nil {
		return schema.Artifact{}, err
	}
	src, ok := o.store.Artifact(id)
	if !ok {
		return schema.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	version := src.Version
	for _, v := range o.store.ArtifactVersions(id) {
		version = max(version, v.Version)
	}

	now := o.now()
	rev := schema.Artifact{
		ID:        uuid.NewString(),
		OwnerID:   o.Owner(),
		ThreadID:  src.ThreadID,
		MessageID: src.MessageID,
		Title:     src.Title,
		Kind:      src.Kind,
		Content:   content,
		Version:   version + 1,
		ParentID:  src.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return rev, o.putArtifact(rev)
}

// DeleteArtifact removes one artifact version.
func (o *Orchestrator) DeleteArtifact(id string) error {
	a, ok := o.store.Artifact(id)
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if _, err := o.store.DeleteArtifact(id); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	o.bus.PublishImmediate(bus.ArtifactsUpdated{
		ThreadID:  a.ThreadID,
		Artifacts: o.store.Artifacts(a.ThreadID),
		Revision:  o.store.Revision(schema.CollectionArtifacts),
	})
	o.enqueue(schema.CollectionArtifacts, OpDelete, id, nil)
	return nil
}

func (o *Orchestrator) putArtifact(a schema.Artifact) error {
	if err := o.store.PutArtifact(a); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	o.bus.PublishCoalesced(bus.ArtifactsUpdated{
		ThreadID:  a.ThreadID,
		Artifacts: o.store.Artifacts(a.ThreadID),
		Revision:  o.store.Revision(schema.CollectionArtifacts),
	})
	o.enqueue(schema.CollectionArtifacts, OpCreate, a.ID, a)
	return nil
}
