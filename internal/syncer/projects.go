package syncer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/schema"
)

// ProjectParams describes a new project.
type ProjectParams struct {
	Name        string
	Description string
	Prompt      string
	ColorIndex  *int
}

// CreateProject stores a new project and queues its remote create.
func (o *Orchestrator) CreateProject(p ProjectParams) (schema.Project, error) {
	owner, err := o.requireOwner()
	if err != nil {
		return schema.Project{}, err
	}

	now := o.now()
	proj := schema.Project{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Name:        p.Name,
		Description: p.Description,
		Prompt:      p.Prompt,
		ColorIndex:  p.ColorIndex,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.PutProject(proj); err != nil {
		return schema.Project{}, fmt.Errorf("failed to create project: %w", err)
	}

	o.publishProjects(false)
	o.enqueue(schema.CollectionProjects, OpCreate, proj.ID, proj)
	return proj.Clone(), nil
}

// UpdateProject applies a patch to a project.
func (o *Orchestrator) UpdateProject(id string, patch schema.ProjectPatch) (schema.Project, error) {
	now := o.now()
	patch.UpdatedAt = &now

	ok, err := o.store.UpdateProject(id, patch)
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to update project: %w", err)
	}
	if !ok {
		return schema.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}

	o.publishProjects(false)
	o.enqueue(schema.CollectionProjects, OpUpdate, id, patch)

	p, _ := o.store.Project(id)
	return p, nil
}

// DeleteProject removes a project. Its threads are kept and detached, and
// the detachment is replicated.
func (o *Orchestrator) DeleteProject(id string) error {
	attached := o.store.ThreadsByProject(id)

	found, err := o.store.DeleteProject(id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if !found {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}

	o.publishProjects(true)
	if len(attached) > 0 {
		o.publishThreads(true)
	}

	none := ""
	for _, t := range attached {
		o.enqueue(schema.CollectionThreads, OpUpdate, t.ID, schema.ThreadPatch{ProjectID: &none})
	}
	o.enqueue(schema.CollectionProjects, OpDelete, id, nil)
	return nil
}

// BranchProject copies a project's settings into a new project named with
// the branch suffix. Threads are not copied.
func (o *Orchestrator) BranchProject(id string) (schema.Project, error) {
	src, ok := o.store.Project(id)
	if !ok {
		return schema.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return o.CreateProject(ProjectParams{
		Name:        src.Name + o.config.BranchSuffix,
		Description: src.Description,
		Prompt:      src.Prompt,
		ColorIndex:  src.ColorIndex,
	})
}

func (o *Orchestrator) publishProjects(immediate bool) {
	e := bus.ProjectsUpdated{
		Projects: o.store.Projects(),
		Revision: o.store.Revision(schema.CollectionProjects),
	}
	if immediate {
		o.bus.PublishImmediate(e)
		return
	}
	o.bus.PublishCoalesced(e)
}
