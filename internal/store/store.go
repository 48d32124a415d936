// Package store defines apkforge's persistence contract (spec.md §6.1)
// and a SQLite implementation of it. The contract is split across
// Project, Task, GitOperation, and Snapshot repositories; gitsafety and
// taskrun each depend on a narrow sub-interface of it rather than the
// whole Store.
package store

import (
	"context"
	"fmt"
	"time"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
)

// GitOperationFilter narrows ListGitOperationsByProject.
type GitOperationFilter struct {
	Kind   models.GitOperationKind
	Status models.GitOperationStatus
}

// Store is apkforge's full persistence contract. All methods may fail
// with apperr.NotFound, apperr.Conflict, or apperr.Unavailable; snapshot
// lookups report a missing row as apperr.SnapshotMissing.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListActiveProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	SoftDeleteProject(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error)
	ListNonTerminalTasks(ctx context.Context) ([]*models.Task, error)
	ListNonTerminalTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, fields map[string]any) error
	AppendArtifact(ctx context.Context, id string, descriptor models.ArtifactDescriptor) error
	// SaveTask upserts the full task record; it is the taskrun.PersistenceHook implementation.
	SaveTask(ctx context.Context, t *models.Task) error

	// GitOperations
	CreateGitOperation(ctx context.Context, op *models.GitOperation) error
	UpdateGitOperationStatus(ctx context.Context, id string, status models.GitOperationStatus, fields map[string]any) error
	ListGitOperationsByProject(ctx context.Context, projectID string, filter GitOperationFilter) ([]*models.GitOperation, error)

	// Snapshots
	CreateSnapshot(ctx context.Context, snap *models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	ListActiveSnapshotsByProject(ctx context.Context, projectID string) ([]*models.Snapshot, error)
	MarkSnapshotInactive(ctx context.Context, id string) error
	DeleteExpiredSnapshots(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CheckProjectAvailable enforces Invariant 1 of spec.md §3/§8.3 (at most
// one non-terminal task per project) at task-creation time, before a
// second pending row for the same project ever reaches the Task
// Runtime's own admission check in taskrun.Runtime.Submit.
func CheckProjectAvailable(ctx context.Context, s Store, projectID string) error {
	existing, err := s.ListNonTerminalTasksByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return apperr.New(apperr.Conflict, fmt.Sprintf("project %s already has a non-terminal task: %s", projectID, existing[0].ID))
	}
	return nil
}
