package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "apkforge.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *SQLiteStore) *models.Project {
	t.Helper()
	p := &models.Project{Name: "demo", Path: "/tmp/demo", Active: true}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func TestProject_CreateGetUpdateSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s)
	assert.NotEmpty(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)

	byName, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	got.Description = "updated"
	require.NoError(t, s.UpdateProject(ctx, got))
	reread, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", reread.Description)

	require.NoError(t, s.SoftDeleteProject(ctx, p.ID))
	active, err := s.ListActiveProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestProject_GetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestTask_CreateGetListAndArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	task := &models.Task{
		ProjectID:     p.ID,
		Kind:          models.TaskKindBuild,
		ArchivePath:   "/tmp/archive.zip",
		ConfigOptions: map[string]string{"parallel": "true"},
		Status:        models.TaskStatusPending,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", got.ConfigOptions["parallel"])
	assert.Empty(t, got.Artifacts)

	require.NoError(t, s.AppendArtifact(ctx, task.ID, models.ArtifactDescriptor{
		Filename: "app-release.apk", Kind: models.ArtifactKindAPK, Size: 1024,
	}))
	withArtifact, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, withArtifact.Artifacts, 1)
	assert.Equal(t, "app-release.apk", withArtifact.Artifacts[0].Filename)

	byProject, err := s.ListTasksByProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, byProject, 1)
}

func TestTask_SaveTaskUpsertsAndReconcileQueryFindsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	running := &models.Task{ProjectID: p.ID, Kind: models.TaskKindBuild, Status: models.TaskStatusPending}
	require.NoError(t, s.CreateTask(ctx, running))
	running.Status = models.TaskStatusRunning
	require.NoError(t, s.SaveTask(ctx, running))

	done := &models.Task{ProjectID: p.ID, Kind: models.TaskKindBuild, Status: models.TaskStatusCompleted}
	require.NoError(t, s.CreateTask(ctx, done))

	nonTerminal, err := s.ListNonTerminalTasks(ctx)
	require.NoError(t, err)
	require.Len(t, nonTerminal, 1)
	assert.Equal(t, running.ID, nonTerminal[0].ID)
	assert.Equal(t, models.TaskStatusRunning, nonTerminal[0].Status)
}

func TestGitOperation_CreateUpdateAndFilterList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	op := &models.GitOperation{ProjectID: p.ID, Kind: models.GitOpCommit, Status: models.GitOpPending, Message: "replace resources"}
	require.NoError(t, s.CreateGitOperation(ctx, op))

	require.NoError(t, s.UpdateGitOperationStatus(ctx, op.ID, models.GitOpCompleted, map[string]any{"post_commit": "abc123"}))

	byProject, err := s.ListGitOperationsByProject(ctx, p.ID, GitOperationFilter{Kind: models.GitOpCommit})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, models.GitOpCompleted, byProject[0].Status)
	assert.Equal(t, "abc123", byProject[0].PostCommit)

	noMatch, err := s.ListGitOperationsByProject(ctx, p.ID, GitOperationFilter{Kind: models.GitOpRollback})
	require.NoError(t, err)
	assert.Empty(t, noMatch)
}

func TestSnapshot_CreateMarkInactiveAndDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	now := time.Now().UTC()
	active := &models.Snapshot{ProjectID: p.ID, Kind: models.SnapshotKindFull, Active: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateSnapshot(ctx, active))

	expired := &models.Snapshot{ProjectID: p.ID, Kind: models.SnapshotKindSnapshot, Active: false, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.CreateSnapshot(ctx, expired))

	got, err := s.GetSnapshot(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	byProject, err := s.ListActiveSnapshotsByProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, active.ID, byProject[0].ID)

	require.NoError(t, s.MarkSnapshotInactive(ctx, active.ID))
	afterMark, err := s.ListActiveSnapshotsByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, afterMark)

	n, err := s.DeleteExpiredSnapshots(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSnapshot_GetMissingReturnsSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSnapshot(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SnapshotMissing))
}
