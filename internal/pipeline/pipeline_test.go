package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/android"
	"apkforge/internal/apperr"
	"apkforge/internal/gitsafety"
	"apkforge/internal/logbus"
	"apkforge/internal/models"
	"apkforge/internal/repoguard"
	"apkforge/internal/taskrun"
)

type fakeRecorder struct {
	mu        sync.Mutex
	ops       map[string]*models.GitOperation
	snapshots map[string]*models.Snapshot
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ops: map[string]*models.GitOperation{}, snapshots: map[string]*models.Snapshot{}}
}

func (f *fakeRecorder) CreateGitOperation(_ context.Context, op *models.GitOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *op
	f.ops[op.ID] = &cp
	return nil
}

func (f *fakeRecorder) UpdateGitOperationStatus(_ context.Context, id string, status models.GitOperationStatus, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return apperr.New(apperr.NotFound, "not found: "+id)
	}
	op.Status = status
	return nil
}

func (f *fakeRecorder) CreateSnapshot(_ context.Context, snap *models.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *snap
	f.snapshots[snap.ID] = &cp
	return nil
}

func (f *fakeRecorder) MarkSnapshotInactive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return apperr.New(apperr.NotFound, "not found: "+id)
	}
	snap.Active = false
	return nil
}

func (f *fakeRecorder) GetSnapshot(_ context.Context, id string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "not found: "+id)
	}
	cp := *snap
	return &cp, nil
}

type nopHook struct{}

func (nopHook) SaveTask(_ context.Context, _ *models.Task) error { return nil }

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initProject(t *testing.T, packageName, gradlewBody string) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")

	assetsDir := filepath.Join(dir, android.AssetsRoot, packageName)
	require.NoError(t, os.MkdirAll(assetsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assetsDir, "v1.txt"), []byte("v1"), 0o644))

	gradlewPath := filepath.Join(dir, "gradlew")
	require.NoError(t, os.WriteFile(gradlewPath, []byte("#!/bin/sh\n"+gradlewBody), 0o755))

	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func writeArchive(t *testing.T, topLevel string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "resources.zip")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(filepath.Join(topLevel, name))
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return archivePath
}

func newWiredPipeline(t *testing.T) (*Pipeline, *taskrun.Runtime) {
	t.Helper()
	guard := repoguard.New()
	safety := gitsafety.New(newFakeRecorder(), t.TempDir())
	bus := logbus.New()
	rt := taskrun.New(nopHook{}, 1, time.Minute)
	p := New(guard, safety, bus, rt, android.NewAnalyzer())
	return p, rt
}

func submitAndDispatch(t *testing.T, rt *taskrun.Runtime, task *models.Task) *taskrun.Handle {
	t.Helper()
	require.NoError(t, rt.Submit(context.Background(), task))
	handle, err := rt.Dispatch(context.Background())
	require.NoError(t, err)
	return handle
}

func TestRun_HappyBuildReplacesResourcesAndCompletes(t *testing.T) {
	project := initProject(t, "alpha", `
echo "> Task :app:assembleRelease"
mkdir -p app/build/outputs/apk/release
echo "fake apk" > app/build/outputs/apk/release/app-release.apk
echo "BUILD SUCCESSFUL in 1s"
exit 0
`)
	archive := writeArchive(t, "alpha", map[string]string{"v2.txt": "v2"})

	p, rt := newWiredPipeline(t)
	task := &models.Task{ID: "t1", ProjectID: "p1", Kind: models.TaskKindBuild, ArchivePath: archive}
	handle := submitAndDispatch(t, rt, task)

	err := p.Run(context.Background(), handle, Request{
		Task:        task,
		ProjectID:   "p1",
		ProjectPath: project,
		StagingRoot: t.TempDir(),
	})
	require.NoError(t, err)

	got, ok := rt.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, models.ArtifactKindAPK, got.Artifacts[0].Kind)

	_, err = os.Stat(filepath.Join(project, android.AssetsRoot, "alpha", "v2.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(project, android.AssetsRoot, "alpha", "v1.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_NameMismatchFailsAndLeavesTreeUntouched(t *testing.T) {
	project := initProject(t, "alpha", `exit 0`)
	archive := writeArchive(t, "beta", map[string]string{"v2.txt": "v2"})

	p, rt := newWiredPipeline(t)
	task := &models.Task{ID: "t1", ProjectID: "p1", Kind: models.TaskKindBuild, ArchivePath: archive}
	handle := submitAndDispatch(t, rt, task)

	err := p.Run(context.Background(), handle, Request{
		Task:        task,
		ProjectID:   "p1",
		ProjectPath: project,
		StagingRoot: t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ResourcePackageMismatch))

	got, ok := rt.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, string(apperr.ResourcePackageMismatch), got.ErrorKind)

	data, readErr := os.ReadFile(filepath.Join(project, android.AssetsRoot, "alpha", "v1.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "v1", string(data))
}

func TestRun_GradleFailureKeepsResourceChangeAndFailsTask(t *testing.T) {
	project := initProject(t, "alpha", `
echo "BUILD FAILED in 1s"
exit 1
`)
	archive := writeArchive(t, "alpha", map[string]string{"v2.txt": "v2"})

	p, rt := newWiredPipeline(t)
	task := &models.Task{ID: "t1", ProjectID: "p1", Kind: models.TaskKindBuild, ArchivePath: archive}
	handle := submitAndDispatch(t, rt, task)

	err := p.Run(context.Background(), handle, Request{
		Task:        task,
		ProjectID:   "p1",
		ProjectPath: project,
		StagingRoot: t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.GradleExitNonZero))

	got, ok := rt.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	data, readErr := os.ReadFile(filepath.Join(project, android.AssetsRoot, "alpha", "v2.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "v2", string(data))
}

// TestValidate_RefusesWhenProjectHasNonTerminalSibling exercises Testable
// Property #1 of spec.md §8 at the stage-1 defense-in-depth layer: while
// one task for a project is still running, validate() must refuse a
// second request for the same project with apperr.Conflict, per the
// literal §4.5.1 stage-1 wording.
func TestValidate_RefusesWhenProjectHasNonTerminalSibling(t *testing.T) {
	project := initProject(t, "alpha", `exit 0`)
	archive := writeArchive(t, "alpha", map[string]string{"v2.txt": "v2"})

	p, rt := newWiredPipeline(t)
	task1 := &models.Task{ID: "t1", ProjectID: "p1", Kind: models.TaskKindBuild, ArchivePath: archive}
	submitAndDispatch(t, rt, task1)

	task2 := &models.Task{ID: "t2", ProjectID: "p1", Kind: models.TaskKindBuild, ArchivePath: archive}
	err := p.validate(Request{
		Task:        task2,
		ProjectID:   "p1",
		ProjectPath: project,
		StagingRoot: t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestRun_ResourceReplaceKindStopsBeforeGradle(t *testing.T) {
	project := initProject(t, "alpha", `exit 1`)
	archive := writeArchive(t, "alpha", map[string]string{"v2.txt": "v2"})

	p, rt := newWiredPipeline(t)
	task := &models.Task{ID: "t1", ProjectID: "p1", Kind: models.TaskKindResourceReplace, ArchivePath: archive}
	handle := submitAndDispatch(t, rt, task)

	err := p.Run(context.Background(), handle, Request{
		Task:        task,
		ProjectID:   "p1",
		ProjectPath: project,
		StagingRoot: t.TempDir(),
	})
	require.NoError(t, err)

	got, ok := rt.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	data, readErr := os.ReadFile(filepath.Join(project, android.AssetsRoot, "alpha", "v2.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "v2", string(data))
}
