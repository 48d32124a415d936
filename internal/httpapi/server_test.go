package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/android"
	"apkforge/internal/gitsafety"
	"apkforge/internal/logbus"
	"apkforge/internal/models"
	"apkforge/internal/pipeline"
	"apkforge/internal/repoguard"
	"apkforge/internal/store"
	"apkforge/internal/taskrun"
)

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

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "apkforge.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	guard := repoguard.New()
	safety := gitsafety.New(s, t.TempDir())
	bus := logbus.New()
	rt := taskrun.New(s, 2, time.Minute)
	p := pipeline.New(guard, safety, bus, rt, android.NewAnalyzer())

	srv := NewServer(s, rt, p, bus, t.TempDir(), t.TempDir())
	return srv, s
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetProject(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	dir := initProject(t, "alpha", "exit 0")
	rec := doJSON(t, router, http.MethodPost, "/api/v1/projects", map[string]string{"name": "demo", "path": dir})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"git"`)
}

func TestCreateTaskRequiresExistingProject(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"project_id": "nope", "archive_path": "/tmp/x.zip",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLifecycle_CreateStartRunsToCompletion(t *testing.T) {
	srv, s := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	project := initProject(t, "alpha", `
echo "> Task :app:assembleRelease"
mkdir -p app/build/outputs/apk/release
echo "fake apk" > app/build/outputs/apk/release/app-release.apk
echo "BUILD SUCCESSFUL in 1s"
exit 0
`)
	archive := writeArchive(t, "alpha", map[string]string{"v2.txt": "v2"})

	p := &models.Project{Name: "demo", Path: project, Active: true}
	require.NoError(t, s.CreateProject(ctx, p))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"project_id": p.ID, "archive_path": archive,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.RunDispatcher(dispatchCtx)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+task.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got models.Task
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got.Status == models.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartTask_NotPendingReturnsConflict(t *testing.T) {
	srv, s := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	dir := initProject(t, "alpha", "exit 0")
	p := &models.Project{Name: "demo", Path: dir, Active: true}
	require.NoError(t, s.CreateProject(ctx, p))

	task := &models.Task{ProjectID: p.ID, Kind: models.TaskKindBuild, ArchivePath: "/tmp/x.zip", Status: models.TaskStatusCompleted}
	require.NoError(t, s.CreateTask(ctx, task))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+task.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestCreateTask_RefusesWhenProjectHasNonTerminalTask exercises Testable
// Property #1 of spec.md §8 at the API layer: creating a second task for
// a project that already has a pending one must fail with 409 Conflict.
func TestCreateTask_RefusesWhenProjectHasNonTerminalTask(t *testing.T) {
	srv, s := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	dir := initProject(t, "alpha", "exit 0")
	p := &models.Project{Name: "demo", Path: dir, Active: true}
	require.NoError(t, s.CreateProject(ctx, p))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"project_id": p.ID, "archive_path": "/tmp/x.zip",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"project_id": p.ID, "archive_path": "/tmp/y.zip",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTask_UnknownReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
