package gitsafety

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
	"apkforge/internal/repoguard"
)

// fakeRecorder is an in-memory OperationRecorder for tests.
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

func (f *fakeRecorder) UpdateGitOperationStatus(_ context.Context, id string, status models.GitOperationStatus, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return assertNotFound(id)
	}
	op.Status = status
	if sid, ok := fields["pre_commit"].(string); ok {
		op.PreCommit = sid
	}
	if sid, ok := fields["post_commit"].(string); ok {
		op.PostCommit = sid
	}
	if e, ok := fields["error"].(string); ok {
		op.Error = e
	}
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
		return assertNotFound(id)
	}
	snap.Active = false
	return nil
}

func (f *fakeRecorder) GetSnapshot(_ context.Context, id string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return nil, assertNotFound(id)
	}
	cp := *snap
	return &cp, nil
}

func assertNotFound(id string) error { return apperr.New(apperr.NotFound, "not found: "+id) }

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v1"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func leaseFor(t *testing.T, dir string) *repoguard.Lease {
	t.Helper()
	g := repoguard.New()
	var lease *repoguard.Lease
	err := g.WithProject(context.Background(), "p1", dir, repoguard.Options{RequiresGit: true}, time.Second, func(l *repoguard.Lease) error {
		lease = l
		return nil
	})
	require.NoError(t, err)
	return lease
}

func TestAtomicCommit_NonEmptyChange(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v2"), 0o644))

	hash, err := layer.AtomicCommit(context.Background(), lease, "update f", nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	head, err := lease.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, hash, head)
}

func TestAtomicCommit_EmptyRejectedWithoutAllowEmpty(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	_, err := layer.AtomicCommit(context.Background(), lease, "noop", nil, false)
	require.Error(t, err)
}

func TestAtomicCommit_AllowEmpty(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	hash, err := layer.AtomicCommit(context.Background(), lease, "empty", nil, true)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestCheckoutBranch_RefusesDirtyTree(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("dirty"), 0o644))

	err := layer.CheckoutBranch(context.Background(), lease, "feature", true)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.WorkingTreeDirty))
}

func TestCheckoutBranch_CreatesAndSwitches(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	err := layer.CheckoutBranch(context.Background(), lease, "feature", true)
	require.NoError(t, err)

	branch, err := lease.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)
}

func TestRollback_RejectsNonAncestor(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	err := layer.Rollback(context.Background(), lease, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
}

func TestRollback_ResetsToAncestor(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	firstCommit, err := lease.HeadCommit()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v2"), 0o644))
	_, err = layer.AtomicCommit(context.Background(), lease, "second", nil, false)
	require.NoError(t, err)

	require.NoError(t, layer.Rollback(context.Background(), lease, firstCommit))

	head, err := lease.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, firstCommit, head)
}

func TestSnapshotFull_RoundTripsRestoreSnapshot(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	preCommit, err := lease.HeadCommit()
	require.NoError(t, err)

	snap, err := layer.Snapshot(context.Background(), lease, models.SnapshotKindFull, time.Hour)
	require.NoError(t, err)

	// Mutate: change f.txt and commit it, moving HEAD past preCommit.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("v2"), 0o644))
	_, err = layer.AtomicCommit(context.Background(), lease, "second", nil, false)
	require.NoError(t, err)

	require.NoError(t, layer.RestoreSnapshot(context.Background(), lease, snap.ID, true))

	head, err := lease.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, preCommit, head)

	data, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestRestoreSnapshot_RefusesDirtyTreeWithoutForce(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	snap, err := layer.Snapshot(context.Background(), lease, models.SnapshotKindFull, time.Hour)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("dirty"), 0o644))

	err = layer.RestoreSnapshot(context.Background(), lease, snap.ID, false)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.WorkingTreeDirty))
}

func TestResetWorkingTree_DiscardsChangesKeepsHead(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	head, err := lease.HeadCommit()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("scratch"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644))

	require.NoError(t, layer.ResetWorkingTree(context.Background(), lease))

	newHead, err := lease.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, head, newHead)

	data, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	_, err = os.Stat(filepath.Join(dir, "untracked.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_RemovesOnlyExpiredActiveSnapshots(t *testing.T) {
	dir := initRepo(t)
	rec := newFakeRecorder()
	layer := New(rec, t.TempDir())
	lease := leaseFor(t, dir)

	expired, err := layer.Snapshot(context.Background(), lease, models.SnapshotKindFull, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fresh, err := layer.Snapshot(context.Background(), lease, models.SnapshotKindFull, time.Hour)
	require.NoError(t, err)

	require.NoError(t, layer.Cleanup(context.Background(), []*models.Snapshot{expired, fresh}))

	gotExpired, err := rec.GetSnapshot(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.False(t, gotExpired.Active)
	_, statErr := os.Stat(expired.StoragePath)
	assert.True(t, os.IsNotExist(statErr))

	gotFresh, err := rec.GetSnapshot(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.True(t, gotFresh.Active)
}
