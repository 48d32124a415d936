// Package gitsafety implements the Git Safety Layer of spec.md §4.2 (C2):
// git mutations treated as transactions with pre-snapshot, post-condition
// verification, and explicit rollback semantics. Every operation runs
// against a *repoguard.Lease, so callers are already holding the
// project's exclusive lease before calling into this package.
package gitsafety

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
	"apkforge/internal/repoguard"
)

// OperationRecorder persists GitOperation and Snapshot records. It is the
// narrow slice of the store.Store contract (spec.md §6.1) this package needs.
type OperationRecorder interface {
	CreateGitOperation(ctx context.Context, op *models.GitOperation) error
	UpdateGitOperationStatus(ctx context.Context, id string, status models.GitOperationStatus, fields map[string]any) error
	CreateSnapshot(ctx context.Context, snap *models.Snapshot) error
	MarkSnapshotInactive(ctx context.Context, id string) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
}

// Layer implements the six operations of spec.md §4.2.1.
type Layer struct {
	Recorder       OperationRecorder
	SnapshotsRoot  string // <snapshots>/<project-id>/<snapshot-id>/
	DefaultTTL     time.Duration
	gcMu           sync.Mutex
}

// New returns a Layer writing snapshots under snapshotsRoot.
func New(recorder OperationRecorder, snapshotsRoot string) *Layer {
	return &Layer{
		Recorder:      recorder,
		SnapshotsRoot: snapshotsRoot,
		DefaultTTL:    7 * 24 * time.Hour,
	}
}

func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func newOpID() string   { return newULID() }
func newSnapID() string { return newULID() }

func (l *Layer) startOperation(ctx context.Context, lease *repoguard.Lease, kind models.GitOperationKind, branch, message string) (*models.GitOperation, error) {
	op := &models.GitOperation{
		ID:        newOpID(),
		ProjectID: lease.ProjectID,
		Kind:      kind,
		Status:    models.GitOpPending,
		Branch:    branch,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.Recorder.CreateGitOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("record git operation: %w", err)
	}
	now := time.Now().UTC()
	op.Status = models.GitOpInProgress
	op.StartedAt = &now
	if err := l.Recorder.UpdateGitOperationStatus(ctx, op.ID, models.GitOpInProgress, map[string]any{"started_at": now}); err != nil {
		return nil, fmt.Errorf("start git operation: %w", err)
	}
	return op, nil
}

func (l *Layer) finishOperation(ctx context.Context, op *models.GitOperation, status models.GitOperationStatus, fields map[string]any) {
	now := time.Now().UTC()
	op.Status = status
	op.CompletedAt = &now
	if fields == nil {
		fields = map[string]any{}
	}
	fields["completed_at"] = now
	_ = l.Recorder.UpdateGitOperationStatus(ctx, op.ID, status, fields)
}

// Snapshot produces a Snapshot record and on-disk artifact per spec.md
// §4.2.1. kind=full copies the working tree and .git (including
// .git/hooks, per Open Question 3); kind=snapshot records HEAD, branch,
// and a stash handle for any uncommitted changes.
func (l *Layer) Snapshot(ctx context.Context, lease *repoguard.Lease, kind models.SnapshotKind, ttl time.Duration) (*models.Snapshot, error) {
	if ttl <= 0 {
		ttl = l.DefaultTTL
	}

	branch, err := lease.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("get current branch: %w", err)
	}
	commit, err := lease.HeadCommit()
	if err != nil {
		return nil, fmt.Errorf("get HEAD commit: %w", err)
	}

	snap := &models.Snapshot{
		ID:           newSnapID(),
		ProjectID:    lease.ProjectID,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(ttl),
		SourceBranch: branch,
		SourceCommit: commit,
		Kind:         kind,
		Active:       true,
	}

	storageDir := filepath.Join(l.SnapshotsRoot, lease.ProjectID, snap.ID)
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	switch kind {
	case models.SnapshotKindFull:
		archivePath := filepath.Join(storageDir, "tree.tar.gz")
		if err := tarDirectory(lease.Path, archivePath); err != nil {
			return nil, fmt.Errorf("snapshot working tree: %w", err)
		}
		snap.StoragePath = archivePath
	case models.SnapshotKindSnapshot:
		stashRef, err := lease.Git.StashCreate()
		if err != nil {
			return nil, fmt.Errorf("create stash: %w", err)
		}
		snap.StashRef = stashRef
		snap.StoragePath = storageDir
	default:
		return nil, fmt.Errorf("unknown snapshot kind: %s", kind)
	}

	if err := l.Recorder.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}
	return snap, nil
}

// tarDirectory writes root (including .git and .git/hooks) into a gzipped
// tarball at destPath.
func tarDirectory(root, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// untarDirectory extracts a tarball produced by tarDirectory into destRoot,
// which is first emptied.
func untarDirectory(archivePath, destRoot string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	if err := os.RemoveAll(destRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destRoot, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// CheckoutBranch refuses if the working tree is dirty. It creates branch
// from current HEAD if createIfMissing and branch is absent. On success
// it verifies HEAD matches the requested branch.
func (l *Layer) CheckoutBranch(ctx context.Context, lease *repoguard.Lease, branch string, createIfMissing bool) error {
	dirty, err := lease.IsDirty()
	if err != nil {
		return fmt.Errorf("check working tree: %w", err)
	}
	if dirty {
		return apperr.New(apperr.WorkingTreeDirty, "working tree has uncommitted changes")
	}

	kind := models.GitOpBranchSwitch
	exists, err := lease.Git.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("check branch existence: %w", err)
	}
	if !exists {
		if !createIfMissing {
			return fmt.Errorf("branch does not exist: %s", branch)
		}
		kind = models.GitOpBranchCreate
	}

	op, err := l.startOperation(ctx, lease, kind, branch, "")
	if err != nil {
		return err
	}

	if !exists {
		if err := lease.Git.CreateBranch(branch); err != nil {
			l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
			return fmt.Errorf("create branch: %w", err)
		}
	}
	if err := lease.Git.Checkout(branch); err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("checkout branch: %w", err)
	}

	current, err := lease.CurrentBranch()
	if err != nil || current != branch {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": "HEAD did not land on requested branch"})
		return fmt.Errorf("checkout verification failed: HEAD is on %q, expected %q", current, branch)
	}

	l.finishOperation(ctx, op, models.GitOpCompleted, nil)
	return nil
}

// AtomicCommit stages paths (or all tracked modifications if paths is
// empty), commits, and verifies the new HEAD differs from the old HEAD
// iff allowEmpty is false.
func (l *Layer) AtomicCommit(ctx context.Context, lease *repoguard.Lease, message string, paths []string, allowEmpty bool) (string, error) {
	before, err := lease.HeadCommit()
	if err != nil {
		return "", fmt.Errorf("get HEAD before commit: %w", err)
	}

	op, err := l.startOperation(ctx, lease, models.GitOpCommit, "", message)
	if err != nil {
		return "", err
	}
	op.FilesAffected = paths
	op.PreCommit = before

	if err := lease.Git.AddPaths(paths); err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error(), "pre_commit": before})
		return "", fmt.Errorf("stage paths: %w", err)
	}
	if err := lease.Git.Commit(message, allowEmpty); err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error(), "pre_commit": before})
		return "", fmt.Errorf("commit: %w", err)
	}

	after, err := lease.HeadCommit()
	if err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error(), "pre_commit": before})
		return "", fmt.Errorf("get HEAD after commit: %w", err)
	}
	if !allowEmpty && after == before {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": "HEAD unchanged after non-empty commit", "pre_commit": before})
		return "", fmt.Errorf("commit produced no change and allowEmpty is false")
	}

	l.finishOperation(ctx, op, models.GitOpCompleted, map[string]any{"pre_commit": before, "post_commit": after})
	return after, nil
}

// Rollback hard-resets the current branch to targetCommit. It rejects if
// targetCommit is not an ancestor of current HEAD: this is the "undo
// recent work" use case, not arbitrary history rewriting.
func (l *Layer) Rollback(ctx context.Context, lease *repoguard.Lease, targetCommit string) error {
	before, err := lease.HeadCommit()
	if err != nil {
		return fmt.Errorf("get HEAD before rollback: %w", err)
	}

	isAncestor, err := lease.Git.IsAncestor(targetCommit, before)
	if err != nil {
		return fmt.Errorf("check ancestry: %w", err)
	}
	if !isAncestor {
		return fmt.Errorf("rollback target %s is not an ancestor of current HEAD", targetCommit)
	}

	op, err := l.startOperation(ctx, lease, models.GitOpRollback, "", "")
	if err != nil {
		return err
	}
	op.PreCommit = before

	if err := lease.Git.HardReset(targetCommit); err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error(), "pre_commit": before})
		return fmt.Errorf("hard reset: %w", err)
	}

	l.finishOperation(ctx, op, models.GitOpCompleted, map[string]any{"pre_commit": before, "post_commit": targetCommit})
	return nil
}

// ResetWorkingTree discards unstaged changes and untracked files,
// leaving HEAD unchanged. Used to recover from a half-finished replacement.
func (l *Layer) ResetWorkingTree(ctx context.Context, lease *repoguard.Lease) error {
	op, err := l.startOperation(ctx, lease, models.GitOpResetWorkTree, "", "")
	if err != nil {
		return err
	}
	if err := lease.Git.CleanWorkingTree(); err != nil {
		l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("reset working tree: %w", err)
	}
	l.finishOperation(ctx, op, models.GitOpCompleted, nil)
	return nil
}

// RestoreSnapshot replaces the working tree and .git from a Snapshot.
// Refuses if the working tree is dirty unless force is true.
func (l *Layer) RestoreSnapshot(ctx context.Context, lease *repoguard.Lease, snapshotID string, force bool) error {
	snap, err := l.Recorder.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return apperr.Wrap(apperr.SnapshotMissing, "snapshot not found: "+snapshotID, err)
	}
	if !snap.Active {
		return apperr.New(apperr.SnapshotMissing, "snapshot is no longer active: "+snapshotID)
	}

	if !force {
		dirty, err := lease.IsDirty()
		if err != nil {
			return fmt.Errorf("check working tree: %w", err)
		}
		if dirty {
			return apperr.New(apperr.WorkingTreeDirty, "working tree has uncommitted changes; pass force to override")
		}
	}

	op, err := l.startOperation(ctx, lease, models.GitOpRestore, snap.SourceBranch, "")
	if err != nil {
		return err
	}
	op.SnapshotID = snap.ID
	op.SnapshotTaken = true

	switch snap.Kind {
	case models.SnapshotKindFull:
		if err := untarDirectory(snap.StoragePath, lease.Path); err != nil {
			l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
			return apperr.Wrap(apperr.RestoreFailed, "failed to extract snapshot tarball", err)
		}
	case models.SnapshotKindSnapshot:
		if err := lease.Git.HardReset(snap.SourceCommit); err != nil {
			l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
			return apperr.Wrap(apperr.RestoreFailed, "failed to reset to snapshot commit", err)
		}
		if snap.StashRef != "" {
			if err := lease.Git.StashApply(snap.StashRef); err != nil {
				l.finishOperation(ctx, op, models.GitOpFailed, map[string]any{"error": err.Error()})
				return apperr.Wrap(apperr.RestoreFailed, "failed to reapply stashed changes", err)
			}
		}
	}

	after, err := lease.HeadCommit()
	if err == nil {
		op.PostCommit = after
	}

	l.finishOperation(ctx, op, models.GitOpCompleted, map[string]any{"post_commit": after})
	return nil
}

// Cleanup marks expired snapshots inactive and removes their storage.
// It holds a process-local mutex while doing so, per spec.md invariant 6.
func (l *Layer) Cleanup(ctx context.Context, candidates []*models.Snapshot) error {
	l.gcMu.Lock()
	defer l.gcMu.Unlock()

	now := time.Now().UTC()
	var firstErr error
	for _, snap := range candidates {
		if !snap.Active || now.Before(snap.ExpiresAt) {
			continue
		}
		if err := l.Recorder.MarkSnapshotInactive(ctx, snap.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		path := snap.StoragePath
		if snap.Kind == models.SnapshotKindFull {
			_ = os.Remove(path)
		} else {
			_ = os.RemoveAll(path)
		}
	}
	return firstErr
}

// RecoverAfterFailure implements the §4.2.3/§4.5.3 best-effort recovery:
// attempt ResetWorkingTree first, and if that is insufficient, restore
// from the supplied pre-operation snapshot with force=true. If both fail,
// the caller is responsible for keeping the snapshot past its TTL for
// manual recovery.
func (l *Layer) RecoverAfterFailure(ctx context.Context, lease *repoguard.Lease, snapshotID string) error {
	if err := l.ResetWorkingTree(ctx, lease); err == nil {
		dirty, derr := lease.IsDirty()
		if derr == nil && !dirty {
			return nil
		}
	}
	if snapshotID == "" {
		return fmt.Errorf("working tree reset insufficient and no snapshot available for recovery")
	}
	if err := l.RestoreSnapshot(ctx, lease, snapshotID, true); err != nil {
		return fmt.Errorf("recovery restore failed: %w", err)
	}
	return nil
}
