// Package repoguard implements the per-project exclusive critical
// section of spec.md §4.1 (C1): at most one mutating operation against
// a project's working directory or .git metadata runs at a time,
// entries queue FIFO, and a configurable timeout bounds the wait.
package repoguard

import (
	"context"
	"os"
	"sync"
	"time"

	"apkforge/internal/apperr"
	"apkforge/internal/gitexec"
)

// DefaultStaleLockThreshold is how old a lock file must be before it is
// auto-cleared rather than surfaced as StaleLock.
const DefaultStaleLockThreshold = 2 * time.Minute

// Lease is the handle passed to the function running inside a guarded
// section. It exposes read-only queries plus the underlying git client
// for privileged writes delegated through internal/gitsafety.
type Lease struct {
	ProjectID string
	Path      string
	Git       *gitexec.Client
}

// CurrentBranch returns the checked-out branch name.
func (l *Lease) CurrentBranch() (string, error) { return l.Git.CurrentBranch() }

// IsDirty reports whether the working tree has uncommitted changes.
func (l *Lease) IsDirty() (bool, error) { return l.Git.IsDirty() }

// HeadCommit returns the current HEAD commit hash.
func (l *Lease) HeadCommit() (string, error) { return l.Git.HeadCommit() }

// Guard serializes access to projects by id. It is process-local: leases
// are plain in-memory locks, not cross-process.
type Guard struct {
	mu             sync.Mutex
	locks          map[string]chan struct{}
	staleThreshold time.Duration
}

// New returns a Guard with the default stale-lock threshold.
func New() *Guard {
	return &Guard{
		locks:          make(map[string]chan struct{}),
		staleThreshold: DefaultStaleLockThreshold,
	}
}

// WithStaleLockThreshold overrides the default stale-lock age cutoff.
func (g *Guard) WithStaleLockThreshold(d time.Duration) *Guard {
	g.staleThreshold = d
	return g
}

func (g *Guard) chanFor(projectID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.locks[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		g.locks[projectID] = ch
	}
	return ch
}

// RequiresGit tells WithProject whether fn needs git present.
type Options struct {
	RequiresGit bool
}

// WithProject acquires the exclusive lease for projectID, performs the
// pre-entry checks of spec.md §4.1, then invokes fn with a *Lease.
// Concurrent callers queue FIFO on the channel's send/receive order;
// a caller that doesn't acquire within timeout fails with LockTimeout.
// A panic inside fn is converted to an error; the lease is always
// released.
func (g *Guard) WithProject(ctx context.Context, projectID, path string, opts Options, timeout time.Duration, fn func(*Lease) error) (err error) {
	ch := g.chanFor(projectID)

	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		// acquired
	case <-acquireCtx.Done():
		return apperr.Wrap(apperr.LockTimeout, "timed out waiting for project lease", acquireCtx.Err())
	}
	defer func() { ch <- struct{}{} }()

	lease, checkErr := g.preEntryChecks(projectID, path, opts)
	if checkErr != nil {
		return checkErr
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.Unavailable, "panic in guarded section", recoverErr(r))
		}
	}()

	return fn(lease)
}

func recoverErr(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return errString{r}
}

type errString struct{ v any }

func (e errString) Error() string { return "panic: " + toString(e.v) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}

func (g *Guard) preEntryChecks(projectID, path string, opts Options) (*Lease, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, apperr.Wrap(apperr.ProjectMissing, "project path does not exist or is not a directory", err)
	}

	client := gitexec.New(path)

	if opts.RequiresGit {
		if !client.IsRepository() {
			return nil, apperr.New(apperr.NotARepository, "project is not a git repository")
		}

		detached, err := client.IsDetachedHead()
		if err != nil {
			return nil, apperr.Wrap(apperr.NotARepository, "failed to inspect HEAD", err)
		}
		if detached {
			return nil, apperr.New(apperr.DetachedHead, "HEAD is not on a branch")
		}

		if err := g.clearOrSurfaceStaleLocks(client); err != nil {
			return nil, err
		}
	}

	return &Lease{ProjectID: projectID, Path: path, Git: client}, nil
}

func (g *Guard) clearOrSurfaceStaleLocks(client *gitexec.Client) error {
	for _, lockPath := range client.StaleLockFiles() {
		age, err := client.LockFileAge(lockPath)
		if err != nil {
			continue // file vanished between check and stat; not our problem
		}
		if age >= g.staleThreshold {
			if err := client.ClearLockFile(lockPath); err != nil {
				return apperr.Wrap(apperr.StaleLock, "found stale lock but could not clear it: "+lockPath, err)
			}
			continue
		}
		return apperr.New(apperr.StaleLock, "active lock file present: "+lockPath)
	}
	return nil
}
