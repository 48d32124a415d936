// Package taskrun implements the Task Runtime of spec.md §4.4 (C4): the
// task lifecycle state machine, cancellation, per-task timeout, progress
// tracking, a bounded concurrent-running admission scheduler, and
// persistence hooks with at-least-once retry semantics. It knows
// nothing about git, Gradle, or archives — internal/pipeline drives a
// Handle through a build using those components.
package taskrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
)

// DefaultMaxConcurrent bounds how many tasks may be running at once,
// per spec.md §4.4.3.
const DefaultMaxConcurrent = 3

// DefaultTaskTimeout bounds how long a single task may run before its
// context is cancelled.
const DefaultTaskTimeout = 30 * time.Minute

var (
	// ErrClosed is returned by Dispatch once the runtime has been shut down.
	ErrClosed = errors.New("taskrun: runtime closed")
	// ErrTaskCancelled is returned by Dispatch for a task cancelled while
	// still waiting in the admission queue.
	ErrTaskCancelled = errors.New("taskrun: task cancelled before admission")
)

// PersistenceHook forwards task state to the external store (spec.md
// §6.1). Errors are retried; they never block the in-memory transition.
type PersistenceHook interface {
	SaveTask(ctx context.Context, task *models.Task) error
}

// Runtime owns every Task's in-memory state. It is the authority: the
// persistence hook is a side effect, not a source of truth.
type Runtime struct {
	mu            sync.Mutex
	tasks         map[string]*models.Task
	cancels       map[string]context.CancelFunc
	queue         []string
	running       int
	maxConcurrent int
	timeout       time.Duration
	hook          PersistenceHook
	closed        bool
	wake          chan struct{}
}

// New returns a Runtime bounded to maxConcurrent running tasks (0 uses
// the default) with the given per-task timeout (0 uses the default).
func New(hook PersistenceHook, maxConcurrent int, timeout time.Duration) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Runtime{
		tasks:         make(map[string]*models.Task),
		cancels:       make(map[string]context.CancelFunc),
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		hook:          hook,
		wake:          make(chan struct{}, 1),
	}
}

func (r *Runtime) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Submit registers task as pending and appends it to the FIFO admission
// queue. The caller owns task.ID/ProjectID/Kind before calling Submit.
// It refuses with apperr.Conflict if task's project already has another
// non-terminal task, enforcing Invariant 1 of spec.md §3/§8.3: at most
// one non-terminal task per project. The in-memory task map is the sole
// authority for this check (spec.md §4.4.1).
func (r *Runtime) Submit(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	if sib := r.nonTerminalSiblingLocked(task.ProjectID, task.ID); sib != nil {
		r.mu.Unlock()
		return apperr.New(apperr.Conflict, fmt.Sprintf("project %s already has a non-terminal task: %s", task.ProjectID, sib.ID))
	}
	task.Status = models.TaskStatusPending
	task.Progress = 0
	task.CreatedAt = time.Now().UTC()
	r.tasks[task.ID] = task
	r.queue = append(r.queue, task.ID)
	r.mu.Unlock()
	r.signal()

	r.persist(ctx, task)
	return nil
}

// nonTerminalSiblingLocked returns a non-terminal task for projectID
// other than excludeID, if one exists. Callers must hold r.mu.
func (r *Runtime) nonTerminalSiblingLocked(projectID, excludeID string) *models.Task {
	for id, t := range r.tasks {
		if id == excludeID {
			continue
		}
		if t.ProjectID == projectID && !t.Status.Terminal() {
			return t
		}
	}
	return nil
}

// NonTerminalSibling reports a non-terminal task for projectID other
// than excludeID, if one exists. Used by the Build Pipeline's stage-1
// validate to re-check the admission invariant before a build starts.
func (r *Runtime) NonTerminalSibling(projectID, excludeID string) *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonTerminalSiblingLocked(projectID, excludeID)
}

// Get returns the task's current in-memory state.
func (r *Runtime) Get(taskID string) (*models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// Handle is bound to one admitted, running task.
type Handle struct {
	Task   *models.Task
	Ctx    context.Context
	rt     *Runtime
	cancel context.CancelFunc
}

// Dispatch blocks until a pending task can be admitted under the
// concurrency cap, or ctx is done, or the runtime is closed. Admission
// preserves FIFO order among pending tasks (§4.4.3, invariant in §8.3).
func (r *Runtime) Dispatch(ctx context.Context) (*Handle, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if len(r.queue) > 0 && r.running < r.maxConcurrent {
			id := r.queue[0]
			r.queue = r.queue[1:]
			task := r.tasks[id]
			r.running++
			r.mu.Unlock()

			handle, err := r.admit(ctx, task)
			if err != nil {
				r.mu.Lock()
				r.running--
				r.mu.Unlock()
				r.signal()
				if errors.Is(err, ErrTaskCancelled) {
					continue
				}
				return nil, err
			}
			return handle, nil
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			// safety net against a missed signal
		}
	}
}

func (r *Runtime) admit(ctx context.Context, task *models.Task) (*Handle, error) {
	r.mu.Lock()
	if task.Status == models.TaskStatusCancelled {
		r.mu.Unlock()
		return nil, ErrTaskCancelled
	}
	if !task.CanTransitionTo(models.TaskStatusRunning) {
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot admit task %s from status %s", task.ID, task.Status)
	}
	taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
	now := time.Now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	r.cancels[task.ID] = cancel
	r.mu.Unlock()

	r.persist(ctx, task)
	return &Handle{Task: task, Ctx: taskCtx, rt: r, cancel: cancel}, nil
}

// SetProgress enforces the monotonicity invariant of spec.md §4.4.2.
func (h *Handle) SetProgress(ctx context.Context, pct int) error {
	h.rt.mu.Lock()
	if h.Task.Status.Terminal() {
		h.rt.mu.Unlock()
		return fmt.Errorf("task %s is already terminal", h.Task.ID)
	}
	if pct < h.Task.Progress {
		h.rt.mu.Unlock()
		return fmt.Errorf("progress must be non-decreasing: %d after %d", pct, h.Task.Progress)
	}
	h.Task.Progress = pct
	h.rt.mu.Unlock()

	h.rt.persist(ctx, h.Task)
	return nil
}

// Finish transitions the task to a terminal status and releases its
// concurrency slot, waking any dispatcher waiting on admission.
func (h *Handle) Finish(ctx context.Context, status models.TaskStatus, errKind, errMessage string, artifacts []models.ArtifactDescriptor) error {
	h.rt.mu.Lock()
	if !h.Task.CanTransitionTo(status) {
		h.rt.mu.Unlock()
		return fmt.Errorf("cannot transition task %s from %s to %s", h.Task.ID, h.Task.Status, status)
	}
	now := time.Now().UTC()
	h.Task.Status = status
	h.Task.CompletedAt = &now
	h.Task.ErrorKind = errKind
	h.Task.ErrorMessage = errMessage
	h.Task.Artifacts = artifacts
	if status == models.TaskStatusCompleted {
		h.Task.Progress = 100
	}
	delete(h.rt.cancels, h.Task.ID)
	h.rt.running--
	h.rt.mu.Unlock()

	h.cancel()
	h.rt.persist(ctx, h.Task)
	h.rt.signal()
	return nil
}

// Cancel requests cancellation of taskID. A pending task is cancelled
// immediately and removed from the queue; a running task has its
// context cancelled so the pipeline driving it can wind down and call
// Finish(Cancelled) itself, per the "cancel mid-Gradle" scenario.
func (r *Runtime) Cancel(ctx context.Context, taskID string) error {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return apperr.New(apperr.NotFound, "task not found: "+taskID)
	}

	switch task.Status {
	case models.TaskStatusPending:
		task.Status = models.TaskStatusCancelled
		now := time.Now().UTC()
		task.CompletedAt = &now
		for i, id := range r.queue {
			if id == taskID {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		r.persist(ctx, task)
		return nil
	case models.TaskStatusRunning:
		cancel := r.cancels[taskID]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		r.mu.Unlock()
		return apperr.New(apperr.Conflict, fmt.Sprintf("task %s is already terminal (%s)", taskID, task.Status))
	}
}

// Close stops Dispatch from admitting further work. Already-running
// tasks are unaffected.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// ReconcileAfterRestart marks every task found in a non-terminal status
// as failed with kind Abandoned, per spec.md §4.4.4 and the Abandoned
// error kind of §7. It is meant to run once against tasks loaded from
// the external store at process start, before any new task is admitted.
func ReconcileAfterRestart(ctx context.Context, hook PersistenceHook, tasks []*models.Task) []string {
	var abandoned []string
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		now := time.Now().UTC()
		t.Status = models.TaskStatusFailed
		t.ErrorKind = string(apperr.Abandoned)
		t.ErrorMessage = "task was running when the process restarted"
		t.CompletedAt = &now
		if hook != nil {
			_ = hook.SaveTask(ctx, t)
		}
		abandoned = append(abandoned, t.ID)
	}
	return abandoned
}

func (r *Runtime) persist(ctx context.Context, task *models.Task) {
	if r.hook == nil {
		return
	}
	snapshot := *task
	if err := r.hook.SaveTask(ctx, &snapshot); err != nil {
		go retryPersist(r.hook, snapshot)
	}
}

func retryPersist(hook PersistenceHook, task models.Task) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		time.Sleep(backoff)
		if err := hook.SaveTask(context.Background(), &task); err == nil {
			return
		}
		backoff *= 2
	}
}
