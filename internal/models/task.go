package models

import "time"

// TaskKind identifies what a Task does. Build is the only first-class
// kind; ResourceReplace delegates to a narrower slice of the same
// pipeline (stages 1-6, no Gradle invocation).
type TaskKind string

const (
	TaskKindBuild           TaskKind = "build"
	TaskKindResourceReplace TaskKind = "resource_replace"
)

// TaskStatus is a Task's position in the state machine of spec.md §4.4.1.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status has no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ArtifactKind identifies what an ArtifactDescriptor refers to.
type ArtifactKind string

const (
	ArtifactKindAPK      ArtifactKind = "apk"
	ArtifactKindLog      ArtifactKind = "log"
	ArtifactKindMetadata ArtifactKind = "metadata"
)

// ArtifactDescriptor describes one file produced by a build task.
type ArtifactDescriptor struct {
	Filename    string
	Path        string
	Size        int64
	ContentHash string
	Kind        ArtifactKind
	PackageName string // set for kind=apk when parseable, "" otherwise
	VersionName string
	VersionCode int
}

// Task is one unit of orchestrated work owned by a Project.
type Task struct {
	ID            string
	ProjectID     string
	Kind          TaskKind
	Branch        string
	ArchivePath   string
	ConfigOptions map[string]string
	Status        TaskStatus
	Progress      int
	ErrorKind     string
	ErrorMessage  string
	Artifacts     []ArtifactDescriptor
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// CanTransitionTo reports whether moving from the task's current status
// to target is a legal single transition per the state machine in
// spec.md §4.4.1. It does not mutate the task.
func (t *Task) CanTransitionTo(target TaskStatus) bool {
	switch t.Status {
	case TaskStatusPending:
		return target == TaskStatusRunning || target == TaskStatusCancelled
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed || target == TaskStatusCancelled
	default:
		return false
	}
}
