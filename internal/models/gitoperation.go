package models

import "time"

// GitOperationKind enumerates the auditable git actions of spec.md §3.
type GitOperationKind string

const (
	GitOpCommit        GitOperationKind = "commit"
	GitOpRollback      GitOperationKind = "rollback"
	GitOpBranchSwitch  GitOperationKind = "branch_switch"
	GitOpBranchCreate  GitOperationKind = "branch_create"
	GitOpBackup        GitOperationKind = "backup"
	GitOpRestore       GitOperationKind = "restore"
	GitOpResetWorkTree GitOperationKind = "reset_working_tree"
)

// GitOperationStatus is the state machine of spec.md §4.2.2.
type GitOperationStatus string

const (
	GitOpPending    GitOperationStatus = "pending"
	GitOpInProgress GitOperationStatus = "in_progress"
	GitOpCompleted  GitOperationStatus = "completed"
	GitOpFailed     GitOperationStatus = "failed"
	GitOpCancelled  GitOperationStatus = "cancelled"
)

// CanTransitionTo reports whether moving from status to target is legal.
// cancelled is reachable only from pending; once in_progress, an
// operation runs to a terminal non-cancelled state.
func (s GitOperationStatus) CanTransitionTo(target GitOperationStatus) bool {
	switch s {
	case GitOpPending:
		return target == GitOpInProgress || target == GitOpCancelled
	case GitOpInProgress:
		return target == GitOpCompleted || target == GitOpFailed
	default:
		return false
	}
}

// GitOperation is an auditable record of one git action against a project.
type GitOperation struct {
	ID            string
	ProjectID     string
	Kind          GitOperationKind
	Status        GitOperationStatus
	PreCommit     string
	PostCommit    string
	Branch        string
	FilesAffected []string
	Message       string
	Error         string
	SnapshotID    string // empty means "no snapshot requested"
	SnapshotTaken bool
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}
