package models

import "time"

// SnapshotKind distinguishes a full filesystem copy from a lightweight
// commit/stash-pointer record.
type SnapshotKind string

const (
	SnapshotKindFull     SnapshotKind = "full"
	SnapshotKindSnapshot SnapshotKind = "snapshot"
)

// Snapshot is a pre-operation capture of repository state used for
// recovery, per spec.md §3/§4.2.1.
type Snapshot struct {
	ID            string
	ProjectID     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	SourceBranch  string
	SourceCommit  string
	Kind          SnapshotKind
	StoragePath   string
	StashRef      string // set for kind=snapshot when a stash was created
	Active        bool
	ProducingOpID string
}
