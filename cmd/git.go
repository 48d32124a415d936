package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apkforge/internal/gitsafety"
	"apkforge/internal/models"
	"apkforge/internal/output"
	"apkforge/internal/pipeline"
	"apkforge/internal/repoguard"
	"apkforge/internal/store"
)

var (
	gitMessage    string
	gitPaths      []string
	gitAllowEmpty bool
	gitForce      bool
	gitSnapKind   string
	gitSnapTTL    time.Duration
)

var gitCmd = &cobra.Command{
	Use:   "git",
	Short: "Git safety operations against a tracked project (spec.md §4.2)",
	Long: `Commit, roll back, back up, and restore a tracked project's working
tree under the project's Repo Guard lease, independent of any build task.`,
}

var gitCommitCmd = &cobra.Command{
	Use:   "commit <project>",
	Short: "Stage and commit the project's tracked modifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitCommitRun(args[0])
	},
}

var gitRollbackCmd = &cobra.Command{
	Use:   "rollback <project> <target-commit>",
	Short: "Hard reset the current branch to an ancestor commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitRollbackRun(args[0], args[1])
	},
}

var gitResetCmd = &cobra.Command{
	Use:   "reset <project>",
	Short: "Discard unstaged changes and untracked files, leaving HEAD unchanged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitResetRun(args[0])
	},
}

var gitBackupCmd = &cobra.Command{
	Use:   "backup <project>",
	Short: "Take a snapshot of the project's working tree and git state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitBackupRun(args[0])
	},
}

var gitRestoreCmd = &cobra.Command{
	Use:   "restore <project> <snapshot-id>",
	Short: "Replace the working tree and .git from a prior snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitRestoreRun(args[0], args[1])
	},
}

var gitSnapshotsCmd = &cobra.Command{
	Use:   "snapshots <project>",
	Short: "List active snapshots for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitSnapshotsRun(args[0])
	},
}

var gitLogCmd = &cobra.Command{
	Use:   "log <project>",
	Short: "List recorded git operations for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return gitLogRun(args[0])
	},
}

func init() {
	gitCommitCmd.Flags().StringVarP(&gitMessage, "message", "m", "", "Commit message (required)")
	gitCommitCmd.Flags().StringSliceVar(&gitPaths, "paths", nil, "Paths to stage (default: all tracked modifications)")
	gitCommitCmd.Flags().BoolVar(&gitAllowEmpty, "allow-empty", false, "Allow a commit that changes nothing")
	_ = gitCommitCmd.MarkFlagRequired("message")

	gitRestoreCmd.Flags().BoolVar(&gitForce, "force", false, "Restore even if the working tree is dirty")

	gitBackupCmd.Flags().StringVar(&gitSnapKind, "kind", string(models.SnapshotKindFull), "Snapshot kind: full or snapshot")
	gitBackupCmd.Flags().DurationVar(&gitSnapTTL, "ttl", 7*24*time.Hour, "Snapshot time-to-live")

	gitCmd.AddCommand(gitCommitCmd)
	gitCmd.AddCommand(gitRollbackCmd)
	gitCmd.AddCommand(gitResetCmd)
	gitCmd.AddCommand(gitBackupCmd)
	gitCmd.AddCommand(gitRestoreCmd)
	gitCmd.AddCommand(gitSnapshotsCmd)
	gitCmd.AddCommand(gitLogCmd)
	rootCmd.AddCommand(gitCmd)
}

// gitSafetyLayer wires a standalone Repo Guard + Git Safety Layer pair
// against the shared store, for git operations run outside a build task.
func gitSafetyLayer(s store.Store) (*repoguard.Guard, *gitsafety.Layer) {
	return repoguard.New(), gitsafety.New(s, viper.GetString("snapshots_dir"))
}

func gitCommitRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would commit %v in %s: %q", gitPaths, project.Name, gitMessage)
		return nil
	}

	guard, safety := gitSafetyLayer(s)
	var hash string
	err = guard.WithProject(ctx, project.ID, project.Path, repoguard.Options{RequiresGit: true}, pipeline.DefaultLeaseTimeout, func(lease *repoguard.Lease) error {
		var commitErr error
		hash, commitErr = safety.AtomicCommit(ctx, lease, gitMessage, gitPaths, gitAllowEmpty)
		return commitErr
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	ui.Success("Committed %s: %s", output.Cyan(project.Name), hash)
	return nil
}

func gitRollbackRun(nameOrID, targetCommit string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would roll back %s to %s", project.Name, targetCommit)
		return nil
	}

	guard, safety := gitSafetyLayer(s)
	err = guard.WithProject(ctx, project.ID, project.Path, repoguard.Options{RequiresGit: true}, pipeline.DefaultLeaseTimeout, func(lease *repoguard.Lease) error {
		return safety.Rollback(ctx, lease, targetCommit)
	})
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	ui.Success("Rolled back %s to %s", output.Cyan(project.Name), targetCommit)
	return nil
}

func gitResetRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would discard unstaged/untracked changes in %s", project.Name)
		return nil
	}

	guard, safety := gitSafetyLayer(s)
	err = guard.WithProject(ctx, project.ID, project.Path, repoguard.Options{RequiresGit: true}, pipeline.DefaultLeaseTimeout, func(lease *repoguard.Lease) error {
		return safety.ResetWorkingTree(ctx, lease)
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	ui.Success("Reset working tree: %s", output.Cyan(project.Name))
	return nil
}

func gitBackupRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would snapshot %s (kind=%s, ttl=%s)", project.Name, gitSnapKind, gitSnapTTL)
		return nil
	}

	guard, safety := gitSafetyLayer(s)
	var snap *models.Snapshot
	err = guard.WithProject(ctx, project.ID, project.Path, repoguard.Options{RequiresGit: true}, pipeline.DefaultLeaseTimeout, func(lease *repoguard.Lease) error {
		var snapErr error
		snap, snapErr = safety.Snapshot(ctx, lease, models.SnapshotKind(gitSnapKind), gitSnapTTL)
		return snapErr
	})
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	ui.Success("Snapshot %s created for %s (expires %s)", snap.ID, output.Cyan(project.Name), snap.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func gitRestoreRun(nameOrID, snapshotID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would restore %s from snapshot %s (force=%v)", project.Name, snapshotID, gitForce)
		return nil
	}

	guard, safety := gitSafetyLayer(s)
	err = guard.WithProject(ctx, project.ID, project.Path, repoguard.Options{RequiresGit: true}, pipeline.DefaultLeaseTimeout, func(lease *repoguard.Lease) error {
		return safety.RestoreSnapshot(ctx, lease, snapshotID, gitForce)
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	ui.Success("Restored %s from snapshot %s", output.Cyan(project.Name), snapshotID)
	return nil
}

func gitSnapshotsRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	snaps, err := s.ListActiveSnapshotsByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		ui.Info("No active snapshots for %s", project.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Branch", "Commit", "Created", "Expires"})
	for _, snap := range snaps {
		table.Append([]string{
			snap.ID,
			string(snap.Kind),
			snap.SourceBranch,
			shortHash(snap.SourceCommit),
			snap.CreatedAt.Local().Format("2006-01-02 15:04"),
			snap.ExpiresAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func gitLogRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	ops, err := s.ListGitOperationsByProject(ctx, project.ID, store.GitOperationFilter{})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		ui.Info("No git operations recorded for %s", project.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Status", "Branch", "Pre", "Post", "Created"})
	for _, op := range ops {
		table.Append([]string{
			op.ID,
			string(op.Kind),
			output.GitOperationStatusColor(string(op.Status)),
			op.Branch,
			shortHash(op.PreCommit),
			shortHash(op.PostCommit),
			op.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
