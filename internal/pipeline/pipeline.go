// Package pipeline implements the Build Pipeline of spec.md §4.5 (C5):
// the nine-stage sequence that turns an uploaded resource archive into
// a built APK, composing the Repo Guard, Git Safety Layer, Log Bus,
// Task Runtime, extractor, Gradle runner, and artifact harvester.
// Grounded on original_source/src/services/build_service.py's stage
// ordering and original_source/src/services/resource_service.py's
// replace/recovery rules.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"apkforge/internal/android"
	"apkforge/internal/apperr"
	"apkforge/internal/artifact"
	"apkforge/internal/extractor"
	"apkforge/internal/gitsafety"
	"apkforge/internal/gradle"
	"apkforge/internal/logbus"
	"apkforge/internal/models"
	"apkforge/internal/repoguard"
	"apkforge/internal/taskrun"
)

// Diagnoser summarizes a failed task's recent log output into a short
// human-readable diagnosis. *diagnose.Client implements this; it is
// optional and nil-safe — a nil Diagnoser on Pipeline just means no
// diagnosis is appended to the failure.
type Diagnoser interface {
	Diagnose(ctx context.Context, kind apperr.Kind, logTail string) (string, error)
}

// diagnoseLogLines is how many trailing log records are handed to the
// Diagnoser as context.
const diagnoseLogLines = 200

// DefaultLeaseTimeout bounds how long Run waits to acquire the Repo
// Guard lease before failing with LockTimeout.
const DefaultLeaseTimeout = 2 * time.Minute

// DefaultSnapshotTTL is the TTL given to the pre-flight snapshot.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// Request describes one build invocation, corresponding to one Task.
type Request struct {
	Task        *models.Task
	ProjectID   string
	ProjectPath string
	StagingRoot string // scratch directory for archive extraction
}

// Pipeline composes C1-C5 and the supporting components into the
// nine-stage sequence.
type Pipeline struct {
	Guard     *repoguard.Guard
	Safety    *gitsafety.Layer
	Bus       *logbus.Bus
	Runtime   *taskrun.Runtime
	Analyzer  android.Analyzer
	Gradle    *gradle.Runner
	LeaseTimeout time.Duration
	SnapshotTTL  time.Duration
	// Diagnoser, when set, appends an AI-generated diagnosis to the
	// error message of a GradleExitNonZero/NoArtifacts failure.
	Diagnoser Diagnoser
}

// New returns a Pipeline wired with spec-default timeouts.
func New(guard *repoguard.Guard, safety *gitsafety.Layer, bus *logbus.Bus, rt *taskrun.Runtime, analyzer android.Analyzer) *Pipeline {
	return &Pipeline{
		Guard:        guard,
		Safety:       safety,
		Bus:          bus,
		Runtime:      rt,
		Analyzer:     analyzer,
		Gradle:       gradle.New(),
		LeaseTimeout: DefaultLeaseTimeout,
		SnapshotTTL:  DefaultSnapshotTTL,
	}
}

// Run drives req's task through stages 1-9 of spec.md §4.5.1. handle
// must already be admitted (taskrun.Runtime.Dispatch has returned it);
// Run calls handle.Finish exactly once before returning.
func (p *Pipeline) Run(ctx context.Context, handle *taskrun.Handle, req Request) error {
	log := func(level models.LogLevel, text string) {
		p.Bus.Publish(handle.Task.ID, models.LogRecord{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Text:      text,
			Source:    "pipeline",
		})
	}

	// Stage 1: validate.
	if err := p.validate(req); err != nil {
		return p.fail(ctx, handle, err)
	}
	_ = handle.SetProgress(ctx, 5)
	log(models.LogLevelInfo, "validated archive and project")

	// Stage 2: acquire.
	var finalErr error
	guardErr := p.Guard.WithProject(ctx, req.ProjectID, req.ProjectPath, repoguard.Options{RequiresGit: true}, p.leaseTimeout(), func(lease *repoguard.Lease) error {
		_ = handle.SetProgress(ctx, 10)
		log(models.LogLevelInfo, "acquired project lease")

		// Stage 3: pre-flight git.
		snap, err := p.Safety.Snapshot(ctx, lease, models.SnapshotKindFull, p.snapshotTTL())
		if err != nil {
			finalErr = err
			return err
		}
		branch := req.Task.Branch
		if branch != "" {
			if err := p.Safety.CheckoutBranch(ctx, lease, branch, false); err != nil {
				finalErr = err
				return err
			}
		}
		_ = handle.SetProgress(ctx, 20)
		log(models.LogLevelInfo, fmt.Sprintf("pre-flight snapshot %s taken", snap.ID))

		// Stage 4: extract.
		stagingDir := filepath.Join(req.StagingRoot, handle.Task.ID)
		result, err := extractor.Extract(req.Task.ArchivePath, stagingDir)
		if err != nil {
			finalErr = p.recover(ctx, lease, snap.ID, err)
			return finalErr
		}
		_ = handle.SetProgress(ctx, 30)
		log(models.LogLevelInfo, fmt.Sprintf("extracted %d files under %s", result.TotalFiles, result.TopLevelName))

		// Stage 5: name check.
		candidates, err := p.Analyzer.ResourcePackages(req.ProjectPath)
		if err != nil {
			finalErr = p.recover(ctx, lease, snap.ID, apperr.Wrap(apperr.ResourcePackageMismatch, "could not list resource packages", err))
			return finalErr
		}
		if !contains(candidates, result.TopLevelName) {
			mismatchErr := apperr.New(apperr.ResourcePackageMismatch, fmt.Sprintf(
				"archive top-level %q does not match any of %v under %s", result.TopLevelName, candidates, android.AssetsRoot))
			finalErr = p.recover(ctx, lease, snap.ID, mismatchErr)
			return finalErr
		}
		_ = handle.SetProgress(ctx, 35)

		// Stage 6: replace.
		targetDir := filepath.Join(req.ProjectPath, android.AssetsRoot, result.TopLevelName)
		extractedDir := filepath.Join(stagingDir, result.TopLevelName)
		if err := replaceDirectory(extractedDir, targetDir); err != nil {
			finalErr = p.recover(ctx, lease, snap.ID, apperr.Wrap(apperr.ExtractorFailure, "failed to replace resource directory", err))
			return finalErr
		}
		_ = handle.SetProgress(ctx, 45)
		log(models.LogLevelInfo, "replaced resource package")

		if req.Task.Kind == models.TaskKindResourceReplace {
			return nil
		}

		// Stage 7: gradle.
		gradlewPath, err := p.Analyzer.GradlewPath(req.ProjectPath)
		if err != nil {
			finalErr = apperr.Wrap(apperr.GradleExitNonZero, "gradlew not found", err)
			return finalErr
		}
		_, gradleErr := p.Gradle.Run(ctx, gradle.Request{
			TaskID:        handle.Task.ID,
			ProjectPath:   req.ProjectPath,
			GradlewPath:   gradlewPath,
			ConfigOptions: req.Task.ConfigOptions,
			Publisher:     p.Bus,
			Progress: func(c context.Context, pct int) error {
				return handle.SetProgress(c, pct)
			},
		})

		// Stage 8: harvest (runs even on Gradle failure per §4.5.2).
		artifacts, harvestErr := artifact.Harvest(req.ProjectPath)

		if gradleErr != nil {
			finalErr = gradleErr
			return gradleErr
		}
		if harvestErr != nil {
			finalErr = harvestErr
			return harvestErr
		}
		_ = handle.SetProgress(ctx, 90)
		handle.Task.Artifacts = toModelArtifacts(artifacts)
		return nil
	})

	if guardErr != nil && finalErr == nil {
		finalErr = guardErr
	}

	// Stage 9: release.
	if finalErr != nil {
		return p.fail(ctx, handle, finalErr)
	}
	_ = handle.SetProgress(ctx, 100)
	log(models.LogLevelSuccess, "build completed")
	if err := handle.Finish(ctx, models.TaskStatusCompleted, "", "", handle.Task.Artifacts); err != nil {
		return err
	}
	p.Bus.Close(handle.Task.ID, string(models.TaskStatusCompleted))
	return nil
}

// Cancel stops handle's task, per §4.5.2: the pipeline observes
// ctx.Done() at the next stage boundary or Gradle output-read
// iteration; it never marks the task completed once cancelled.
func (p *Pipeline) Cancel(ctx context.Context, taskID string) error {
	return p.Runtime.Cancel(ctx, taskID)
}

func (p *Pipeline) fail(ctx context.Context, handle *taskrun.Handle, cause error) error {
	status := models.TaskStatusFailed
	if apperr.Is(cause, apperr.Cancelled) {
		status = models.TaskStatusCancelled
	}
	kind := apperr.KindOf(cause)
	if kind == "" {
		kind = apperr.Unavailable
	}
	message := cause.Error()
	if p.Diagnoser != nil && (kind == apperr.GradleExitNonZero || kind == apperr.NoArtifacts) {
		if diagnosis, derr := p.Diagnoser.Diagnose(ctx, kind, tailText(p.Bus.Tail(handle.Task.ID, diagnoseLogLines))); derr == nil && diagnosis != "" {
			message = fmt.Sprintf("%s\n\ndiagnosis: %s", message, diagnosis)
		}
	}
	err := handle.Finish(ctx, status, string(kind), message, nil)
	p.Bus.Publish(handle.Task.ID, models.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     models.LogLevelError,
		Text:      cause.Error(),
		Source:    "pipeline",
	})
	p.Bus.Close(handle.Task.ID, string(status))
	if err != nil {
		return err
	}
	return cause
}

// recover implements §4.5.3: reset the working tree, escalating to a
// forced snapshot restore if that alone is insufficient, for failures
// in stages 4-6. Gradle (stage 7) and harvest (stage 8) failures skip
// this by not calling recover at all, per the recovery rules.
func (p *Pipeline) recover(ctx context.Context, lease *repoguard.Lease, snapshotID string, cause error) error {
	if err := p.Safety.RecoverAfterFailure(ctx, lease, snapshotID); err != nil {
		return apperr.Wrap(apperr.RestoreFailed, fmt.Sprintf("recovery after %q failed", cause.Error()), err)
	}
	return cause
}

func (p *Pipeline) validate(req Request) error {
	if req.Task == nil {
		return apperr.New(apperr.ProjectMissing, "task is nil")
	}
	info, err := os.Stat(req.Task.ArchivePath)
	if err != nil || info.IsDir() {
		return apperr.Wrap(apperr.ExtractorFailure, "archive does not exist or is a directory", err)
	}
	if _, err := os.Stat(req.ProjectPath); err != nil {
		return apperr.Wrap(apperr.ProjectMissing, "project path does not exist", err)
	}
	if p.Runtime != nil {
		if sib := p.Runtime.NonTerminalSibling(req.ProjectID, req.Task.ID); sib != nil {
			return apperr.New(apperr.Conflict, fmt.Sprintf("project %s already has a non-terminal task: %s", req.ProjectID, sib.ID))
		}
	}
	return nil
}

func (p *Pipeline) leaseTimeout() time.Duration {
	if p.LeaseTimeout > 0 {
		return p.LeaseTimeout
	}
	return DefaultLeaseTimeout
}

func (p *Pipeline) snapshotTTL() time.Duration {
	if p.SnapshotTTL > 0 {
		return p.SnapshotTTL
	}
	return DefaultSnapshotTTL
}

func tailText(records []models.LogRecord) string {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// replaceDirectory implements stage 6's rename-in-place contract: copy
// extractedDir into a sibling temporary directory, then rename it over
// targetDir, so a crash mid-copy leaves the previous directory intact.
func replaceDirectory(extractedDir, targetDir string) error {
	parent := filepath.Dir(targetDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(parent, ".replace-*")
	if err != nil {
		return err
	}
	if err := copyTree(extractedDir, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}
	if err := os.RemoveAll(targetDir); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}
	return os.Rename(tmpDir, targetDir)
}

func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func toModelArtifacts(descs []models.ArtifactDescriptor) []models.ArtifactDescriptor {
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Filename < descs[j].Filename })
	return descs
}
