// Package refresh re-validates a registered project's metadata against
// the filesystem: still present and still an Android project. Git state
// is not stored; Status reports it on demand for display. It mirrors the
// teacher's project refresh pass but re-detects Android facts instead of
// language/GitHub ones.
package refresh

import (
	"context"
	"fmt"
	"os"

	"apkforge/internal/android"
	"apkforge/internal/gitexec"
	"apkforge/internal/models"
	"apkforge/internal/store"
)

// Result holds the outcome of refreshing a single project.
type Result struct {
	Name    string `json:"name"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// AllResult holds the outcome of refreshing all projects.
type AllResult struct {
	Refreshed int      `json:"refreshed"`
	Total     int      `json:"total"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Project re-checks a single project's path: it must still exist and
// still look like an Android project (gradlew + asset root) or the
// project is deactivated. Returns true if any field was updated.
func Project(ctx context.Context, s store.Store, p *models.Project, analyzer android.Analyzer) (bool, error) {
	changed := false

	if _, err := os.Stat(p.Path); err != nil {
		if p.Active {
			p.Active = false
			changed = true
			if err := s.UpdateProject(ctx, p); err != nil {
				return false, fmt.Errorf("update project: %w", err)
			}
		}
		return changed, fmt.Errorf("project path missing: %s", p.Path)
	}

	isAndroid := analyzer.IsAndroidProject(p.Path)
	if isAndroid != p.Active {
		p.Active = isAndroid
		changed = true
	}

	if changed {
		if err := s.UpdateProject(ctx, p); err != nil {
			return false, fmt.Errorf("update project: %w", err)
		}
	}

	return changed, nil
}

// All refreshes metadata for every registered project.
func All(ctx context.Context, s store.Store, analyzer android.Analyzer) (*AllResult, error) {
	projects, err := s.ListActiveProjects(ctx)
	if err != nil {
		return nil, err
	}

	result := &AllResult{Total: len(projects)}
	for _, p := range projects {
		r := Result{Name: p.Name}
		changed, err := Project(ctx, s, p, analyzer)
		if err != nil {
			r.Error = err.Error()
			result.Failed++
		} else {
			r.Changed = changed
			if changed {
				result.Refreshed++
			}
		}
		result.Results = append(result.Results, r)
	}

	return result, nil
}

// GitStatus is point-in-time git metadata for display in project listings.
// It is best-effort: a non-repository project simply has IsRepo false and
// the rest zeroed.
type GitStatus struct {
	IsRepo     bool
	Branch     string
	Detached   bool
	Dirty      bool
	HeadCommit string
}

// Status reports a project's current git state without mutating the
// store; callers (CLI/HTTP project views) use this for display, separate
// from the stricter Repo Guard checks a build task performs.
func Status(p *models.Project) GitStatus {
	client := gitexec.New(p.Path)
	if !client.IsRepository() {
		return GitStatus{}
	}

	status := GitStatus{IsRepo: true}
	if branch, err := client.CurrentBranch(); err == nil {
		status.Branch = branch
		status.Detached = branch == "HEAD"
	}
	if dirty, err := client.IsDirty(); err == nil {
		status.Dirty = dirty
	}
	if commit, err := client.HeadCommit(); err == nil {
		status.HeadCommit = commit
	}
	return status
}
