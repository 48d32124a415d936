package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"apkforge/internal/android"
	"apkforge/internal/models"
	"apkforge/internal/output"
	"apkforge/internal/refresh"
	"apkforge/internal/store"
)

var projectName string

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked Android projects",
	Long:  "Add, remove, list, and show tracked Android projects.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a project to tracking",
	Long:  "Add an Android project directory to apkforge tracking. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a project from tracking",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name-or-id>",
	Short: "Show detailed project information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(args[0])
	},
}

var projectRefreshCmd = &cobra.Command{
	Use:   "refresh [name]",
	Short: "Refresh project metadata",
	Long:  "Re-check one or all projects: still present on disk, still looks like an Android project.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return projectRefreshOneRun(args[0])
		}
		return projectRefreshAllRun()
	},
}

var projectScanCmd = &cobra.Command{
	Use:   "scan <directory>",
	Short: "Auto-discover Android projects in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectScanRun(args[0])
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectRefreshCmd)
	projectCmd.AddCommand(projectScanCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	name := projectName
	if name == "" {
		name = filepath.Base(absPath)
	}

	analyzer := android.NewAnalyzer()
	isAndroid := analyzer.IsAndroidProject(absPath)

	p := &models.Project{
		Name:   name,
		Path:   absPath,
		Active: isAndroid,
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (%s)", name, absPath)
		return nil
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), absPath)
	if !isAndroid {
		ui.Warning("Path does not look like an Android project (missing gradlew or %s); registered inactive", android.AssetsRoot)
	}
	return nil
}

func projectRemoveRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := s.SoftDeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListActiveProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects tracked. Use 'apkforge project add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Branch", "Git", "Tasks"})
	for _, p := range projects {
		git := refresh.Status(p)
		branch := git.Branch
		if branch == "" {
			branch = "-"
		}
		gitState := "-"
		if git.IsRepo {
			if git.Dirty {
				gitState = output.Red("dirty")
			} else {
				gitState = output.Green("clean")
			}
		}

		tasks, _ := s.ListTasksByProject(ctx, p.ID)
		taskCount := fmt.Sprintf("%d", len(tasks))

		table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			branch,
			gitState,
			taskCount,
		})
	}
	table.Render()
	return nil
}

func projectShowRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	analyzer := android.NewAnalyzer()
	git := refresh.Status(p)

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  Path:       %s\n", p.Path)
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", p.Description)
	}
	activeStr := output.Green("active")
	if !p.Active {
		activeStr = output.Red("inactive")
	}
	fmt.Fprintf(ui.Out, "  Status:     %s\n", activeStr)
	fmt.Fprintln(ui.Out)

	if git.IsRepo {
		branch := git.Branch
		if git.Detached {
			branch += " (detached)"
		}
		fmt.Fprintf(ui.Out, "  Branch:     %s\n", branch)
		treeStatus := output.Green("clean")
		if git.Dirty {
			treeStatus = output.Red("dirty")
		}
		fmt.Fprintf(ui.Out, "  Tree:       %s\n", treeStatus)
		if git.HeadCommit != "" {
			fmt.Fprintf(ui.Out, "  HEAD:       %s\n", git.HeadCommit)
		}
	} else {
		fmt.Fprintf(ui.Out, "  Git:        not a repository\n")
	}

	if packages, err := analyzer.ResourcePackages(p.Path); err == nil && len(packages) > 0 {
		fmt.Fprintf(ui.Out, "  Packages:   %s\n", strings.Join(packages, ", "))
	}

	tasks, err := s.ListTasksByProject(ctx, p.ID)
	if err == nil && len(tasks) > 0 {
		pending, running, completed, failed := 0, 0, 0, 0
		for _, task := range tasks {
			switch task.Status {
			case models.TaskStatusPending:
				pending++
			case models.TaskStatusRunning:
				running++
			case models.TaskStatusCompleted:
				completed++
			case models.TaskStatusFailed:
				failed++
			}
		}
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Tasks:      %d total (%d pending, %d running, %d completed, %d failed)\n",
			len(tasks), pending, running, completed, failed)
	}

	return nil
}

func projectScanRun(dir string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	analyzer := android.NewAnalyzer()
	ctx := context.Background()
	added := 0

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		entryPath := filepath.Join(absDir, entry.Name())
		if !analyzer.IsAndroidProject(entryPath) {
			continue
		}

		if _, err := s.GetProjectByName(ctx, entry.Name()); err == nil {
			ui.VerboseLog("Already tracked: %s", entry.Name())
			continue
		}

		p := &models.Project{
			Name:   entry.Name(),
			Path:   entryPath,
			Active: true,
		}

		if dryRun {
			ui.DryRunMsg("Would add: %s (%s)", entry.Name(), entryPath)
			added++
			continue
		}

		if err := s.CreateProject(ctx, p); err != nil {
			ui.Warning("Skipped %s: %v", entry.Name(), err)
			continue
		}

		ui.Success("Added: %s", output.Cyan(entry.Name()))
		added++
	}

	if added == 0 {
		ui.Info("No Android projects found in %s", absDir)
	} else {
		ui.Info("Discovered %d project(s)", added)
	}
	return nil
}

func projectRefreshOneRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would refresh project: %s", p.Name)
		return nil
	}

	changed, err := refresh.Project(ctx, s, p, android.NewAnalyzer())
	if err != nil {
		ui.Warning("Refresh %s: %v", p.Name, err)
		return nil
	}

	if changed {
		ui.Success("Refreshed project: %s", output.Cyan(p.Name))
	} else {
		ui.Info("No changes for project: %s", p.Name)
	}
	return nil
}

func projectRefreshAllRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		projects, err := s.ListActiveProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			ui.DryRunMsg("Would refresh: %s", p.Name)
		}
		return nil
	}

	result, err := refresh.All(ctx, s, android.NewAnalyzer())
	if err != nil {
		return err
	}

	for _, r := range result.Results {
		switch {
		case r.Error != "":
			ui.Warning("Failed to refresh %s: %s", r.Name, r.Error)
		case r.Changed:
			ui.Success("Refreshed: %s", output.Cyan(r.Name))
		default:
			ui.VerboseLog("No changes: %s", r.Name)
		}
	}

	ui.Info("Refreshed %d of %d project(s)", result.Refreshed, result.Total)
	return nil
}

// resolveProject finds a project by name first, then by id.
func resolveProject(ctx context.Context, s store.Store, nameOrID string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, nameOrID); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, nameOrID); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", nameOrID)
}

// formatBytes returns a human-readable byte size string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
