package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"apkforge/internal/output"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect build tasks",
	Long:  "List and show build tasks recorded for tracked projects.",
}

var taskListCmd = &cobra.Command{
	Use:     "list <project>",
	Aliases: []string{"ls"},
	Short:   "List tasks for a project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(args[0])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task detail, status, progress, and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskListRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	tasks, err := s.ListTasksByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks for project: %s", project.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Branch", "Status", "Progress", "Error"})
	for _, t := range tasks {
		errCol := ""
		if t.ErrorKind != "" {
			errCol = t.ErrorKind
		}
		table.Append([]string{
			t.ID,
			string(t.Kind),
			t.Branch,
			output.TaskStatusColor(string(t.Status)),
			fmt.Sprintf("%d%%", t.Progress),
			errCol,
		})
	}
	table.Render()
	return nil
}

func taskShowRun(taskID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	fmt.Fprintf(ui.Out, "%s\n", t.ID)
	fmt.Fprintf(ui.Out, "  Project:    %s\n", t.ProjectID)
	fmt.Fprintf(ui.Out, "  Kind:       %s\n", t.Kind)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", t.Branch)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.TaskStatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Progress:   %d%%\n", t.Progress)
	if t.StartedAt != nil {
		fmt.Fprintf(ui.Out, "  Started:    %s\n", t.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:  %s\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.ErrorKind != "" {
		fmt.Fprintf(ui.Out, "  Error:      [%s] %s\n", t.ErrorKind, t.ErrorMessage)
	}
	if len(t.Artifacts) > 0 {
		fmt.Fprintln(ui.Out, "  Artifacts:")
		for _, a := range t.Artifacts {
			fmt.Fprintf(ui.Out, "    %-10s %-30s %10s  %s\n", a.Kind, a.Filename, formatBytes(a.Size), a.ContentHash)
		}
	}

	if !t.Status.Terminal() {
		ui.Info("Task is still %s; cancel it with a running 'apkforge build' process (Ctrl-C) or 'apkforge serve'.", t.Status)
	}
	return nil
}
