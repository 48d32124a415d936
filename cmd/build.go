package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
	"apkforge/internal/output"
	"apkforge/internal/pipeline"
	"apkforge/internal/store"
)

var (
	buildBranch  string
	buildArchive string
	buildKind    string
	buildConfig  []string
)

var buildCmd = &cobra.Command{
	Use:   "build <project> --archive <path>",
	Short: "Replace a project's resource package and run the release build",
	Long: `Run the full build pipeline of spec.md §4.5 against a tracked project:
acquire the repo guard, snapshot and switch branch, extract the archive,
replace the matching app/src/main/assets/apps/<name> directory, run the Gradle
release build, and harvest the resulting APKs. Blocks until the task
reaches a terminal status, streaming Gradle output as it runs.

Ctrl-C cancels the in-flight task and waits for it to wind down.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildRun(args[0])
	},
}

func init() {
	buildCmd.Flags().StringVar(&buildBranch, "branch", "", "Branch to check out before building (created from HEAD if absent)")
	buildCmd.Flags().StringVar(&buildArchive, "archive", "", "Path to the resource archive (.zip, .rar, .7z)")
	buildCmd.Flags().StringVar(&buildKind, "kind", string(models.TaskKindBuild), "Task kind: build or resource_replace")
	buildCmd.Flags().StringArrayVar(&buildConfig, "config", nil, "Gradle config option, key=value (repeatable)")
	_ = buildCmd.MarkFlagRequired("archive")
	rootCmd.AddCommand(buildCmd)
}

func buildRun(nameOrID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	project, err := resolveProject(ctx, s, nameOrID)
	if err != nil {
		return err
	}

	archivePath, err := filepath.Abs(buildArchive)
	if err != nil {
		return fmt.Errorf("resolve archive path: %w", err)
	}
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("archive not found: %s", archivePath)
	}

	configOptions, err := parseConfigFlags(buildConfig)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would build %s from %s on branch %q", project.Name, archivePath, buildBranch)
		return nil
	}

	if err := store.CheckProjectAvailable(ctx, s, project.ID); err != nil {
		return err
	}

	c, err := newCore(ctx, s)
	if err != nil {
		return err
	}
	defer c.runtime.Close()

	task := &models.Task{
		ProjectID:     project.ID,
		Kind:          models.TaskKind(buildKind),
		Branch:        buildBranch,
		ArchivePath:   archivePath,
		ConfigOptions: configOptions,
		Status:        models.TaskStatusPending,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	ui.Info("Created task %s for %s", task.ID, output.Cyan(project.Name))

	if err := c.runtime.Submit(ctx, task); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	handle, err := c.runtime.Dispatch(ctx)
	if err != nil {
		return fmt.Errorf("dispatch task: %w", err)
	}

	done := make(chan struct{})
	go streamBuildLogs(c, task.ID, done)

	runErr := c.pipeline.Run(handle.Ctx, handle, pipeline.Request{
		Task:        task,
		ProjectID:   project.ID,
		ProjectPath: project.Path,
		StagingRoot: viper.GetString("staging_dir"),
	})
	<-done

	final, _ := s.GetTask(context.Background(), task.ID)
	if final == nil {
		final = task
	}
	printTaskResult(final)

	if runErr != nil && apperr.KindOf(runErr) == "" {
		return runErr
	}
	if final.Status == models.TaskStatusFailed {
		return fmt.Errorf("build failed: %s", final.ErrorMessage)
	}
	return nil
}

// streamBuildLogs subscribes to the task's log bus stream and prints
// each record to stdout until the stream closes, per spec.md §4.3.
func streamBuildLogs(c *core, taskID string, done chan<- struct{}) {
	defer close(done)
	sub := c.bus.Subscribe(context.Background(), taskID, 0)
	defer sub.Unsubscribe()

	for record := range sub.Records {
		switch record.Source {
		case "heartbeat":
			continue
		case "system":
			if strings.HasPrefix(record.Text, "completed:") {
				return
			}
		}
		printLogLine(record)
	}
}

func printLogLine(r models.LogRecord) {
	switch r.Level {
	case models.LogLevelError:
		fmt.Fprintf(ui.Out, "%s %s\n", output.Red("error"), r.Text)
	case models.LogLevelWarning:
		fmt.Fprintf(ui.Out, "%s %s\n", output.Yellow("warn"), r.Text)
	case models.LogLevelSuccess:
		fmt.Fprintf(ui.Out, "%s %s\n", output.Green("ok"), r.Text)
	default:
		fmt.Fprintf(ui.Out, "%s\n", r.Text)
	}
}

func printTaskResult(t *models.Task) {
	switch t.Status {
	case models.TaskStatusCompleted:
		ui.Success("Task %s completed (%d%%)", t.ID, t.Progress)
		for _, a := range t.Artifacts {
			if a.Kind == models.ArtifactKindAPK {
				fmt.Fprintf(ui.Out, "  %s  %s\n", a.Filename, formatBytes(a.Size))
			}
		}
	case models.TaskStatusCancelled:
		ui.Warning("Task %s cancelled", t.ID)
	case models.TaskStatusFailed:
		ui.Error("Task %s failed [%s]: %s", t.ID, t.ErrorKind, t.ErrorMessage)
	}
}

func parseConfigFlags(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --config %q, expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}
