package cmd

import (
	"context"
	"log/slog"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apkforge/internal/apperr"
	"apkforge/internal/mcpserver"
	"apkforge/internal/models"
	"apkforge/internal/pipeline"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio, exposing
project and build-task operations as tools for an agent session.
Configure in your MCP client with:

  {
    "mcpServers": {
      "apkforge": { "command": "apkforge", "args": ["mcp"] }
    }
  }

Available tools: apkforge_list_projects, apkforge_project_status,
apkforge_create_task, apkforge_start_task, apkforge_cancel_task,
apkforge_task_status, apkforge_list_artifacts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	c, err := newCore(ctx, s)
	if err != nil {
		return err
	}
	defer c.runtime.Close()

	go runMCPDispatch(ctx, c)

	srv := mcpserver.NewServer(s, c.runtime, c.pipeline)
	return srv.ServeStdio(ctx)
}

// runMCPDispatch drives the same admission loop as httpapi.Server's
// RunDispatcher, since apkforge_start_task only enqueues a task —
// something still has to pull it off the runtime and run it through
// the pipeline. An MCP session has no HTTP server backing it, so it
// runs its own copy of that loop for as long as it's connected.
func runMCPDispatch(ctx context.Context, c *core) {
	stagingDir := viper.GetString("staging_dir")
	for {
		handle, err := c.runtime.Dispatch(ctx)
		if err != nil {
			return
		}
		project, err := c.store.GetProject(ctx, handle.Task.ProjectID)
		if err != nil {
			_ = handle.Finish(ctx, models.TaskStatusFailed, string(apperr.ProjectMissing), err.Error(), nil)
			c.bus.Close(handle.Task.ID, string(models.TaskStatusFailed))
			continue
		}
		go func() {
			if err := c.pipeline.Run(handle.Ctx, handle, pipeline.Request{
				Task:        handle.Task,
				ProjectID:   project.ID,
				ProjectPath: project.Path,
				StagingRoot: stagingDir,
			}); err != nil {
				slog.Warn("pipeline run returned error", "task", handle.Task.ID, "error", err)
			}
		}()
	}
}
