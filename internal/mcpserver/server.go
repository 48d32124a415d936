// Package mcpserver exposes apkforge's task lifecycle as MCP tools so an
// agent session can register projects, submit and start build tasks,
// and poll their status without going through the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"apkforge/internal/android"
	"apkforge/internal/models"
	"apkforge/internal/pipeline"
	"apkforge/internal/refresh"
	"apkforge/internal/store"
	"apkforge/internal/taskrun"
)

// Server wraps apkforge's store and runtime and exposes them as MCP tools.
type Server struct {
	store    store.Store
	runtime  *taskrun.Runtime
	analyzer android.Analyzer
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, rt *taskrun.Runtime, p *pipeline.Pipeline) *Server {
	return &Server{
		store:    s,
		runtime:  rt,
		analyzer: p.Analyzer,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("apkforge", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.projectStatusTool())
	srv.AddTool(s.createTaskTool())
	srv.AddTool(s.startTaskTool())
	srv.AddTool(s.cancelTaskTool())
	srv.AddTool(s.taskStatusTool())
	srv.AddTool(s.listArtifactsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// apkforge_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_list_projects",
		mcp.WithDescription("List all registered Android projects. Returns a JSON array with id, name, path, and active flag."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListActiveProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description"`
		Active      bool   `json:"active"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{
			ID:          p.ID,
			Name:        p.Name,
			Path:        p.Path,
			Description: p.Description,
			Active:      p.Active,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal projects: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// apkforge_project_status
func (s *Server) projectStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_project_status",
		mcp.WithDescription("Get detailed project status including git branch/dirty state and recent task counts. Resolves project by name or id."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
	)
	return tool, s.handleProjectStatus
}

func (s *Server) handleProjectStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRef, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}

	p, err := s.resolveProject(ctx, projectRef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectRef)), nil
	}

	git := refresh.Status(p)

	tasks, _ := s.store.ListTasksByProject(ctx, p.ID)
	pending, running, completed, failed, cancelled := 0, 0, 0, 0, 0
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
		case models.TaskStatusCancelled:
			cancelled++
		}
	}

	result := map[string]any{
		"project": map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"path":        p.Path,
			"description": p.Description,
			"active":      p.Active,
		},
		"git": map[string]any{
			"is_repo":     git.IsRepo,
			"branch":      git.Branch,
			"detached":    git.Detached,
			"dirty":       git.Dirty,
			"head_commit": git.HeadCommit,
		},
		"tasks": map[string]any{
			"total":     len(tasks),
			"pending":   pending,
			"running":   running,
			"completed": completed,
			"failed":    failed,
			"cancelled": cancelled,
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// apkforge_create_task
func (s *Server) createTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_create_task",
		mcp.WithDescription("Create a build task for a project from a resource archive already staged on disk. Returns the created task as JSON with status=pending. Call apkforge_start_task to actually run it."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
		mcp.WithString("archive_path", mcp.Required(), mcp.Description("Path to the staged resource archive (zip/tar.gz)")),
		mcp.WithString("branch", mcp.Description("Git branch to build from (default: current branch)")),
	)
	return tool, s.handleCreateTask
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRef, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	archivePath, err := request.RequireString("archive_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: archive_path"), nil
	}

	p, err := s.resolveProject(ctx, projectRef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectRef)), nil
	}
	if err := store.CheckProjectAvailable(ctx, s.store, p.ID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task := &models.Task{
		ProjectID:   p.ID,
		Kind:        models.TaskKindBuild,
		Branch:      request.GetString("branch", ""),
		ArchivePath: archivePath,
		Status:      models.TaskStatusPending,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	return taskResult(task), nil
}

// apkforge_start_task
func (s *Server) startTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_start_task",
		mcp.WithDescription("Submit a pending task into the build queue. The task runs asynchronously; poll with apkforge_task_status."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleStartTask
}

func (s *Server) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	if task.Status != models.TaskStatusPending {
		return mcp.NewToolResultError(fmt.Sprintf("task %s is %s, not pending", taskID, task.Status)), nil
	}
	if err := s.runtime.Submit(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit task: %v", err)), nil
	}

	return taskResult(task), nil
}

// apkforge_cancel_task
func (s *Server) cancelTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_cancel_task",
		mcp.WithDescription("Cancel a pending or running task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleCancelTask
}

func (s *Server) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	if err := s.runtime.Cancel(ctx, taskID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel task: %v", err)), nil
	}
	result := map[string]any{"task_id": taskID, "status": string(models.TaskStatusCancelled)}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// apkforge_task_status
func (s *Server) taskStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_task_status",
		mcp.WithDescription("Get a task's current status, progress, and (if terminal) artifacts or error."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleTaskStatus
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	if task, ok := s.runtime.Get(taskID); ok {
		return taskResult(task), nil
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return taskResult(task), nil
}

// apkforge_list_artifacts
func (s *Server) listArtifactsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apkforge_list_artifacts",
		mcp.WithDescription("List the artifacts (APKs, logs, metadata) produced by a completed task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleListArtifacts
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	data, err := json.Marshal(task.Artifacts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal artifacts: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, ref); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", ref)
}

func taskResult(task *models.Task) *mcp.CallToolResult {
	result := map[string]any{
		"id":            task.ID,
		"project_id":    task.ProjectID,
		"kind":          string(task.Kind),
		"branch":        task.Branch,
		"status":        string(task.Status),
		"progress":      task.Progress,
		"error_kind":    task.ErrorKind,
		"error_message": task.ErrorMessage,
	}
	if task.CompletedAt != nil {
		result["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	if len(task.Artifacts) > 0 {
		names := make([]string, len(task.Artifacts))
		for i, a := range task.Artifacts {
			names[i] = a.Filename
		}
		result["artifact_names"] = strings.Join(names, ", ")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal task: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
