// Package httpapi is the transport shell of spec.md §6.4: it exposes
// task lifecycle endpoints and a Server-Sent-Events log stream over the
// core (Repo Guard, Git Safety Layer, Log Bus, Task Runtime, Build
// Pipeline) without adding any orchestration logic of its own. Grounded
// on the teacher's internal/api/api.go: net/http.ServeMux with Go 1.22
// method patterns, r.PathValue, writeJSON/writeError helpers, and a CORS
// middleware wrapping the whole mux.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apkforge/internal/apperr"
	"apkforge/internal/logbus"
	"apkforge/internal/models"
	"apkforge/internal/pipeline"
	"apkforge/internal/refresh"
	"apkforge/internal/store"
	"apkforge/internal/taskrun"
)

// Server provides the REST/SSE handlers described in spec.md §6.4.
type Server struct {
	store      store.Store
	runtime    *taskrun.Runtime
	pipeline   *pipeline.Pipeline
	bus        *logbus.Bus
	uploadsDir string
	stagingDir string
}

// NewServer wires a Server against the already-constructed core.
// uploadsDir and stagingDir correspond to spec.md §6.5's <uploads>/ and
// <temp>/ filesystem roots; both are created if missing.
func NewServer(s store.Store, rt *taskrun.Runtime, p *pipeline.Pipeline, bus *logbus.Bus, uploadsDir, stagingDir string) *Server {
	return &Server{
		store:      s,
		runtime:    rt,
		pipeline:   p,
		bus:        bus,
		uploadsDir: uploadsDir,
		stagingDir: stagingDir,
	}
}

// Router returns an http.Handler for every route this server exposes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)
	mux.HandleFunc("PUT /api/v1/projects/{id}", s.updateProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.deleteProject)
	mux.HandleFunc("POST /api/v1/projects/refresh", s.refreshAllProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}/tasks", s.listProjectTasks)

	mux.HandleFunc("POST /api/v1/uploads", s.uploadArchive)

	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.startTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/logs/stream", s.streamLogs)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppErr translates a core apperr.Kind into an HTTP status, per
// spec.md §7's propagation policy: the transport shell may translate
// kinds to status codes, but the kinds themselves stay stable.
func writeAppErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.NotFound, apperr.SnapshotMissing:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.Conflict, apperr.WorkingTreeDirty, apperr.DetachedHead, apperr.ResourcePackageMismatch:
		writeError(w, http.StatusConflict, err.Error())
	case apperr.LockTimeout, apperr.Timeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case apperr.Unavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListActiveProjects(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.Name == "" || p.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	p.Active = true
	if err := s.store.CreateProject(r.Context(), &p); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Project
		Git refresh.GitStatus `json:"git"`
	}{Project: p, Git: refresh.Status(p)})
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var patch struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Description != nil {
		existing.Description = *patch.Description
	}
	if err := s.store.UpdateProject(r.Context(), existing); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SoftDeleteProject(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshAllProjects(w http.ResponseWriter, r *http.Request) {
	result, err := refresh.All(r.Context(), s.store, s.pipeline.Analyzer)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tasks, err := s.store.ListTasksByProject(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Uploads ---

// uploadArchive accepts a multipart form field named "archive" and
// stages it under uploadsDir, per spec.md §6.5. It returns the staged
// path, which the caller then passes as archive_path to POST tasks.
func (s *Server) uploadArchive(w http.ResponseWriter, r *http.Request) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "archive file field is required")
		return
	}
	defer file.Close()

	dest := filepath.Join(s.uploadsDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(header.Filename)))
	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"archive_path": dest})
}

// --- Tasks ---

type createTaskRequest struct {
	ProjectID     string            `json:"project_id"`
	Kind          string            `json:"kind"`
	Branch        string            `json:"branch"`
	ArchivePath   string            `json:"archive_path"`
	ConfigOptions map[string]string `json:"config_options"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProjectID == "" || req.ArchivePath == "" {
		writeError(w, http.StatusBadRequest, "project_id and archive_path are required")
		return
	}
	if _, err := s.store.GetProject(r.Context(), req.ProjectID); err != nil {
		writeAppErr(w, err)
		return
	}
	if err := store.CheckProjectAvailable(r.Context(), s.store, req.ProjectID); err != nil {
		writeAppErr(w, err)
		return
	}

	kind := models.TaskKindBuild
	if req.Kind != "" {
		kind = models.TaskKind(req.Kind)
	}

	task := &models.Task{
		ProjectID:     req.ProjectID,
		Kind:          kind,
		Branch:        req.Branch,
		ArchivePath:   req.ArchivePath,
		ConfigOptions: req.ConfigOptions,
		Status:        models.TaskStatusPending,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if task, ok := s.runtime.Get(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// startTask admits the task into the Task Runtime's FIFO queue; the
// server's background dispatch loop (Server.RunDispatcher) drives it
// through the Build Pipeline once a concurrency slot is free.
func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if task.Status != models.TaskStatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s is %s, not pending", id, task.Status))
		return
	}
	if err := s.runtime.Submit(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Cancel(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunDispatcher drives the Task Runtime's admission loop until ctx is
// cancelled: each admitted task is run through the Build Pipeline in
// its own goroutine so a long build never blocks the next admission.
func (s *Server) RunDispatcher(ctx context.Context) {
	for {
		handle, err := s.runtime.Dispatch(ctx)
		if err != nil {
			return
		}
		project, err := s.store.GetProject(ctx, handle.Task.ProjectID)
		if err != nil {
			_ = handle.Finish(ctx, models.TaskStatusFailed, string(apperr.ProjectMissing), err.Error(), nil)
			s.bus.Close(handle.Task.ID, string(models.TaskStatusFailed))
			continue
		}
		go func() {
			if err := s.pipeline.Run(handle.Ctx, handle, pipeline.Request{
				Task:        handle.Task,
				ProjectID:   project.ID,
				ProjectPath: project.Path,
				StagingRoot: s.stagingDir,
			}); err != nil {
				slog.Warn("pipeline run returned error", "task", handle.Task.ID, "error", err)
			}
		}()
	}
}

// --- Log streaming ---

const (
	// dropWarnThreshold is how many dropped records trigger a
	// limit_reached event, per spec.md §6.4.
	dropWarnThreshold = 50
	sseReplayRecords  = 50
)

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "connected", map[string]string{"taskId": taskID})
	flusher.Flush()

	sub := s.bus.Subscribe(r.Context(), taskID, sseReplayRecords)
	defer sub.Unsubscribe()

	warnedLimit := false
	for {
		select {
		case <-r.Context().Done():
			return
		case record, open := <-sub.Records:
			if !open {
				return
			}
			if record.Source == "heartbeat" {
				writeEvent(w, "heartbeat", map[string]string{"taskId": taskID})
				flusher.Flush()
				continue
			}
			if record.Source == "system" && strings.HasPrefix(record.Text, "completed:") {
				status := strings.TrimPrefix(record.Text, "completed:")
				writeEvent(w, "status", map[string]string{"taskId": taskID, "status": status})
				writeEvent(w, "completed", map[string]any{"taskId": taskID, "status": status, "final": true})
				flusher.Flush()
				return
			}
			writeEvent(w, "log", record)
			if record.Level == models.LogLevelError {
				writeEvent(w, "error", record)
			}
			flusher.Flush()
			if !warnedLimit && sub.Dropped() > dropWarnThreshold {
				warnedLimit = true
				writeEvent(w, "limit_reached", map[string]uint64{"dropped": sub.Dropped()})
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
