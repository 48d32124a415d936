package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"apkforge/internal/apperr"
	"apkforge/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors under the pipeline's
	// concurrent task persistence writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Description, boolToInt(p.Active), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.Conflict, "create project", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	var active int
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Description, &active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	return p, nil
}

const projectColumns = `id, name, path, description, active, created_at, updated_at`

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "project not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "get project", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "project not found: "+name)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "get project by name", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListActiveProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list active projects", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, "scan project", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, path=?, description=?, active=?, updated_at=? WHERE id=?`,
		p.Name, p.Path, p.Description, boolToInt(p.Active), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "update project", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "project not found: "+p.ID)
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET active=0, updated_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "soft delete project", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "project not found: "+id)
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, project_id, kind, branch, archive_path, config_options, status, progress, error_kind, error_message, artifacts, created_at, started_at, completed_at`

func encodeConfigOptions(opts map[string]string) (string, error) {
	if opts == nil {
		opts = map[string]string{}
	}
	b, err := json.Marshal(opts)
	return string(b), err
}

func decodeConfigOptions(raw string) (map[string]string, error) {
	opts := map[string]string{}
	if raw == "" {
		return opts, nil
	}
	err := json.Unmarshal([]byte(raw), &opts)
	return opts, err
}

func encodeArtifacts(artifacts []models.ArtifactDescriptor) (string, error) {
	if artifacts == nil {
		artifacts = []models.ArtifactDescriptor{}
	}
	b, err := json.Marshal(artifacts)
	return string(b), err
}

func decodeArtifacts(raw string) ([]models.ArtifactDescriptor, error) {
	var artifacts []models.ArtifactDescriptor
	if raw == "" {
		return artifacts, nil
	}
	err := json.Unmarshal([]byte(raw), &artifacts)
	return artifacts, err
}

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var configRaw, artifactsRaw string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Branch, &t.ArchivePath, &configRaw, &t.Status,
		&t.Progress, &t.ErrorKind, &t.ErrorMessage, &artifactsRaw, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if t.ConfigOptions, err = decodeConfigOptions(configRaw); err != nil {
		return nil, fmt.Errorf("decode config_options: %w", err)
	}
	if t.Artifacts, err = decodeArtifacts(artifactsRaw); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	configRaw, err := encodeConfigOptions(t.ConfigOptions)
	if err != nil {
		return fmt.Errorf("encode config_options: %w", err)
	}
	artifactsRaw, err := encodeArtifacts(t.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Kind, t.Branch, t.ArchivePath, configRaw, t.Status,
		t.Progress, t.ErrorKind, t.ErrorMessage, artifactsRaw, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.Conflict, "create task", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "task not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "get task", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list tasks by project", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (s *SQLiteStore) ListNonTerminalTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY created_at`,
		models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list non-terminal tasks", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListNonTerminalTasksByProject backs the per-project admission check of
// spec.md Invariant 1 (§3) and §4.5.1 stage 1: a project may have at
// most one pending or running task at a time.
func (s *SQLiteStore) ListNonTerminalTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status IN (?, ?) ORDER BY created_at`,
		projectID, models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list non-terminal tasks by project", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, "scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, fields map[string]any) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Status = status
	if v, ok := fields["progress"].(int); ok {
		task.Progress = v
	}
	if v, ok := fields["error_kind"].(string); ok {
		task.ErrorKind = v
	}
	if v, ok := fields["error_message"].(string); ok {
		task.ErrorMessage = v
	}
	if v, ok := fields["started_at"].(time.Time); ok {
		task.StartedAt = &v
	}
	if v, ok := fields["completed_at"].(time.Time); ok {
		task.CompletedAt = &v
	}
	return s.SaveTask(ctx, task)
}

func (s *SQLiteStore) AppendArtifact(ctx context.Context, id string, descriptor models.ArtifactDescriptor) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Artifacts = append(task.Artifacts, descriptor)
	return s.SaveTask(ctx, task)
}

// SaveTask upserts the full task record; it is taskrun's PersistenceHook.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *models.Task) error {
	configRaw, err := encodeConfigOptions(t.ConfigOptions)
	if err != nil {
		return fmt.Errorf("encode config_options: %w", err)
	}
	artifactsRaw, err := encodeArtifacts(t.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET project_id=?, kind=?, branch=?, archive_path=?, config_options=?, status=?, progress=?,
		error_kind=?, error_message=?, artifacts=?, started_at=?, completed_at=? WHERE id=?`,
		t.ProjectID, t.Kind, t.Branch, t.ArchivePath, configRaw, t.Status, t.Progress,
		t.ErrorKind, t.ErrorMessage, artifactsRaw, t.StartedAt, t.CompletedAt, t.ID,
	)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "save task", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return s.CreateTask(ctx, t)
	}
	return nil
}

// --- GitOperations ---

const gitOpColumns = `id, project_id, kind, status, pre_commit, post_commit, branch, files_affected, message, error, snapshot_id, snapshot_taken, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateGitOperation(ctx context.Context, op *models.GitOperation) error {
	if op.ID == "" {
		op.ID = newULID()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	filesRaw, err := json.Marshal(op.FilesAffected)
	if err != nil {
		return fmt.Errorf("encode files_affected: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO git_operations (`+gitOpColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.ProjectID, op.Kind, op.Status, op.PreCommit, op.PostCommit, op.Branch, string(filesRaw),
		op.Message, op.Error, op.SnapshotID, boolToInt(op.SnapshotTaken), op.CreatedAt, op.StartedAt, op.CompletedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.Conflict, "create git operation", err)
	}
	return nil
}

func scanGitOperation(row interface{ Scan(...any) error }) (*models.GitOperation, error) {
	op := &models.GitOperation{}
	var filesRaw string
	var snapshotTaken int
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&op.ID, &op.ProjectID, &op.Kind, &op.Status, &op.PreCommit, &op.PostCommit, &op.Branch,
		&filesRaw, &op.Message, &op.Error, &op.SnapshotID, &snapshotTaken, &op.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if filesRaw != "" {
		if err := json.Unmarshal([]byte(filesRaw), &op.FilesAffected); err != nil {
			return nil, fmt.Errorf("decode files_affected: %w", err)
		}
	}
	op.SnapshotTaken = snapshotTaken != 0
	if startedAt.Valid {
		op.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	return op, nil
}

func (s *SQLiteStore) UpdateGitOperationStatus(ctx context.Context, id string, status models.GitOperationStatus, fields map[string]any) error {
	row := s.db.QueryRowContext(ctx, `SELECT `+gitOpColumns+` FROM git_operations WHERE id = ?`, id)
	op, err := scanGitOperation(row)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, "git operation not found: "+id)
	}
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "get git operation", err)
	}

	op.Status = status
	if v, ok := fields["pre_commit"].(string); ok {
		op.PreCommit = v
	}
	if v, ok := fields["post_commit"].(string); ok {
		op.PostCommit = v
	}
	if v, ok := fields["error"].(string); ok {
		op.Error = v
	}
	if v, ok := fields["started_at"].(time.Time); ok {
		op.StartedAt = &v
	}
	if v, ok := fields["completed_at"].(time.Time); ok {
		op.CompletedAt = &v
	}

	filesRaw, err := json.Marshal(op.FilesAffected)
	if err != nil {
		return fmt.Errorf("encode files_affected: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE git_operations SET status=?, pre_commit=?, post_commit=?, files_affected=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		op.Status, op.PreCommit, op.PostCommit, string(filesRaw), op.Error, op.StartedAt, op.CompletedAt, id,
	)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "update git operation status", err)
	}
	return nil
}

func (s *SQLiteStore) ListGitOperationsByProject(ctx context.Context, projectID string, filter GitOperationFilter) ([]*models.GitOperation, error) {
	query := `SELECT ` + gitOpColumns + ` FROM git_operations WHERE project_id = ?`
	args := []any{projectID}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list git operations", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*models.GitOperation
	for rows.Next() {
		op, err := scanGitOperation(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, "scan git operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- Snapshots ---

const snapshotColumns = `id, project_id, created_at, expires_at, source_branch, source_commit, kind, storage_path, stash_ref, active, producing_op_id`

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.ID == "" {
		snap.ID = newULID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ProjectID, snap.CreatedAt, snap.ExpiresAt, snap.SourceBranch, snap.SourceCommit,
		snap.Kind, snap.StoragePath, snap.StashRef, boolToInt(snap.Active), snap.ProducingOpID,
	)
	if err != nil {
		return apperr.Wrap(apperr.Conflict, "create snapshot", err)
	}
	return nil
}

func scanSnapshot(row interface{ Scan(...any) error }) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var active int
	err := row.Scan(&snap.ID, &snap.ProjectID, &snap.CreatedAt, &snap.ExpiresAt, &snap.SourceBranch,
		&snap.SourceCommit, &snap.Kind, &snap.StoragePath, &snap.StashRef, &active, &snap.ProducingOpID)
	if err != nil {
		return nil, err
	}
	snap.Active = active != 0
	return snap, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.SnapshotMissing, "snapshot not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "get snapshot", err)
	}
	return snap, nil
}

func (s *SQLiteStore) ListActiveSnapshotsByProject(ctx context.Context, projectID string) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE project_id = ? AND active = 1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list active snapshots", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unavailable, "scan snapshot", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (s *SQLiteStore) MarkSnapshotInactive(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE snapshots SET active=0 WHERE id=?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "mark snapshot inactive", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.SnapshotMissing, "snapshot not found: "+id)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSnapshots(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE expires_at < ? AND active = 0`, before)
	if err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, "delete expired snapshots", err)
	}
	return result.RowsAffected()
}
