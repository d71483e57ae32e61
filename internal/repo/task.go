package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// TaskRepo persists domain.Task rows, including the subtasks dependency-edge
// table.
type TaskRepo struct {
	db *store.Store
}

// Create inserts t and its dependency edges in one transaction.
func (r *TaskRepo) Create(ctx context.Context, t domain.Task) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		return replaceDependencies(ctx, tx, t.ID, t.DependsOn)
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, parent_id, status, progress, priority, execution_mode, name,
			description, prompt, working_dir, return_mode, metadata,
			created_at, started_at, completed_at, updated_at, instance_id,
			timeout_ms, deadline, timeout_handled
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableString(t.ParentID), string(t.Status), t.Progress, string(t.Priority),
		string(t.ExecutionMode), t.Name, t.Description, t.Prompt, t.WorkingDir,
		string(t.ReturnMode), marshalMetadata(t.Metadata),
		t.CreatedAt, nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.UpdatedAt,
		nullableString(t.InstanceID), t.TimeoutMs, nullableTime(t.Deadline), boolToInt(t.TimeoutHandled),
	)
	return err
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, taskID string, dependsOn []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subtasks (task_id, depends_on_id) VALUES (?, ?)`, taskID, dep); err != nil {
			return err
		}
	}
	return nil
}

// GetByID loads one task, or an errkind.NotFound error.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRow(ctx, taskSelectSQL+` WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, errkind.New(errkind.NotFound, "task not found: "+id)
	}
	if err != nil {
		return domain.Task{}, err
	}
	deps, err := r.dependsOn(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = deps
	return t, nil
}

// ByParent lists every sub-task of parentID in insertion order (declaration
// order, the order sequential mode dispatches in).
func (r *TaskRepo) ByParent(ctx context.Context, parentID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, taskSelectSQL+` WHERE t.parent_id = ? ORDER BY t.rowid`, parentID)
}

// ByStatus lists every task (root or sub-task) currently in the given
// status, oldest first.
func (r *TaskRepo) ByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	return r.queryTasks(ctx, taskSelectSQL+` WHERE t.status = ? ORDER BY t.created_at`, string(status))
}

// Roots lists every task with no parent, newest first.
func (r *TaskRepo) Roots(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryTasks(ctx, taskSelectSQL+` WHERE t.parent_id IS NULL ORDER BY t.created_at DESC LIMIT ?`, limit)
}

// Search runs a full-text query over name/description/prompt via the FTS5
// index.
func (r *TaskRepo) Search(ctx context.Context, query string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks_fts
		JOIN tasks t ON t.rowid = tasks_fts.rowid
		WHERE tasks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
}

func (r *TaskRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		deps, err := r.dependsOn(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].DependsOn = deps
	}
	return out, nil
}

func (r *TaskRepo) dependsOn(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT depends_on_id FROM subtasks WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// TaskPatch is a partial update: nil fields are left unchanged. UpdatedAt is
// always bumped by Update regardless of what else changes.
type TaskPatch struct {
	Status         *domain.Status
	Progress       *int
	InstanceID     *string
	StartedAt      **time.Time
	CompletedAt    **time.Time
	Deadline       **time.Time
	TimeoutHandled *bool
	Metadata       map[string]string
}

// Update applies patch to task id inside a single transaction, read-modify-
// write, so concurrent scheduler/supervisor writers never clobber each
// other's fields. Status changes must be legal per domain.CanTransition;
// re-applying the current status is a no-op, not an error.
func (r *TaskRepo) Update(ctx context.Context, id string, patch TaskPatch) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, taskSelectSQL+` WHERE t.id = ?`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "task not found: "+id)
		}
		if err != nil {
			return err
		}

		if patch.Status != nil && *patch.Status != t.Status {
			if !domain.CanTransition(t.Status, *patch.Status) {
				return errkind.New(errkind.Internal, fmt.Sprintf(
					"invalid task status transition for %s: %s -> %s", id, t.Status, *patch.Status))
			}
			t.Status = *patch.Status
		}
		if patch.Progress != nil {
			t.Progress = *patch.Progress
		}
		if patch.InstanceID != nil {
			t.InstanceID = *patch.InstanceID
		}
		if patch.StartedAt != nil {
			t.StartedAt = *patch.StartedAt
		}
		if patch.CompletedAt != nil {
			t.CompletedAt = *patch.CompletedAt
		}
		if patch.Deadline != nil {
			t.Deadline = *patch.Deadline
		}
		if patch.TimeoutHandled != nil {
			t.TimeoutHandled = *patch.TimeoutHandled
		}
		if patch.Metadata != nil {
			t.Metadata = patch.Metadata
		}
		t.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, progress = ?, instance_id = ?, started_at = ?,
				completed_at = ?, updated_at = ?, deadline = ?,
				timeout_handled = ?, metadata = ?
			WHERE id = ?`,
			string(t.Status), t.Progress, nullableString(t.InstanceID),
			nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.UpdatedAt,
			nullableTime(t.Deadline), boolToInt(t.TimeoutHandled), marshalMetadata(t.Metadata),
			id,
		)
		return err
	})
}

// Delete removes a task and (by ON DELETE CASCADE) its dependency edges,
// logs, and result.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

const taskColumns = `
	t.id, t.parent_id, t.status, t.progress, t.priority, t.execution_mode,
	t.name, t.description, t.prompt, t.working_dir, t.return_mode, t.metadata,
	t.created_at, t.started_at, t.completed_at, t.updated_at, t.instance_id,
	t.timeout_ms, t.deadline, t.timeout_handled`

const taskSelectSQL = `SELECT ` + taskColumns + ` FROM tasks t`

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (domain.Task, error)       { return scanTaskInto(row) }
func scanTaskRows(rows *sql.Rows) (domain.Task, error) { return scanTaskInto(rows) }

func scanTaskInto(s scannable) (domain.Task, error) {
	var (
		t                                domain.Task
		parentID, instanceID             sql.NullString
		startedAt, completedAt, deadline sql.NullTime
		metadata                         string
		timeoutHandled                   int
	)
	err := s.Scan(
		&t.ID, &parentID, &t.Status, &t.Progress, &t.Priority, &t.ExecutionMode,
		&t.Name, &t.Description, &t.Prompt, &t.WorkingDir, &t.ReturnMode, &metadata,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt, &instanceID,
		&t.TimeoutMs, &deadline, &timeoutHandled,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.ParentID = parentID.String
	t.InstanceID = instanceID.String
	t.Metadata = unmarshalMetadata(metadata)
	t.TimeoutHandled = timeoutHandled != 0
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if deadline.Valid {
		v := deadline.Time
		t.Deadline = &v
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
