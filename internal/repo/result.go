package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// ResultRepo persists the exactly-one-per-terminal-task domain.TaskResult
// row.
type ResultRepo struct {
	db *store.Store
}

// Upsert writes or replaces the result for a task. A task's result may be
// overwritten once if the Scheduler revises its final synthesis, hence
// upsert rather than insert-only.
func (r *ResultRepo) Upsert(ctx context.Context, res domain.TaskResult) error {
	_, err := r.db.Execute(ctx, `
		INSERT INTO task_results (task_id, status, output, error_text, execution_ms, timestamp, metadata)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status, output = excluded.output,
			error_text = excluded.error_text, execution_ms = excluded.execution_ms,
			timestamp = excluded.timestamp, metadata = excluded.metadata`,
		res.TaskID, string(res.Status), res.Output, res.ErrorText,
		res.ExecutionMs, res.Timestamp, marshalMetadata(res.Metadata),
	)
	return err
}

// ForTask loads the result for a task, or errkind.NotFound if the task
// hasn't reached a terminal state yet.
func (r *ResultRepo) ForTask(ctx context.Context, taskID string) (domain.TaskResult, error) {
	row := r.db.QueryRow(ctx, `
		SELECT task_id, status, output, error_text, execution_ms, timestamp, metadata
		FROM task_results WHERE task_id = ?`, taskID)

	var (
		res      domain.TaskResult
		metadata string
	)
	err := row.Scan(&res.TaskID, &res.Status, &res.Output, &res.ErrorText,
		&res.ExecutionMs, &res.Timestamp, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskResult{}, errkind.New(errkind.NotFound, "no result for task: "+taskID)
	}
	if err != nil {
		return domain.TaskResult{}, err
	}
	res.Metadata = unmarshalMetadata(metadata)
	return res, nil
}
