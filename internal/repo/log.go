package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// LogRepo persists append-only domain.TaskLog rows.
type LogRepo struct {
	db *store.Store
}

// Append inserts a task log entry and returns its assigned id.
func (r *LogRepo) Append(ctx context.Context, l domain.TaskLog) (int64, error) {
	res, err := r.db.Execute(ctx, `
		INSERT INTO task_logs (task_id, instance_id, kind, level, message, progress, status_text, timestamp, metadata)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		l.TaskID, nullableString(l.InstanceID), string(l.Kind), string(l.Level),
		l.Message, nullableInt(l.Progress), l.StatusText, l.Timestamp, marshalMetadata(l.Metadata),
	)
	return res.LastInsertID, err
}

// ByTask lists logs for a task, optionally bounded to [since, until),
// oldest first.
func (r *LogRepo) ByTask(ctx context.Context, taskID string, since, until *time.Time) ([]domain.TaskLog, error) {
	query := `SELECT id, task_id, instance_id, kind, level, message, progress, status_text, timestamp, metadata
		FROM task_logs WHERE task_id = ?`
	args := []any{taskID}
	if since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *since)
	}
	if until != nil {
		query += ` AND timestamp < ?`
		args = append(args, *until)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskLog
	for rows.Next() {
		var (
			l          domain.TaskLog
			instanceID sql.NullString
			progress   sql.NullInt64
			metadata   string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &instanceID, &l.Kind, &l.Level,
			&l.Message, &progress, &l.StatusText, &l.Timestamp, &metadata); err != nil {
			return nil, err
		}
		l.InstanceID = instanceID.String
		l.Metadata = unmarshalMetadata(metadata)
		if progress.Valid {
			v := int(progress.Int64)
			l.Progress = &v
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
