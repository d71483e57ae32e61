package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// InstanceRepo persists domain.Instance rows.
type InstanceRepo struct {
	db *store.Store
}

const instanceColumns = `
	id, status, task_id, total, successful, failed, timeout, cancelled,
	avg_task_ms, last_task_ms, cumulative_ms, timeout_ms, working_dir,
	max_tasks, max_memory_bytes, created_at, last_used_at, last_heartbeat_at, updated_at`

const instanceSelectSQL = `SELECT ` + instanceColumns + ` FROM instances`

// Create inserts a new instance row.
func (r *InstanceRepo) Create(ctx context.Context, inst domain.Instance) error {
	_, err := r.db.Execute(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, string(inst.Status), nullableString(inst.TaskID),
		inst.Metrics.Total, inst.Metrics.Successful, inst.Metrics.Failed,
		inst.Metrics.Timeout, inst.Metrics.Cancelled, inst.Metrics.AverageTaskMs,
		inst.Metrics.LastTaskMs, inst.Metrics.CumulativeMs, inst.TimeoutMs,
		inst.WorkingDir, inst.MaxTasks, inst.MaxMemoryBytes, inst.CreatedAt,
		nullableTime(inst.LastUsedAt), nullableTime(inst.LastHeartbeatAt), inst.UpdatedAt,
	)
	return err
}

// GetByID loads one instance, or errkind.NotFound.
func (r *InstanceRepo) GetByID(ctx context.Context, id string) (domain.Instance, error) {
	row := r.db.QueryRow(ctx, instanceSelectSQL+` WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, errkind.New(errkind.NotFound, "instance not found: "+id)
	}
	return inst, err
}

// Idle lists instances currently available for binding, oldest-used first
// so the pool recycles round-robin rather than hammering one instance.
func (r *InstanceRepo) Idle(ctx context.Context) ([]domain.Instance, error) {
	rows, err := r.db.Query(ctx, instanceSelectSQL+`
		WHERE status = ? ORDER BY last_used_at IS NULL DESC, last_used_at ASC`, string(domain.InstanceIdle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// Count returns the total number of instances in the pool.
func (r *InstanceRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n)
	return n, err
}

// InstancePatch is a partial update, mirroring TaskPatch.
type InstancePatch struct {
	Status          *domain.InstanceStatus
	TaskID          *string
	Metrics         *domain.InstanceMetrics
	LastUsedAt      **time.Time
	LastHeartbeatAt **time.Time
}

// Update applies a partial update inside a read-modify-write transaction.
func (r *InstanceRepo) Update(ctx context.Context, id string, patch InstancePatch) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, instanceSelectSQL+` WHERE id = ?`, id)
		inst, err := scanInstance(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "instance not found: "+id)
		}
		if err != nil {
			return err
		}

		if patch.Status != nil {
			inst.Status = *patch.Status
		}
		if patch.TaskID != nil {
			inst.TaskID = *patch.TaskID
		}
		if patch.Metrics != nil {
			inst.Metrics = *patch.Metrics
		}
		if patch.LastUsedAt != nil {
			inst.LastUsedAt = *patch.LastUsedAt
		}
		if patch.LastHeartbeatAt != nil {
			inst.LastHeartbeatAt = *patch.LastHeartbeatAt
		}
		inst.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE instances SET
				status = ?, task_id = ?, total = ?, successful = ?, failed = ?,
				timeout = ?, cancelled = ?, avg_task_ms = ?, last_task_ms = ?,
				cumulative_ms = ?, last_used_at = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE id = ?`,
			string(inst.Status), nullableString(inst.TaskID), inst.Metrics.Total,
			inst.Metrics.Successful, inst.Metrics.Failed, inst.Metrics.Timeout,
			inst.Metrics.Cancelled, inst.Metrics.AverageTaskMs, inst.Metrics.LastTaskMs,
			inst.Metrics.CumulativeMs, nullableTime(inst.LastUsedAt),
			nullableTime(inst.LastHeartbeatAt), inst.UpdatedAt, id,
		)
		return err
	})
}

func scanInstances(rows *sql.Rows) ([]domain.Instance, error) {
	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(s scannable) (domain.Instance, error) {
	var (
		inst                        domain.Instance
		taskID                      sql.NullString
		lastUsedAt, lastHeartbeatAt sql.NullTime
	)
	err := s.Scan(
		&inst.ID, &inst.Status, &taskID, &inst.Metrics.Total, &inst.Metrics.Successful,
		&inst.Metrics.Failed, &inst.Metrics.Timeout, &inst.Metrics.Cancelled,
		&inst.Metrics.AverageTaskMs, &inst.Metrics.LastTaskMs, &inst.Metrics.CumulativeMs,
		&inst.TimeoutMs, &inst.WorkingDir, &inst.MaxTasks, &inst.MaxMemoryBytes,
		&inst.CreatedAt, &lastUsedAt, &lastHeartbeatAt, &inst.UpdatedAt,
	)
	if err != nil {
		return domain.Instance{}, err
	}
	inst.TaskID = taskID.String
	if lastUsedAt.Valid {
		v := lastUsedAt.Time
		inst.LastUsedAt = &v
	}
	if lastHeartbeatAt.Valid {
		v := lastHeartbeatAt.Time
		inst.LastHeartbeatAt = &v
	}
	return inst, nil
}
