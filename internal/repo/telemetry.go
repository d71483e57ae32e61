package repo

import (
	"context"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// TelemetryRepo persists append-only domain.InstanceTelemetry samples.
type TelemetryRepo struct {
	db *store.Store
}

// Record inserts one telemetry sample.
func (r *TelemetryRepo) Record(ctx context.Context, t domain.InstanceTelemetry) error {
	_, err := r.db.Execute(ctx, `
		INSERT INTO instance_telemetry (instance_id, type, timestamp, value, metadata)
		VALUES (?,?,?,?,?)`,
		t.InstanceID, string(t.Type), t.Timestamp, t.Value, marshalMetadata(t.Metadata))
	return err
}

// Since lists samples of a given type for an instance at or after from,
// oldest first. The input to a rollup pass.
func (r *TelemetryRepo) Since(ctx context.Context, instanceID string, typ domain.TelemetryType, from time.Time) ([]domain.InstanceTelemetry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, instance_id, type, timestamp, value, metadata
		FROM instance_telemetry
		WHERE instance_id = ? AND type = ? AND timestamp >= ?
		ORDER BY timestamp`, instanceID, string(typ), from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InstanceTelemetry
	for rows.Next() {
		var (
			t        domain.InstanceTelemetry
			metadata string
		)
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Type, &t.Timestamp, &t.Value, &metadata); err != nil {
			return nil, err
		}
		t.Metadata = unmarshalMetadata(metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllSince lists every telemetry sample across all instances at or after
// from, oldest first. The periodic rollup job uses this to bucket samples
// without a per-instance round trip.
func (r *TelemetryRepo) AllSince(ctx context.Context, from time.Time) ([]domain.InstanceTelemetry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, instance_id, type, timestamp, value, metadata
		FROM instance_telemetry
		WHERE timestamp >= ?
		ORDER BY timestamp`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InstanceTelemetry
	for rows.Next() {
		var (
			t        domain.InstanceTelemetry
			metadata string
		)
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Type, &t.Timestamp, &t.Value, &metadata); err != nil {
			return nil, err
		}
		t.Metadata = unmarshalMetadata(metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}
