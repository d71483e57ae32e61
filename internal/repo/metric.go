package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// MetricRepo persists bucketed domain.TimeSeriesMetric rows.
type MetricRepo struct {
	db *store.Store
}

// Upsert merges a sample into the bucket (type, resolution, floor(timestamp))
// so every sample of a bucket lands in one row: count, sum, min and max
// accumulate; avg is recomputed from sum/count. Upserting the same sample
// twice counts it twice.
func (r *MetricRepo) Upsert(ctx context.Context, typ domain.MetricType, resolution domain.Resolution, bucket time.Time, value float64, metadata map[string]string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var (
			count         int64
			min, max, sum float64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT count, min, max, sum FROM time_series_metrics
			WHERE type = ? AND resolution = ? AND timestamp = ?`,
			string(typ), string(resolution), bucket).Scan(&count, &min, &max, &sum)

		switch {
		case err == sql.ErrNoRows:
			count, min, max, sum = 1, value, value, value
		case err != nil:
			return err
		default:
			count++
			sum += value
			if value < min {
				min = value
			}
			if value > max {
				max = value
			}
		}
		avg := sum / float64(count)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO time_series_metrics (type, timestamp, resolution, value, count, min, max, avg, sum, metadata)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(type, resolution, timestamp) DO UPDATE SET
				value = excluded.value, count = excluded.count, min = excluded.min,
				max = excluded.max, avg = excluded.avg, sum = excluded.sum,
				metadata = excluded.metadata`,
			string(typ), bucket, string(resolution), value, count, min, max, avg, sum, marshalMetadata(metadata),
		)
		return err
	})
}

// Range lists metrics of a type/resolution within [from, to), oldest first.
func (r *MetricRepo) Range(ctx context.Context, typ domain.MetricType, resolution domain.Resolution, from, to time.Time) ([]domain.TimeSeriesMetric, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, type, timestamp, resolution, value, count, min, max, avg, sum, metadata
		FROM time_series_metrics
		WHERE type = ? AND resolution = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, string(typ), string(resolution), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TimeSeriesMetric
	for rows.Next() {
		var (
			m        domain.TimeSeriesMetric
			metadata string
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Timestamp, &m.Resolution, &m.Value,
			&m.Count, &m.Min, &m.Max, &m.Avg, &m.Sum, &metadata); err != nil {
			return nil, err
		}
		m.Metadata = unmarshalMetadata(metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Aggregate computes an on-demand higher resolution (hour/day/month) by
// combining the lower-resolution rows beneath it, rather than persisting a
// duplicate rollup.
func Aggregate(rows []domain.TimeSeriesMetric) domain.TimeSeriesMetric {
	if len(rows) == 0 {
		return domain.TimeSeriesMetric{}
	}
	out := domain.TimeSeriesMetric{
		Type:       rows[0].Type,
		Resolution: rows[0].Resolution,
		Timestamp:  rows[0].Timestamp,
		Min:        rows[0].Min,
		Max:        rows[0].Max,
	}
	for _, r := range rows {
		out.Count += r.Count
		out.Sum += r.Sum
		if r.Min < out.Min {
			out.Min = r.Min
		}
		if r.Max > out.Max {
			out.Max = r.Max
		}
	}
	if out.Count > 0 {
		out.Avg = out.Sum / float64(out.Count)
	}
	return out
}
