package telemetry

import (
	"context"
	"time"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/logging"
	"github.com/taskmesh/taskmeshd/internal/repo"
)

// Rollup periodically aggregates Instance Telemetry samples into minute-
// resolution Time-Series Metrics. Hour/day/month resolutions
// are never written by Rollup; MetricRepo.Range + Aggregate compute them on
// demand from the persisted minute buckets.
type Rollup struct {
	repos     *repo.Repositories
	logger    logging.Logger
	interval  time.Duration
	watermark time.Time
}

// NewRollup builds a Rollup with the default once-per-minute cadence if
// interval is zero.
func NewRollup(repos *repo.Repositories, logger logging.Logger, interval time.Duration) *Rollup {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Rollup{
		repos:    repos,
		logger:   logging.OrNop(logger).With("Telemetry"),
		interval: interval,
	}
}

// Run loops until ctx is cancelled, aggregating on every tick.
func (r *Rollup) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.once(ctx); err != nil {
				r.logger.Warn("telemetry rollup failed: %v", err)
			}
		}
	}
}

// once aggregates every sample recorded since the last watermark. Each
// sample is merged into its (type, minute) bucket via MetricRepo.Upsert,
// which accumulates; a repeated run never double-counts because the
// watermark advances past every sample already processed.
func (r *Rollup) once(ctx context.Context) error {
	samples, err := r.repos.Telemetry.AllSince(ctx, r.watermark)
	if err != nil {
		return err
	}
	for _, sample := range samples {
		bucket := domain.ResolutionMinute.Floor(sample.Timestamp)
		metricType := metricTypeFor(sample.Type)
		if err := r.repos.Metrics.Upsert(ctx, metricType, domain.ResolutionMinute, bucket, sample.Value, nil); err != nil {
			return err
		}
	}
	if len(samples) > 0 {
		r.watermark = samples[len(samples)-1].Timestamp.Add(time.Nanosecond)
	}
	return nil
}

// metricTypeFor maps a raw telemetry sample kind onto the aggregate metric
// series it contributes to.
func metricTypeFor(t domain.TelemetryType) domain.MetricType {
	switch t {
	case domain.TelemetryTimeout:
		return domain.MetricTimeoutCount
	case domain.TelemetryError:
		return domain.MetricErrorCount
	case domain.TelemetryPerformance:
		return domain.MetricTaskDuration
	case domain.TelemetryResource:
		return domain.MetricMemoryUsage
	default: // heartbeat and anything else: count liveness activity
		return domain.MetricTaskCount
	}
}
