// Package telemetry exposes process-wide prometheus metrics and the
// periodic rollup job that folds raw Instance Telemetry samples into
// bucketed Time-Series Metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmeshd/internal/domain"
)

// Metrics holds the prometheus collectors the rest of the server observes
// into. One Metrics is constructed per process and injected by reference.
type Metrics struct {
	registry        *prometheus.Registry
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	activeInstances prometheus.Gauge
	poolBusy        prometheus.Gauge
}

// NewMetrics registers every collector against reg and returns the handle.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Name:      "tasks_total",
			Help:      "Total sub-tasks reaching a terminal status, by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Name:      "task_duration_seconds",
			Help:      "Sub-task execution time from running to terminal.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		activeInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "instances_active",
			Help:      "Instances currently bound to a running task.",
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "store_pool_busy",
			Help:      "Store connections currently checked out.",
		}),
	}
	reg.MustRegister(m.tasksTotal, m.taskDuration, m.activeInstances, m.poolBusy)
	return m
}

// ObserveResult records one terminal sub-task outcome.
func (m *Metrics) ObserveResult(status domain.ResultStatus, elapsedSeconds float64) {
	m.tasksTotal.WithLabelValues(string(status)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(elapsedSeconds)
}

// SetActiveInstances reports current instance pool occupancy.
func (m *Metrics) SetActiveInstances(n int) { m.activeInstances.Set(float64(n)) }

// SetStorePoolBusy reports current store connection pool occupancy.
func (m *Metrics) SetStorePoolBusy(n int) { m.poolBusy.Set(float64(n)) }
