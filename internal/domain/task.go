// Package domain defines the persisted entities of the orchestrator and
// their lifecycle invariants. It has no dependency on the store or
// transport; repositories translate between this shape and SQL rows.
package domain

import "time"

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// validTransitions encodes the legal state machine:
// pending -> running -> {completed|failed|cancelled|timeout} only.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true, // pending sub-tasks cancel without ever running
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return validTransitions[from][to]
}

// Priority is advisory metadata only; it never re-orders declaration within
// an execution mode.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ExecutionMode governs how siblings within a declaration group are
// dispatched.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ReturnMode controls Task Result output shaping: a full concatenation of
// sub-task outputs, or a bounded summary.
type ReturnMode string

const (
	ReturnSummary ReturnMode = "summary"
	ReturnFull    ReturnMode = "full"
)

// Task is a node in the execution graph.
type Task struct {
	ID       string
	ParentID string // empty for the root

	Status        Status
	Progress      int
	Priority      Priority
	ExecutionMode ExecutionMode
	Name          string
	Description   string
	Prompt        string
	WorkingDir    string
	ReturnMode    ReturnMode
	Metadata      map[string]string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	InstanceID string // bound instance, empty if unbound

	TimeoutMs      int
	Deadline       *time.Time
	TimeoutHandled bool

	// DependsOn lists sibling sub-task ids that must be terminal-success
	// before this task is eligible to run.
	DependsOn []string
}

// SubTask is a parsed task-graph node prior to persistence; once persisted
// it is stored as a Task row with ParentID set.
type SubTask struct {
	ID            string
	Name          string
	Description   string
	Prompt        string
	ExecutionMode ExecutionMode
	Priority      Priority
	TimeoutMs     int
	DependsOn     []string
	Metadata      map[string]string
}

// InstanceStatus is the lifecycle state of a supervised child-process slot.
type InstanceStatus string

const (
	InstanceIdle       InstanceStatus = "idle"
	InstanceRunning    InstanceStatus = "running"
	InstanceError      InstanceStatus = "error"
	InstanceTerminated InstanceStatus = "terminated"
)

// InstanceMetrics is the rolling counter set an Instance carries.
type InstanceMetrics struct {
	Total         int
	Successful    int
	Failed        int
	Timeout       int
	Cancelled     int
	AverageTaskMs float64
	LastTaskMs    int64
	CumulativeMs  int64
}

// ErrorRate returns Failed/Total, or 0 when Total is 0.
func (m InstanceMetrics) ErrorRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Failed) / float64(m.Total)
}

// TimeoutRate returns Timeout/Total, or 0 when Total is 0.
func (m InstanceMetrics) TimeoutRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Timeout) / float64(m.Total)
}

// Instance is a supervised child-process slot.
type Instance struct {
	ID             string
	Status         InstanceStatus
	TaskID         string // bound task, empty if unbound
	Metrics        InstanceMetrics
	TimeoutMs      int
	WorkingDir     string
	MaxTasks       int
	MaxMemoryBytes int64

	CreatedAt       time.Time
	LastUsedAt      *time.Time
	LastHeartbeatAt *time.Time
	UpdatedAt       time.Time
}

// LogKind is the kind of a Task Log event.
type LogKind string

const (
	LogProgress  LogKind = "progress"
	LogStatus    LogKind = "status"
	LogHeartbeat LogKind = "heartbeat"
	LogError     LogKind = "error"
	LogMessage   LogKind = "message"
	LogSystem    LogKind = "system"
)

// LogLevel is the severity of a Task Log event.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// TaskLog is an append-only event attached to a task.
type TaskLog struct {
	ID         int64
	TaskID     string
	InstanceID string // optional
	Kind       LogKind
	Level      LogLevel
	Message    string
	Progress   *int
	StatusText string
	Timestamp  time.Time
	Metadata   map[string]string
}

// ResultStatus is the terminal outcome recorded in a Task Result.
type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultError     ResultStatus = "error"
	ResultTimeout   ResultStatus = "timeout"
	ResultCancelled ResultStatus = "cancelled"
)

// TaskResult is the exactly-one-per-terminal-task outcome row.
type TaskResult struct {
	TaskID      string
	Status      ResultStatus
	Output      string
	ErrorText   string
	ExecutionMs int64
	Timestamp   time.Time
	Metadata    map[string]string
}

// TelemetryType is the kind of an Instance Telemetry sample.
type TelemetryType string

const (
	TelemetryHeartbeat   TelemetryType = "heartbeat"
	TelemetryTimeout     TelemetryType = "timeout"
	TelemetryPerformance TelemetryType = "performance"
	TelemetryResource    TelemetryType = "resource"
	TelemetryError       TelemetryType = "error"
)

// InstanceTelemetry is an append-only sample attached to an instance.
type InstanceTelemetry struct {
	ID         int64
	InstanceID string
	Type       TelemetryType
	Timestamp  time.Time
	Value      float64
	Metadata   map[string]string
}

// MetricType is the kind of a bucketed time-series aggregate.
type MetricType string

const (
	MetricTaskDuration MetricType = "task_duration"
	MetricTaskCount    MetricType = "task_count"
	MetricTimeoutCount MetricType = "timeout_count"
	MetricErrorCount   MetricType = "error_count"
	MetricCPUUsage     MetricType = "cpu_usage"
	MetricMemoryUsage  MetricType = "memory_usage"
)

// Resolution is the bucket width of a TimeSeriesMetric.
type Resolution string

const (
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDay    Resolution = "day"
	ResolutionMonth  Resolution = "month"
)

// Floor truncates t to the start of its bucket at this resolution (UTC).
func (r Resolution) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch r {
	case ResolutionMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case ResolutionHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case ResolutionDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case ResolutionMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// TimeSeriesMetric is a bucketed aggregate row.
type TimeSeriesMetric struct {
	ID         int64
	Type       MetricType
	Timestamp  time.Time
	Resolution Resolution
	Value      float64
	Count      int64
	Min        float64
	Max        float64
	Avg        float64
	Sum        float64
	Metadata   map[string]string
}
