// Package supervisor spawns and supervises the external assistant CLI child
// process for one task at a time per instance. It owns the
// instance pool, the heartbeat/timeout timers, and the exit-code-to-Task-
// Result mapping; it never decides which task to run next. That is the
// Scheduler's job.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/logging"
	"github.com/taskmesh/taskmeshd/internal/repo"
	"github.com/taskmesh/taskmeshd/internal/telemetry"
)

// PoolConfig configures the Supervisor: the assistant command to spawn, the
// heartbeat cadence, the default per-task deadline, spawn-retry policy, and
// the instance pool bound.
type PoolConfig struct {
	Command           string
	Args              []string
	HeartbeatInterval time.Duration
	DefaultTimeout    time.Duration
	Retry             errkind.RetryConfig
	PoolSize          int
}

// Supervisor spawns assistant CLI children and maps their outcome onto
// domain.TaskResult, bounded to PoolSize concurrently-bound instances.
type Supervisor struct {
	repos   *repo.Repositories
	cfg     PoolConfig
	logger  logging.Logger
	sem     chan struct{}
	metrics *telemetry.Metrics
}

// New builds a Supervisor with its instance pool sized to cfg.PoolSize.
// metrics may be nil; every observation is a no-op in that case.
func New(repos *repo.Repositories, cfg PoolConfig, logger logging.Logger, metrics *telemetry.Metrics) *Supervisor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	return &Supervisor{
		repos:   repos,
		cfg:     cfg,
		logger:  logging.OrNop(logger).With("Supervisor"),
		sem:     make(chan struct{}, cfg.PoolSize),
		metrics: metrics,
	}
}

// acquireSlot bounds concurrently-running children at cfg.PoolSize, serving
// waiters FIFO, and fails with errkind.AcquireTimeout once ctx is done. A
// context that is already dead on entry surfaces its own error instead, so
// a cancelled run is never mislabeled as pool exhaustion.
func (s *Supervisor) acquireSlot(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.sem <- struct{}{}:
		if s.metrics != nil {
			s.metrics.SetActiveInstances(len(s.sem))
		}
		return func() {
			<-s.sem
			if s.metrics != nil {
				s.metrics.SetActiveInstances(len(s.sem))
			}
		}, nil
	case <-ctx.Done():
		return nil, errkind.New(errkind.AcquireTimeout, "timed out waiting for a free instance")
	}
}

// acquireInstance reuses an idle instance if one exists, otherwise creates a
// fresh one.
func (s *Supervisor) acquireInstance(ctx context.Context, task domain.Task) (domain.Instance, error) {
	idle, err := s.repos.Instances.Idle(ctx)
	if err != nil {
		return domain.Instance{}, err
	}
	if len(idle) > 0 {
		inst := idle[0]
		status := domain.InstanceRunning
		if err := s.repos.Instances.Update(ctx, inst.ID, repo.InstancePatch{
			Status: &status,
			TaskID: &task.ID,
		}); err != nil {
			return domain.Instance{}, err
		}
		inst.Status = status
		inst.TaskID = task.ID
		return inst, nil
	}

	now := time.Now().UTC()
	inst := domain.Instance{
		ID:         uuid.NewString(),
		Status:     domain.InstanceRunning,
		TaskID:     task.ID,
		WorkingDir: task.WorkingDir,
		MaxTasks:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repos.Instances.Create(ctx, inst); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// releaseInstance returns an instance to the idle pool and folds this run's
// outcome into its rolling metrics. The release must land even when the run
// was cancelled, so persistence runs detached from ctx's cancellation.
func (s *Supervisor) releaseInstance(ctx context.Context, inst domain.Instance, outcome domain.ResultStatus, elapsedMs int64) {
	ctx = context.WithoutCancel(ctx)
	m := inst.Metrics
	m.Total++
	switch outcome {
	case domain.ResultSuccess:
		m.Successful++
	case domain.ResultError:
		m.Failed++
	case domain.ResultTimeout:
		m.Timeout++
	case domain.ResultCancelled:
		m.Cancelled++
	}
	m.LastTaskMs = elapsedMs
	m.CumulativeMs += elapsedMs
	if m.Total > 0 {
		m.AverageTaskMs = float64(m.CumulativeMs) / float64(m.Total)
	}

	idle := domain.InstanceIdle
	emptyTask := ""
	now := time.Now().UTC()
	if err := s.repos.Instances.Update(ctx, inst.ID, repo.InstancePatch{
		Status:     &idle,
		TaskID:     &emptyTask,
		Metrics:    &m,
		LastUsedAt: ptrTime(&now),
	}); err != nil {
		s.logger.Warn("failed to release instance %s: %v", inst.ID, err)
	}
}

// Run executes one task to completion: binds an instance, spawns the
// assistant CLI, streams heartbeats, enforces the deadline, and returns the
// resulting domain.TaskResult. It retries spawn failures (the child never
// started) up to cfg.Retry.MaxAttempts with linear backoff, and never
// retries once the child has started. A run aborted by context cancellation
// reports cancelled, never failed, no matter how far startup had
// progressed.
func (s *Supervisor) Run(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	result, err := s.run(ctx, task)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		result.TaskID = task.ID
		result.Status = domain.ResultCancelled
		if result.ErrorText == "" {
			result.ErrorText = err.Error()
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = time.Now().UTC()
		}
	}
	return result, err
}

func (s *Supervisor) run(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	release, err := s.acquireSlot(ctx)
	if err != nil {
		return domain.TaskResult{}, err
	}
	defer release()

	inst, err := s.acquireInstance(ctx, task)
	if err != nil {
		return domain.TaskResult{}, err
	}

	running := domain.StatusRunning
	now := time.Now().UTC()
	if err := s.repos.Tasks.Update(ctx, task.ID, repo.TaskPatch{
		Status:     &running,
		InstanceID: &inst.ID,
		StartedAt:  ptrTime(&now),
	}); err != nil {
		return domain.TaskResult{}, err
	}
	s.logAppend(ctx, task.ID, inst.ID, domain.LogStatus, domain.LevelInfo, "task started", nil)

	timeout := s.cfg.DefaultTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}

	var result domain.TaskResult
	start := time.Now()

	runErr := errkind.Retry(ctx, s.cfg.Retry, s.logger, func(ctx context.Context, attempt int) error {
		var spawnErr error
		result, spawnErr = s.runOnce(ctx, task, inst, timeout)
		return spawnErr
	})

	elapsed := time.Since(start).Milliseconds()
	if runErr != nil {
		status := domain.ResultError
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			status = domain.ResultCancelled
		}
		result = domain.TaskResult{
			TaskID:      task.ID,
			Status:      status,
			ErrorText:   runErr.Error(),
			ExecutionMs: elapsed,
			Timestamp:   time.Now().UTC(),
		}
	}
	result.ExecutionMs = elapsed
	result.TaskID = task.ID

	s.releaseInstance(ctx, inst, result.Status, elapsed)
	if s.metrics != nil {
		s.metrics.ObserveResult(result.Status, float64(elapsed)/1000)
	}
	return result, runErr
}

// runOnce spawns exactly one attempt. It returns a *errkind.Error of kind
// SpawnFailed when the process could not be started or the prompt could not
// be written to its stdin, and ctx's own error when ctx is done at either of
// those steps. Once the prompt is delivered, every outcome (including a
// non-zero exit, timeout, or cancellation) is reported through the returned
// TaskResult with a nil error, so it is not retried.
func (s *Supervisor) runOnce(ctx context.Context, task domain.Task, inst domain.Instance, timeout time.Duration) (domain.TaskResult, error) {
	workDir := task.WorkingDir
	if workDir == "" {
		workDir = inst.WorkingDir
	}
	proc, err := Start(ctx, Config{
		Command:    s.cfg.Command,
		Args:       s.cfg.Args,
		WorkingDir: workDir,
	})
	if err != nil {
		// A dead context makes exec report the context error itself; that
		// is a cancellation, not a spawn failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.TaskResult{}, ctxErr
		}
		return domain.TaskResult{}, errkind.Wrap(errkind.SpawnFailed, err, "failed to start assistant process")
	}
	if err := proc.WriteAndClose(task.Prompt); err != nil {
		proc.Stop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.TaskResult{}, ctxErr
		}
		return domain.TaskResult{}, errkind.Wrap(errkind.SpawnFailed, err, "failed to deliver prompt to assistant stdin")
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-proc.Done():
			return s.finish(ctx, task, inst, proc), nil

		case <-heartbeat.C:
			s.heartbeat(ctx, task.ID, inst.ID)

		case <-deadline.C:
			proc.Stop()
			<-proc.Done()
			s.logAppend(ctx, task.ID, inst.ID, domain.LogError, domain.LevelError, "task exceeded its deadline", nil)
			return domain.TaskResult{
				Status:    domain.ResultTimeout,
				ErrorText: fmt.Sprintf("task exceeded timeout of %v", timeout),
				Timestamp: time.Now().UTC(),
			}, nil

		case <-ctx.Done():
			proc.Stop()
			<-proc.Done()
			s.logAppend(ctx, task.ID, inst.ID, domain.LogStatus, domain.LevelWarn, "task cancelled", nil)
			return domain.TaskResult{
				Status:    domain.ResultCancelled,
				ErrorText: ctx.Err().Error(),
				Timestamp: time.Now().UTC(),
			}, nil
		}
	}
}

func (s *Supervisor) finish(ctx context.Context, task domain.Task, inst domain.Instance, proc *Process) domain.TaskResult {
	code := proc.ExitCode()
	if code == 0 {
		s.logAppend(ctx, task.ID, inst.ID, domain.LogStatus, domain.LevelInfo, "task completed", nil)
		return domain.TaskResult{
			Status:    domain.ResultSuccess,
			Output:    proc.Stdout(),
			Timestamp: time.Now().UTC(),
		}
	}
	msg := fmt.Sprintf("assistant exited with code %d", code)
	s.logAppend(ctx, task.ID, inst.ID, domain.LogError, domain.LevelError, msg, nil)
	return domain.TaskResult{
		Status:    domain.ResultError,
		Output:    proc.Stdout(),
		ErrorText: firstNonEmpty(proc.StderrTail(), msg),
		Timestamp: time.Now().UTC(),
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, taskID, instanceID string) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	s.logAppend(ctx, taskID, instanceID, domain.LogHeartbeat, domain.LevelDebug, "heartbeat", nil)
	if err := s.repos.Instances.Update(ctx, instanceID, repo.InstancePatch{
		LastHeartbeatAt: ptrTime(&now),
	}); err != nil {
		s.logger.Warn("heartbeat update failed for instance %s: %v", instanceID, err)
	}
	if err := s.repos.Telemetry.Record(ctx, domain.InstanceTelemetry{
		InstanceID: instanceID,
		Type:       domain.TelemetryHeartbeat,
		Timestamp:  now,
		Value:      1,
	}); err != nil {
		s.logger.Warn("telemetry record failed for instance %s: %v", instanceID, err)
	}
}

func (s *Supervisor) logAppend(ctx context.Context, taskID, instanceID string, kind domain.LogKind, level domain.LogLevel, message string, progress *int) {
	if _, err := s.repos.Logs.Append(context.WithoutCancel(ctx), domain.TaskLog{
		TaskID:     taskID,
		InstanceID: instanceID,
		Kind:       kind,
		Level:      level,
		Message:    message,
		Progress:   progress,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to append task log for %s: %v", taskID, err)
	}
}

func ptrTime(t *time.Time) **time.Time { return &t }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
