package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/repo"
	"github.com/taskmesh/taskmeshd/internal/store"
)

func newTestSupervisor(t *testing.T, cfg PoolConfig) (*Supervisor, *repo.Repositories) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	s, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "taskmesh.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	repos := repo.New(s)
	return New(repos, cfg, nil, nil), repos
}

func baseTask(id string) domain.Task {
	now := time.Now().UTC()
	return domain.Task{ID: id, Status: domain.StatusPending, Name: id, CreatedAt: now, UpdatedAt: now}
}

func TestSupervisorRunSucceeds(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{Command: "cat", PoolSize: 1})
	ctx := context.Background()

	task := baseTask("t1")
	task.Prompt = "do the thing"
	require.NoError(t, repos.Tasks.Create(ctx, task))

	result, err := sup.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, "do the thing", result.Output)

	idle, err := repos.Instances.Idle(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, 1, idle[0].Metrics.Total)
	assert.Equal(t, 1, idle[0].Metrics.Successful)
}

func TestSupervisorRunReportsNonZeroExit(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{Command: "sh", Args: []string{"-c", "exit 1"}, PoolSize: 1})
	ctx := context.Background()

	task := baseTask("t2")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	result, err := sup.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, result.Status)
}

func TestSupervisorRunTimesOut(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{Command: "sleep", Args: []string{"5"}, PoolSize: 1, DefaultTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	task := baseTask("t3")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	result, err := sup.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultTimeout, result.Status)

	idle, err := repos.Instances.Idle(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, 1, idle[0].Metrics.Timeout)
}

func TestSupervisorEmitsHeartbeatsDuringRun(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{
		Command: "sleep", Args: []string{"0.2"}, PoolSize: 1,
		HeartbeatInterval: 30 * time.Millisecond,
	})
	ctx := context.Background()

	task := baseTask("t6")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	result, err := sup.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	logs, err := repos.Logs.ByTask(ctx, "t6", nil, nil)
	require.NoError(t, err)
	heartbeats := 0
	for _, l := range logs {
		if l.Kind == domain.LogHeartbeat {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 1, "at least one heartbeat must fire during a 200ms run at a 30ms cadence")

	idle, err := repos.Instances.Idle(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	samples, err := repos.Telemetry.Since(ctx, idle[0].ID, domain.TelemetryHeartbeat, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
}

func TestSupervisorRunCancelledByContext(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{Command: "sleep", Args: []string{"5"}, PoolSize: 1})
	ctx, cancel := context.WithCancel(context.Background())

	task := baseTask("t4")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := sup.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCancelled, result.Status)
}

func TestSupervisorRunCancelledBeforeStartIsCancelledNotFailed(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{Command: "cat", PoolSize: 1})

	task := baseTask("t7")
	require.NoError(t, repos.Tasks.Create(context.Background(), task))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sup.Run(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.ResultCancelled, result.Status, "cancel during startup must never report a failure")
}

func TestSupervisorRunRetriesOnSpawnFailure(t *testing.T) {
	sup, repos := newTestSupervisor(t, PoolConfig{
		Command:  "no-such-assistant-binary-xyz",
		PoolSize: 1,
		Retry:    errkind.RetryConfig{MaxAttempts: 2, DelayMs: 1},
	})
	ctx := context.Background()

	task := baseTask("t5")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	result, err := sup.Run(ctx, task)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.SpawnFailed))
	assert.Equal(t, domain.ResultError, result.Status)
}

func TestAcquireSlotBoundsConcurrency(t *testing.T) {
	sup, _ := newTestSupervisor(t, PoolConfig{Command: "cat", PoolSize: 1})

	release, err := sup.acquireSlot(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sup.acquireSlot(ctx)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.AcquireTimeout))
}
