package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/graph"
	"github.com/taskmesh/taskmeshd/internal/repo"
	"github.com/taskmesh/taskmeshd/internal/store"
)

func newTestScheduler(t *testing.T, runner Runner) *Scheduler {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "taskmesh.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(repo.New(s), runner, nil)
}

// fakeRunner resolves each task by name against a caller-supplied outcome
// map, recording dispatch order and optionally blocking to let a test
// observe parallel overlap.
type fakeRunner struct {
	mu          sync.Mutex
	order       []string
	outcomes    map[string]domain.TaskResult
	errors      map[string]error
	delays      map[string]time.Duration
	inFlight    int32
	maxInFlight int32
	gate        chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	f.mu.Lock()
	f.order = append(f.order, task.Name)
	f.mu.Unlock()

	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		old := atomic.LoadInt32(&f.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxInFlight, old, cur) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if d, ok := f.delays[task.Name]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		}
	}

	if err, ok := f.errors[task.Name]; ok {
		return domain.TaskResult{}, err
	}
	if res, ok := f.outcomes[task.Name]; ok {
		return res, nil
	}
	return domain.TaskResult{Status: domain.ResultSuccess, Output: "ok"}, nil
}

const twoStepSequential = `# Task root-seq: Ship it

## Objective

Ship the change.

## Requirements

- n/a

### Task 1: First step

- Execution Mode: sequential
- Depends On: none
- Priority: medium

#### Implementation Steps

- do step one

### Task 2: Second step

- Execution Mode: sequential
- Depends On: 1
- Priority: medium

#### Implementation Steps

- do step two
`

func TestExecuteSequentialDispatchOrder(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)

	runner := &fakeRunner{}
	sched := newTestScheduler(t, runner)

	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, []string{"First step", "Second step"}, runner.order)
}

const twoParallelTasks = `# Task root-par: Fan out

## Objective

Do two independent things.

## Requirements

- n/a

### Task 1: Branch A

- Execution Mode: parallel
- Depends On: none
- Priority: medium

#### Implementation Steps

- work a

### Task 2: Branch B

- Execution Mode: parallel
- Depends On: none
- Priority: medium

#### Implementation Steps

- work b
`

func TestExecuteParallelDispatchOverlaps(t *testing.T) {
	doc, err := graph.Parse([]byte(twoParallelTasks))
	require.NoError(t, err)

	gate := make(chan struct{})
	runner := &fakeRunner{gate: gate}
	sched := newTestScheduler(t, runner)

	done := make(chan struct{})
	go func() {
		_, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
		assert.NoError(t, err)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	<-done

	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.maxInFlight))
}

func TestExecuteCascadesCancellationToDependents(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)

	runner := &fakeRunner{errors: map[string]error{"First step": assertErr("boom")}}
	sched := newTestScheduler(t, runner)

	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, result.Status)
	assert.Equal(t, []string{"First step"}, runner.order, "dependent must never dispatch once its dependency failed")

	rootID := doc.RootID
	dependent, err := sched.repos.Tasks.GetByID(context.Background(), rootID+"/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, dependent.Status)
}

func TestExecuteRejectsDependencyCycle(t *testing.T) {
	source := `# Task root-cycle: Bad graph

## Objective

Loop forever.

## Requirements

- n/a

### Task 1: A

- Execution Mode: sequential
- Depends On: 2
- Priority: medium

### Task 2: B

- Execution Mode: sequential
- Depends On: 1
- Priority: medium
`
	doc, err := graph.Parse([]byte(source))
	require.NoError(t, err)

	sched := newTestScheduler(t, &fakeRunner{})
	_, err = sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidGraph))
}

func TestExecuteFullReturnModeConcatenatesOutputs(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)

	runner := &fakeRunner{outcomes: map[string]domain.TaskResult{
		"First step":  {Status: domain.ResultSuccess, Output: "alpha"},
		"Second step": {Status: domain.ResultSuccess, Output: "beta"},
	}}
	sched := newTestScheduler(t, runner)

	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnFull)
	require.NoError(t, err)
	assert.Contains(t, result.Output, "alpha")
	assert.Contains(t, result.Output, "beta")
}

// newPersistedPair writes a root task plus two sub-tasks (second depends on
// first) directly through the repositories, bypassing Execute, so Resume
// tests can control each row's starting status precisely.
func newPersistedPair(t *testing.T, sched *Scheduler, firstStatus, secondStatus domain.Status) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	rootID := "resume-root"

	require.NoError(t, sched.repos.Tasks.Create(ctx, domain.Task{
		ID: rootID, Status: domain.StatusRunning, ExecutionMode: domain.ModeSequential,
		Name: "Root", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, sched.repos.Tasks.Create(ctx, domain.Task{
		ID: rootID + "/1", ParentID: rootID, Status: firstStatus,
		Name: "First step", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, sched.repos.Tasks.Create(ctx, domain.Task{
		ID: rootID + "/2", ParentID: rootID, Status: secondStatus,
		Name: "Second step", DependsOn: []string{rootID + "/1"}, CreatedAt: now, UpdatedAt: now,
	}))
	if firstStatus.IsTerminal() {
		require.NoError(t, sched.repos.Results.Upsert(ctx, domain.TaskResult{
			TaskID: rootID + "/1", Status: domain.ResultSuccess, Output: "first done",
		}))
	}
	return rootID
}

func TestResumeSkipsAlreadyCompletedSubTask(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string]domain.TaskResult{
		"Second step": {Status: domain.ResultSuccess, Output: "second done"},
	}}
	sched := newTestScheduler(t, runner)
	rootID := newPersistedPair(t, sched, domain.StatusCompleted, domain.StatusPending)

	result, err := sched.Resume(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, []string{"Second step"}, runner.order, "Resume must not re-dispatch the already-completed step")

	second, err := sched.repos.Tasks.GetByID(context.Background(), rootID+"/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, second.Status)
}

func TestResumeCascadesFromAlreadyFailedSubTask(t *testing.T) {
	runner := &fakeRunner{}
	sched := newTestScheduler(t, runner)
	rootID := newPersistedPair(t, sched, domain.StatusFailed, domain.StatusPending)

	result, err := sched.Resume(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, result.Status)
	assert.Empty(t, runner.order, "Resume must not dispatch a step whose dependency already failed")

	second, err := sched.repos.Tasks.GetByID(context.Background(), rootID+"/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, second.Status)
}

func TestExecuteSummaryReturnModeIncludesActualOutput(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)

	runner := &fakeRunner{outcomes: map[string]domain.TaskResult{
		"First step":  {Status: domain.ResultSuccess, Output: "the answer is 4"},
		"Second step": {Status: domain.ResultSuccess, Output: "shipped"},
	}}
	sched := newTestScheduler(t, runner)

	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)
	assert.Contains(t, result.Output, "2/2 sub-tasks completed")
	assert.Contains(t, result.Output, "the answer is 4", "summary must truncate, not discard, the actual output")
	assert.Contains(t, result.Output, "shipped")
}

func TestExecuteMapsRunnerContextCancellationToCancelled(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)

	runner := &fakeRunner{errors: map[string]error{"First step": context.Canceled}}
	sched := newTestScheduler(t, runner)

	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCancelled, result.Status, "a cancelled run must never reduce to a failure")

	first, err := sched.repos.Tasks.GetByID(context.Background(), doc.RootID+"/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, first.Status)
}

func TestExecuteRootTimeoutBehavesAsCancel(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)
	doc.TimeoutMs = 50

	runner := &fakeRunner{delays: map[string]time.Duration{"First step": 2 * time.Second}}
	sched := newTestScheduler(t, runner)

	start := time.Now()
	result, err := sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "the root deadline must cut the run short")
	assert.Equal(t, domain.ResultCancelled, result.Status)

	first, err := sched.repos.Tasks.GetByID(context.Background(), doc.RootID+"/1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, first.Status)

	second, err := sched.repos.Tasks.GetByID(context.Background(), doc.RootID+"/2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, second.Status, "never-dispatched sub-tasks are cancelled when the root deadline fires")
}

func TestExecuteStampsDeadlinesFromTimeouts(t *testing.T) {
	doc, err := graph.Parse([]byte(twoStepSequential))
	require.NoError(t, err)
	doc.TimeoutMs = 60_000
	doc.SubTasks[0].TimeoutMs = 5_000

	sched := newTestScheduler(t, &fakeRunner{})
	_, err = sched.Execute(context.Background(), doc, "", domain.ReturnSummary)
	require.NoError(t, err)

	root, err := sched.repos.Tasks.GetByID(context.Background(), doc.RootID)
	require.NoError(t, err)
	require.NotNil(t, root.Deadline)
	require.NotNil(t, root.StartedAt)
	assert.WithinDuration(t, root.CreatedAt.Add(time.Minute), *root.Deadline, time.Second)

	first, err := sched.repos.Tasks.GetByID(context.Background(), doc.RootID+"/1")
	require.NoError(t, err)
	require.NotNil(t, first.Deadline)
	assert.WithinDuration(t, first.CreatedAt.Add(5*time.Second), *first.Deadline, time.Second)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
