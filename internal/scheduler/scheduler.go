// Package scheduler drives a parsed task graph to completion: it persists
// the graph, computes readiness from the dependency map, dispatches
// sequential sub-tasks one at a time in declaration order and parallel
// sub-tasks concurrently (bounded by the Supervisor's own pool cap), cascades
// cancellation to dependents of a failed node, and reduces the outcome into
// the root Task Result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/graph"
	"github.com/taskmesh/taskmeshd/internal/logging"
	"github.com/taskmesh/taskmeshd/internal/repo"
)

// Runner executes a single bound task; internal/supervisor.Supervisor
// implements this. Scheduler depends on the interface, not the concrete
// type, so tests can substitute a fake runner.
type Runner interface {
	Run(ctx context.Context, task domain.Task) (domain.TaskResult, error)
}

// Scheduler drives one graph run at a time to completion.
type Scheduler struct {
	repos  *repo.Repositories
	runner Runner
	logger logging.Logger
}

// New builds a Scheduler over repos and runner.
func New(repos *repo.Repositories, runner Runner, logger logging.Logger) *Scheduler {
	return &Scheduler{repos: repos, runner: runner, logger: logging.OrNop(logger).With("Scheduler")}
}

// node is the Scheduler's in-memory view of one sub-task during a run.
type node struct {
	task       domain.Task
	dependsOn  []string
	dependents []string
	remaining  int
	dispatched bool
}

// Execute persists doc's root and sub-tasks, drives them to completion, and
// returns the root's Task Result. workingDir applies to the root and every
// sub-task; returnMode applies to the root only, and every sub-task is
// stored with the summary return mode.
func (s *Scheduler) Execute(ctx context.Context, doc *graph.Document, workingDir string, returnMode domain.ReturnMode) (domain.TaskResult, error) {
	ids := make([]string, 0, len(doc.SubTasks))
	dependsOn := make(map[string][]string, len(doc.SubTasks))
	for i, st := range doc.SubTasks {
		ids = append(ids, st.ID)
		deps := append([]string(nil), st.DependsOn...)
		if doc.RootMode == domain.ModeSequential && st.ExecutionMode != domain.ModeParallel && i > 0 {
			// Sequential root mode: a failure stops dispatch of later
			// declaration-order sequential siblings, expressed as an implicit
			// edge to the previous sibling. Parallel-mode sub-tasks get no
			// implicit edge and run alongside their ready siblings.
			prev := doc.SubTasks[i-1].ID
			if !contains(deps, prev) {
				deps = append(deps, prev)
			}
		}
		dependsOn[st.ID] = deps
	}
	if err := topologicalCheck(ids, dependsOn); err != nil {
		return domain.TaskResult{}, err
	}

	rootID := doc.RootID
	if rootID == "" {
		rootID = uuid.NewString()
	}
	now := time.Now().UTC()
	root := domain.Task{
		ID:            rootID,
		Status:        domain.StatusPending,
		Priority:      domain.PriorityMedium,
		ExecutionMode: doc.RootMode,
		Name:          doc.RootName,
		Description:   doc.Objective,
		WorkingDir:    workingDir,
		ReturnMode:    returnMode,
		Metadata:      map[string]string{"requirements": strings.Join(doc.Requirements, "\n")},
		CreatedAt:     now,
		UpdatedAt:     now,
		TimeoutMs:     doc.TimeoutMs,
	}
	if root.TimeoutMs > 0 {
		dl := now.Add(time.Duration(root.TimeoutMs) * time.Millisecond)
		root.Deadline = &dl
	}
	if err := s.repos.Tasks.Create(ctx, root); err != nil {
		return domain.TaskResult{}, fmt.Errorf("persist root task: %w", err)
	}

	nodes := make(map[string]*node, len(doc.SubTasks))
	for _, st := range doc.SubTasks {
		t := domain.Task{
			ID:            uniqueChildID(rootID, st.ID),
			ParentID:      rootID,
			Status:        domain.StatusPending,
			Priority:      st.Priority,
			ExecutionMode: st.ExecutionMode,
			Name:          st.Name,
			Description:   st.Description,
			Prompt:        st.Prompt,
			WorkingDir:    workingDir,
			ReturnMode:    domain.ReturnSummary,
			Metadata:      st.Metadata,
			TimeoutMs:     st.TimeoutMs,
			DependsOn:     remapDeps(rootID, dependsOn[st.ID]),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if st.TimeoutMs > 0 {
			dl := now.Add(time.Duration(st.TimeoutMs) * time.Millisecond)
			t.Deadline = &dl
		}
		if err := s.repos.Tasks.Create(ctx, t); err != nil {
			return domain.TaskResult{}, fmt.Errorf("persist sub-task %s: %w", st.ID, err)
		}
		nodes[t.ID] = &node{task: t, dependsOn: t.DependsOn, remaining: len(t.DependsOn)}
	}
	for id, n := range nodes {
		for _, dep := range n.dependsOn {
			nodes[dep].dependents = append(nodes[dep].dependents, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for _, st := range doc.SubTasks {
		order = append(order, uniqueChildID(rootID, st.ID))
	}

	deadline, err := s.startRoot(ctx, &root)
	if err != nil {
		return domain.TaskResult{}, err
	}
	driveCtx := ctx
	if deadline != nil {
		var cancelDrive context.CancelFunc
		driveCtx, cancelDrive = context.WithDeadline(ctx, *deadline)
		defer cancelDrive()
	}
	if err := s.drive(driveCtx, nodes, order); err != nil {
		return domain.TaskResult{}, err
	}

	return s.finishRoot(ctx, root, order, nodes)
}

// startRoot transitions the root to running, stamping startedAt and, when a
// root-level timeout is configured, the deadline that caps the whole run.
// An already-terminal root (a Resume of a finished graph) is left alone.
func (s *Scheduler) startRoot(ctx context.Context, root *domain.Task) (*time.Time, error) {
	now := time.Now().UTC()
	if root.StartedAt == nil {
		root.StartedAt = &now
	}
	var deadline *time.Time
	if root.TimeoutMs > 0 {
		if root.Deadline != nil {
			deadline = root.Deadline
		} else {
			dl := root.StartedAt.Add(time.Duration(root.TimeoutMs) * time.Millisecond)
			deadline = &dl
		}
	}
	if root.Status.IsTerminal() {
		return deadline, nil
	}

	running := domain.StatusRunning
	patch := repo.TaskPatch{
		Status:    &running,
		StartedAt: ptrTime(root.StartedAt),
	}
	if deadline != nil {
		patch.Deadline = ptrTime(deadline)
	}
	if err := s.repos.Tasks.Update(ctx, root.ID, patch); err != nil {
		return nil, fmt.Errorf("start root task %s: %w", root.ID, err)
	}
	root.Status = running
	return deadline, nil
}

// Resume re-drives an already-persisted root task's sub-task graph to
// completion: it reconstructs the in-memory node map from the rows TaskRepo
// already holds instead of re-creating them, folds already-terminal
// sub-tasks into the readiness computation exactly as a fresh run would have
// as they completed, then drives whatever is still pending the same way
// Execute does.
func (s *Scheduler) Resume(ctx context.Context, rootID string) (domain.TaskResult, error) {
	root, err := s.repos.Tasks.GetByID(ctx, rootID)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("load root task %s: %w", rootID, err)
	}

	children, err := s.repos.Tasks.ByParent(ctx, rootID)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("load sub-tasks of %s: %w", rootID, err)
	}

	nodes := make(map[string]*node, len(children))
	order := make([]string, 0, len(children))
	for _, t := range children {
		nodes[t.ID] = &node{task: t, dependsOn: t.DependsOn, remaining: len(t.DependsOn)}
		order = append(order, t.ID)
	}
	for _, n := range nodes {
		for _, dep := range n.dependsOn {
			if depNode, ok := nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, n.task.ID)
			}
		}
	}

	for _, id := range order {
		n := nodes[id]
		switch {
		case n.task.Status == domain.StatusCompleted:
			n.dispatched = true
			for _, depID := range n.dependents {
				nodes[depID].remaining--
			}
		case n.task.Status.IsTerminal():
			// Already failed/timeout/cancelled from a prior run: re-cascade
			// so any dependent left pending (e.g. the process died before
			// the original cascade finished) still gets cancelled.
			n.dispatched = true
			s.cascadeCancel(ctx, nodes, n, n.task.ID)
		}
	}

	deadline, err := s.startRoot(ctx, &root)
	if err != nil {
		return domain.TaskResult{}, err
	}
	driveCtx := ctx
	if deadline != nil {
		var cancelDrive context.CancelFunc
		driveCtx, cancelDrive = context.WithDeadline(ctx, *deadline)
		defer cancelDrive()
	}
	if err := s.drive(driveCtx, nodes, order); err != nil {
		return domain.TaskResult{}, err
	}
	return s.finishRoot(ctx, root, order, nodes)
}

// drive runs the readiness loop until every node is terminal. Graph
// bookkeeping (dependent counts, cascades) happens only on this goroutine:
// runNode touches nothing but its own node, so a parallel wave needs no
// locking, and every settle is applied after the wave's errgroup barrier.
func (s *Scheduler) drive(ctx context.Context, nodes map[string]*node, order []string) error {
	for {
		if ctx.Err() != nil {
			// The run was cancelled or its root deadline fired: whatever has
			// not been dispatched yet never will be.
			s.cancelPending(context.WithoutCancel(ctx), nodes, order)
			return nil
		}
		ready := s.readySet(nodes, order)
		if len(ready) == 0 {
			// Every remaining node is already terminal, or blocked on a
			// dependency the cascade already resolved to cancelled/failed.
			return nil
		}

		var sequential, parallel []*node
		for _, n := range ready {
			n.dispatched = true
			if n.task.ExecutionMode == domain.ModeSequential {
				sequential = append(sequential, n)
			} else {
				parallel = append(parallel, n)
			}
		}

		for _, n := range sequential {
			s.runNode(ctx, n)
			s.settle(context.WithoutCancel(ctx), nodes, n)
		}

		if len(parallel) > 0 {
			var g errgroup.Group
			for _, n := range parallel {
				n := n
				g.Go(func() error {
					s.runNode(ctx, n)
					return nil
				})
			}
			_ = g.Wait()
			for _, n := range parallel {
				s.settle(context.WithoutCancel(ctx), nodes, n)
			}
		}
	}
}

func (s *Scheduler) readySet(nodes map[string]*node, order []string) []*node {
	var ready []*node
	for _, id := range order {
		n := nodes[id]
		if !n.dispatched && n.task.Status == domain.StatusPending && n.remaining == 0 {
			ready = append(ready, n)
		}
	}
	return ready
}

// runNode marks one sub-task running, runs it, and persists its terminal
// status and result. It mutates only n itself; dependent bookkeeping is
// settle's job.
func (s *Scheduler) runNode(ctx context.Context, n *node) {
	pctx := context.WithoutCancel(ctx)
	running := domain.StatusRunning
	if updateErr := s.repos.Tasks.Update(pctx, n.task.ID, repo.TaskPatch{Status: &running}); updateErr != nil {
		s.logger.Warn("failed to mark %s running: %v", n.task.ID, updateErr)
	}
	result, err := s.runner.Run(ctx, n.task)
	var finalStatus domain.Status
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// The run's context died (external cancel or root deadline): the
		// sub-task was cancelled, it did not fail.
		finalStatus = domain.StatusCancelled
		result.Status = domain.ResultCancelled
		result.ErrorText = err.Error()
	case err != nil:
		finalStatus = domain.StatusFailed
		result.Status = domain.ResultError
		result.ErrorText = err.Error()
	case result.Status == domain.ResultSuccess:
		finalStatus = domain.StatusCompleted
	case result.Status == domain.ResultTimeout:
		finalStatus = domain.StatusTimeout
	case result.Status == domain.ResultCancelled:
		finalStatus = domain.StatusCancelled
	default:
		finalStatus = domain.StatusFailed
	}

	completedAt := time.Now().UTC()
	patch := repo.TaskPatch{
		Status:      &finalStatus,
		CompletedAt: ptrTime(&completedAt),
	}
	if finalStatus == domain.StatusCompleted {
		progress := 100
		patch.Progress = &progress
	}
	if finalStatus == domain.StatusTimeout {
		handled := true
		patch.TimeoutHandled = &handled
	}
	if updateErr := s.repos.Tasks.Update(pctx, n.task.ID, patch); updateErr != nil {
		s.logger.Warn("failed to persist terminal status for %s: %v", n.task.ID, updateErr)
	}
	result.TaskID = n.task.ID
	if resErr := s.repos.Results.Upsert(pctx, result); resErr != nil {
		s.logger.Warn("failed to persist result for %s: %v", n.task.ID, resErr)
	}
	n.task.Status = finalStatus
}

// cancelPending transitions every not-yet-dispatched pending node to
// cancelled, the same terminal bookkeeping cascadeCancel applies to
// dependents of a failed node.
func (s *Scheduler) cancelPending(ctx context.Context, nodes map[string]*node, order []string) {
	for _, id := range order {
		n := nodes[id]
		if n.dispatched || n.task.Status != domain.StatusPending {
			continue
		}
		n.dispatched = true
		n.task.Status = domain.StatusCancelled
		cancelled := domain.StatusCancelled
		completedAt := time.Now().UTC()
		if err := s.repos.Tasks.Update(ctx, n.task.ID, repo.TaskPatch{
			Status:      &cancelled,
			CompletedAt: ptrTime(&completedAt),
		}); err != nil {
			s.logger.Warn("failed to cancel pending %s: %v", n.task.ID, err)
		}
		msg := "cancelled before dispatch: run cancelled or root deadline reached"
		if _, err := s.repos.Logs.Append(ctx, domain.TaskLog{
			TaskID:    n.task.ID,
			Kind:      domain.LogStatus,
			Level:     domain.LevelWarn,
			Message:   msg,
			Timestamp: completedAt,
		}); err != nil {
			s.logger.Warn("failed to log pending cancel for %s: %v", n.task.ID, err)
		}
		if err := s.repos.Results.Upsert(ctx, domain.TaskResult{
			TaskID:    n.task.ID,
			Status:    domain.ResultCancelled,
			ErrorText: msg,
			Timestamp: completedAt,
		}); err != nil {
			s.logger.Warn("failed to persist cancelled result for %s: %v", n.task.ID, err)
		}
	}
}

// settle applies a finished node's effect on the rest of the graph: success
// satisfies its dependents, anything else cascades cancellation to them.
func (s *Scheduler) settle(ctx context.Context, nodes map[string]*node, n *node) {
	if n.task.Status == domain.StatusCompleted {
		for _, depID := range n.dependents {
			nodes[depID].remaining--
		}
		return
	}
	s.cascadeCancel(ctx, nodes, n, n.task.ID)
}

// cascadeCancel transitions every pending transitive dependent of a
// failed/timeout/cancelled node to cancelled, with a log entry naming the
// unsatisfied dependency.
func (s *Scheduler) cascadeCancel(ctx context.Context, nodes map[string]*node, failed *node, causeID string) {
	for _, depID := range failed.dependents {
		dep := nodes[depID]
		if dep.task.Status != domain.StatusPending {
			continue
		}
		dep.dispatched = true
		dep.task.Status = domain.StatusCancelled
		cancelled := domain.StatusCancelled
		completedAt := time.Now().UTC()
		if err := s.repos.Tasks.Update(ctx, dep.task.ID, repo.TaskPatch{
			Status:      &cancelled,
			CompletedAt: ptrTime(&completedAt),
		}); err != nil {
			s.logger.Warn("failed to cancel dependent %s: %v", dep.task.ID, err)
		}
		if _, err := s.repos.Logs.Append(ctx, domain.TaskLog{
			TaskID:    dep.task.ID,
			Kind:      domain.LogStatus,
			Level:     domain.LevelWarn,
			Message:   fmt.Sprintf("cancelled: upstream dependency %s did not complete successfully", causeID),
			Timestamp: completedAt,
		}); err != nil {
			s.logger.Warn("failed to log cascade cancel for %s: %v", dep.task.ID, err)
		}
		if err := s.repos.Results.Upsert(ctx, domain.TaskResult{
			TaskID:    dep.task.ID,
			Status:    domain.ResultCancelled,
			ErrorText: fmt.Sprintf("cancelled: upstream dependency %s did not complete successfully", causeID),
			Timestamp: completedAt,
		}); err != nil {
			s.logger.Warn("failed to persist cancelled result for %s: %v", dep.task.ID, err)
		}
		s.cascadeCancel(ctx, nodes, dep, causeID)
	}
}

// finishRoot reduces every sub-task's terminal status into the root's status
// and Task Result: completed only if every sub-task completed; otherwise
// failed if any sub-task failed, else timeout if any timed out, else
// cancelled if any was cancelled.
func (s *Scheduler) finishRoot(ctx context.Context, root domain.Task, order []string, nodes map[string]*node) (domain.TaskResult, error) {
	var anyTimeout, anyFailed, anyCancelled, allCompleted bool
	allCompleted = true
	for _, id := range order {
		switch nodes[id].task.Status {
		case domain.StatusTimeout:
			anyTimeout = true
			allCompleted = false
		case domain.StatusFailed:
			anyFailed = true
			allCompleted = false
		case domain.StatusCancelled:
			anyCancelled = true
			allCompleted = false
		case domain.StatusCompleted:
		default:
			allCompleted = false
		}
	}

	var rootStatus domain.Status
	var resultStatus domain.ResultStatus
	switch {
	case allCompleted:
		rootStatus, resultStatus = domain.StatusCompleted, domain.ResultSuccess
	case anyFailed:
		rootStatus, resultStatus = domain.StatusFailed, domain.ResultError
	case anyTimeout:
		rootStatus, resultStatus = domain.StatusTimeout, domain.ResultTimeout
	case anyCancelled:
		rootStatus, resultStatus = domain.StatusCancelled, domain.ResultCancelled
	default:
		rootStatus, resultStatus = domain.StatusCompleted, domain.ResultSuccess
	}

	completedAt := time.Now().UTC()
	patch := repo.TaskPatch{
		Status:      &rootStatus,
		CompletedAt: ptrTime(&completedAt),
	}
	if rootStatus == domain.StatusCompleted {
		progress := 100
		patch.Progress = &progress
	}
	if rootStatus == domain.StatusTimeout {
		handled := true
		patch.TimeoutHandled = &handled
	}
	if err := s.repos.Tasks.Update(ctx, root.ID, patch); err != nil {
		return domain.TaskResult{}, fmt.Errorf("finalize root task: %w", err)
	}

	output := s.reduceOutput(ctx, root, order, nodes)
	result := domain.TaskResult{
		TaskID:    root.ID,
		Status:    resultStatus,
		Output:    output,
		Timestamp: completedAt,
	}
	if root.StartedAt != nil {
		result.ExecutionMs = completedAt.Sub(*root.StartedAt).Milliseconds()
	}
	if resultStatus != domain.ResultSuccess {
		result.ErrorText = output
	}
	if err := s.repos.Results.Upsert(ctx, result); err != nil {
		return domain.TaskResult{}, fmt.Errorf("persist root result: %w", err)
	}
	return result, nil
}

// summaryOutputBound is the length summary mode truncates the root Task
// Result's output body to. Truncation, not discarding: a summary still
// carries as much of the sub-tasks' actual output as fits.
const summaryOutputBound = 4000

// reduceOutput builds the root Task Result body: a concatenation of every
// sub-task's output for full return mode, or the same concatenation
// truncated to summaryOutputBound and prefixed with a completion-count
// header for summary mode.
func (s *Scheduler) reduceOutput(ctx context.Context, root domain.Task, order []string, nodes map[string]*node) string {
	full := s.concatenateOutputs(ctx, order, nodes)
	if root.ReturnMode == domain.ReturnFull {
		return full
	}
	return s.summarize(order, nodes, full)
}

func (s *Scheduler) concatenateOutputs(ctx context.Context, order []string, nodes map[string]*node) string {
	var sb strings.Builder
	for _, id := range order {
		n := nodes[id]
		res, err := s.repos.Results.ForTask(ctx, id)
		fmt.Fprintf(&sb, "## %s [%s]\n", n.task.Name, n.task.Status)
		if err == nil {
			if res.Output != "" {
				sb.WriteString(res.Output)
			} else if res.ErrorText != "" {
				sb.WriteString(res.ErrorText)
			}
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func (s *Scheduler) summarize(order []string, nodes map[string]*node, full string) string {
	var completed, failed, timeout, cancelled []string
	for _, id := range order {
		n := nodes[id]
		switch n.task.Status {
		case domain.StatusCompleted:
			completed = append(completed, n.task.Name)
		case domain.StatusFailed:
			failed = append(failed, n.task.Name)
		case domain.StatusTimeout:
			timeout = append(timeout, n.task.Name)
		case domain.StatusCancelled:
			cancelled = append(cancelled, n.task.Name)
		}
	}
	header := fmt.Sprintf("%d/%d sub-tasks completed", len(completed), len(order))
	if len(failed) > 0 {
		header += fmt.Sprintf("; failed: %s", strings.Join(failed, ", "))
	}
	if len(timeout) > 0 {
		header += fmt.Sprintf("; timed out: %s", strings.Join(timeout, ", "))
	}
	if len(cancelled) > 0 {
		header += fmt.Sprintf("; cancelled: %s", strings.Join(cancelled, ", "))
	}

	body := full
	if len(body) > summaryOutputBound {
		body = body[:summaryOutputBound] + "\n... (truncated)"
	}
	if body == "" {
		return header
	}
	return header + "\n\n" + body
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func uniqueChildID(rootID, subID string) string {
	return rootID + "/" + subID
}

func remapDeps(rootID string, deps []string) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = uniqueChildID(rootID, d)
	}
	return out
}

func ptrTime(t *time.Time) **time.Time { return &t }
