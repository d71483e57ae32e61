// Package transport implements the line-delimited JSON stdio protocol: one
// JSON object per line in, one JSON object per line out, request/response
// framing plus unsolicited event frames for streamed progress.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmeshd/internal/config"
	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/graph"
	"github.com/taskmesh/taskmeshd/internal/logging"
	"github.com/taskmesh/taskmeshd/internal/repo"
	"github.com/taskmesh/taskmeshd/internal/store"
)

// Request is one inbound tool call: {"id":..., "name":..., "arguments":{...}}.
type Request struct {
	ID        any             `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// WireError is the {code, message, data?} error shape on the wire.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is one outbound reply: {"id":..., "result":...} or
// {"id":..., "error":{...}}.
type Response struct {
	ID     any        `json:"id,omitempty"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// EventFrame is an unsolicited frame: {"event":"task_log", "payload":{...}}.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Scheduler is the subset of *scheduler.Scheduler the transport drives.
type Scheduler interface {
	Execute(ctx context.Context, doc *graph.Document, workingDir string, returnMode domain.ReturnMode) (domain.TaskResult, error)
	// Resume re-drives an already-persisted root task's sub-task graph to
	// completion, continuing from each sub-task's current status rather
	// than re-creating the graph.
	Resume(ctx context.Context, rootID string) (domain.TaskResult, error)
}

// Server implements the health/convert_task_markdown/claude_code tool
// surface over line-delimited JSON.
type Server struct {
	repos     *repo.Repositories
	store     *store.Store
	scheduler Scheduler
	logger    logging.Logger

	cfg       config.Config
	version   string
	startedAt time.Time

	writeMu sync.Mutex
	out     io.Writer
	enc     *json.Encoder
}

// New builds a Server. store is used only for health()'s pool stats. cfg and
// version back health()'s documented config/version/uptime fields; startedAt
// is recorded as of this call, which New's callers make once at startup.
func New(repos *repo.Repositories, st *store.Store, sched Scheduler, logger logging.Logger, cfg config.Config, version string) *Server {
	return &Server{
		repos:     repos,
		store:     st,
		scheduler: sched,
		logger:    logging.OrNop(logger).With("Transport"),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now().UTC(),
	}
}

// Serve reads one request per line from in and writes one response per line
// to out until in is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	s.enc = json.NewEncoder(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(Response{Error: &WireError{Code: "invalid-input", Message: "malformed request: " + err.Error()}})
			continue
		}
		s.dispatch(ctx, req)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req Request) {
	switch req.Name {
	case "health":
		s.writeResponse(Response{ID: req.ID, Result: s.health()})
	case "convert_task_markdown":
		result, err := s.convertTaskMarkdown(req.Arguments)
		s.reply(req.ID, result, err)
	case "claude_code":
		result, err := s.claudeCode(ctx, req.Arguments)
		s.reply(req.ID, result, err)
	default:
		s.writeResponse(Response{ID: req.ID, Error: &WireError{
			Code: "unknown-tool", Message: "unknown tool: " + req.Name,
		}})
	}
}

func (s *Server) reply(id any, result any, err error) {
	if err != nil {
		kind, ok := errkind.As(err)
		code := "internal"
		if ok {
			code = kind.Code()
		}
		s.writeResponse(Response{ID: id, Error: &WireError{Code: code, Message: err.Error()}})
		return
	}
	s.writeResponse(Response{ID: id, Result: result})
}

func (s *Server) writeResponse(resp Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Error("failed to write response: %v", err)
	}
}

func (s *Server) emitEvent(event string, payload any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.enc == nil {
		// No Serve stream is attached, so the event has nowhere to go.
		return
	}
	if err := s.enc.Encode(EventFrame{Event: event, Payload: payload}); err != nil {
		s.logger.Error("failed to write event: %v", err)
	}
}

// HealthConfig is health()'s config sub-object.
type HealthConfig struct {
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
	ExecutionTimeoutMs  int `json:"executionTimeoutMs"`
	MaxRetries          int `json:"maxRetries"`
	RetryDelayMs        int `json:"retryDelayMs"`
}

// HealthPool is health()'s pool sub-object.
type HealthPool struct {
	Size int `json:"size"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`
}

// HealthResult is the health() tool's result:
// { status, version, uptimeMs, config: {...}, pool: {...} }.
type HealthResult struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	UptimeMs int64        `json:"uptimeMs"`
	Config   HealthConfig `json:"config"`
	Pool     HealthPool   `json:"pool"`
}

func (s *Server) health() HealthResult {
	stats := s.store.Stats()
	return HealthResult{
		Status:   "ok",
		Version:  s.version,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Config: HealthConfig{
			HeartbeatIntervalMs: s.cfg.HeartbeatIntervalMs,
			ExecutionTimeoutMs:  s.cfg.ExecutionTimeoutMs,
			MaxRetries:          s.cfg.MaxRetries,
			RetryDelayMs:        s.cfg.RetryDelayMs,
		},
		Pool: HealthPool{Size: stats.Size, Idle: stats.Idle, Busy: stats.Busy},
	}
}

// ConvertTaskMarkdownArgs is convert_task_markdown's argument shape.
type ConvertTaskMarkdownArgs struct {
	MarkdownPath string `json:"markdownPath"`
	OutputPath   string `json:"outputPath"`
}

// ConvertTaskMarkdownResult is convert_task_markdown's result shape.
type ConvertTaskMarkdownResult struct {
	RootID       string `json:"rootId"`
	RootName     string `json:"rootName"`
	SubTaskCount int    `json:"subTaskCount"`
	Normalized   string `json:"normalized,omitempty"`
}

func (s *Server) convertTaskMarkdown(raw json.RawMessage) (ConvertTaskMarkdownResult, error) {
	var args ConvertTaskMarkdownArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ConvertTaskMarkdownResult{}, errkind.Wrap(errkind.InvalidInput, err, "invalid convert_task_markdown arguments")
	}
	if args.MarkdownPath == "" {
		return ConvertTaskMarkdownResult{}, errkind.New(errkind.InvalidInput, "markdownPath is required")
	}

	source, err := os.ReadFile(args.MarkdownPath)
	if err != nil {
		return ConvertTaskMarkdownResult{}, errkind.Wrap(errkind.InvalidInput, err, "failed to read "+args.MarkdownPath)
	}
	doc, err := graph.Parse(source)
	if err != nil {
		return ConvertTaskMarkdownResult{}, err
	}
	normalized := graph.Render(doc)

	result := ConvertTaskMarkdownResult{
		RootID:       doc.RootID,
		RootName:     doc.RootName,
		SubTaskCount: len(doc.SubTasks),
	}
	if args.OutputPath != "" {
		if err := os.WriteFile(args.OutputPath, []byte(normalized), 0o644); err != nil {
			return ConvertTaskMarkdownResult{}, errkind.Wrap(errkind.Internal, err, "failed to write "+args.OutputPath)
		}
	} else {
		result.Normalized = normalized
	}
	return result, nil
}

// ClaudeCodeArgs is claude_code's argument shape.
type ClaudeCodeArgs struct {
	Prompt          string `json:"prompt"`
	WorkFolder      string `json:"workFolder"`
	ParentTaskID    string `json:"parentTaskId"`
	ReturnMode      string `json:"returnMode"`
	TaskDescription string `json:"taskDescription"`
	Mode            string `json:"mode"`
	TimeoutMs       *int   `json:"timeout"`
}

// ClaudeCodeResult acknowledges acceptance; the terminal outcome arrives as
// an unsolicited task_result event.
type ClaudeCodeResult struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (s *Server) claudeCode(ctx context.Context, raw json.RawMessage) (ClaudeCodeResult, error) {
	var args ClaudeCodeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ClaudeCodeResult{}, errkind.Wrap(errkind.InvalidInput, err, "invalid claude_code arguments")
	}
	if args.Prompt == "" {
		return ClaudeCodeResult{}, errkind.New(errkind.InvalidInput, "prompt is required")
	}
	if args.TimeoutMs != nil && *args.TimeoutMs <= 0 {
		return ClaudeCodeResult{}, errkind.New(errkind.InvalidInput, "timeout must be positive")
	}

	// If prompt names an already-persisted root task rather than literal
	// instructions, resume that graph's scheduling instead of fabricating a
	// fresh one-node graph.
	if existing, err := s.repos.Tasks.GetByID(ctx, args.Prompt); err == nil {
		if existing.ParentID != "" {
			return ClaudeCodeResult{}, errkind.New(errkind.InvalidInput,
				"prompt names a sub-task id, not a root task id: "+args.Prompt)
		}
		// One graph executes at a time: a root that is still running must
		// not be driven by a second concurrent Resume.
		if existing.Status == domain.StatusRunning {
			return ClaudeCodeResult{}, errkind.New(errkind.AlreadyRunning,
				"task graph is already running: "+args.Prompt)
		}
		go s.resumeAndStream(context.WithoutCancel(ctx), existing.ID)
		return ClaudeCodeResult{TaskID: existing.ID, Status: "accepted"}, nil
	} else if !errkind.Is(err, errkind.NotFound) {
		return ClaudeCodeResult{}, err
	}

	returnMode := domain.ReturnSummary
	if args.ReturnMode == string(domain.ReturnFull) {
		returnMode = domain.ReturnFull
	}
	mode := domain.ModeSequential
	if args.Mode == string(domain.ModeParallel) {
		mode = domain.ModeParallel
	}

	name := args.TaskDescription
	if name == "" {
		name = "claude_code task"
	}
	timeoutMs := 0
	if args.TimeoutMs != nil {
		timeoutMs = *args.TimeoutMs
	}
	taskID := uuid.NewString()
	doc := &graph.Document{
		RootID:    taskID,
		RootName:  name,
		Objective: args.TaskDescription,
		RootMode:  mode,
		SubTasks: []domain.SubTask{{
			ID:            "1",
			Name:          name,
			Prompt:        args.Prompt,
			ExecutionMode: mode,
			Priority:      domain.PriorityMedium,
			TimeoutMs:     timeoutMs,
			Metadata:      map[string]string{"parentTaskId": args.ParentTaskID},
		}},
	}
	if doc.Objective == "" {
		doc.Objective = args.Prompt
	}

	go s.runAndStream(context.WithoutCancel(ctx), taskID, doc, args.WorkFolder, returnMode)

	return ClaudeCodeResult{TaskID: taskID, Status: "accepted"}, nil
}

// runAndStream drives a freshly-built graph asynchronously; see
// driveAndStream for the streaming contract.
func (s *Server) runAndStream(ctx context.Context, taskID string, doc *graph.Document, workFolder string, returnMode domain.ReturnMode) {
	s.driveAndStream(ctx, taskID, func(ctx context.Context) (domain.TaskResult, error) {
		return s.scheduler.Execute(ctx, doc, workFolder, returnMode)
	})
}

// resumeAndStream resumes an already-persisted root task's graph
// asynchronously; see driveAndStream for the streaming contract.
func (s *Server) resumeAndStream(ctx context.Context, taskID string) {
	s.driveAndStream(ctx, taskID, func(ctx context.Context) (domain.TaskResult, error) {
		return s.scheduler.Resume(ctx, taskID)
	})
}

// driveAndStream runs run to completion, tailing taskID's task logs as
// they're written and emitting them as unsolicited event frames, then emits
// a single terminal task_result event. Streamed progress is push rather
// than poll since the transport owns the only output stream.
func (s *Server) driveAndStream(ctx context.Context, taskID string, run func(context.Context) (domain.TaskResult, error)) {
	done := make(chan struct{})
	go s.tailLogs(ctx, taskID, done)

	result, err := run(ctx)
	close(done)

	if err != nil {
		s.emitEvent("task_result", map[string]any{
			"taskId": taskID,
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	s.emitEvent("task_result", map[string]any{
		"taskId": taskID,
		"result": result,
	})
}

// tailLogs polls for new task_logs every 500ms across the root task and
// every sub-task persisted under it, streaming each as it appears, until
// done is closed. Children are re-listed on every tick since they don't
// all exist yet at the first tick (the Scheduler persists them just before
// dispatch begins).
func (s *Server) tailLogs(ctx context.Context, rootID string, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	lastID := map[string]int64{}

	poll := func(taskID string) {
		logs, err := s.repos.Logs.ByTask(ctx, taskID, nil, nil)
		if err != nil {
			return
		}
		for _, l := range logs {
			if l.ID <= lastID[taskID] {
				continue
			}
			s.emitEvent("task_log", l)
			lastID[taskID] = l.ID
		}
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(rootID)
			children, err := s.repos.Tasks.ByParent(ctx, rootID)
			if err != nil {
				continue
			}
			for _, child := range children {
				poll(child.ID)
			}
		}
	}
}
