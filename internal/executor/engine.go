package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentcored/internal/bus"
	"github.com/basket/agentcored/internal/otel"
	"github.com/basket/agentcored/internal/persistence"
	"github.com/basket/agentcored/internal/shared"
	"github.com/basket/agentcored/internal/store"
)

const inboxSize = 16

// running tracks one active task loop. A second Execute for the same task
// feeds its message through inbox instead of starting another loop.
type running struct {
	inbox    chan string
	done     chan struct{} // closed after the loop is removed from active
	cancel   context.CancelFunc
	canceled atomic.Bool // set by Cancel, not by context teardown
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	ActiveTasks int    `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Engine drives task loops against the persistence facade.
type Engine struct {
	facade  *persistence.Facade
	model   ModelClient
	tools   ToolScheduler
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu      sync.Mutex
	tasks   map[string]*store.Task
	active  map[string]*running
	lastErr atomic.Pointer[string]
}

// New wires an Engine. The model client and tool scheduler are required.
func New(facade *persistence.Facade, model ModelClient, tools ToolScheduler, b *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		facade:  facade,
		model:   model,
		tools:   tools,
		bus:     b,
		logger:  logger,
		metrics: metrics,
		tasks:   map[string]*store.Task{},
		active:  map[string]*running{},
	}
}

// Execute runs the agent loop for the task until it reaches input-required or
// a terminal state. If a loop for the task is already running, the message is
// handed to it and Execute returns without starting a second loop. Terminal
// tasks are no-ops.
func (e *Engine) Execute(ctx context.Context, taskID, contextID, message string, settings store.AgentSettings) (*store.Task, error) {
	t, err := e.resolveTask(ctx, taskID, contextID, settings)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		e.logger.Debug("execute on terminal task ignored", "task_id", t.ID, "state", string(t.State))
		return t, nil
	}

	// Hand the message to a running loop, waiting out a full inbox. When the
	// loop exits underneath us the message is ours to run.
	for {
		e.mu.Lock()
		r, ok := e.active[t.ID]
		if !ok {
			break
		}
		e.mu.Unlock()
		select {
		case r.inbox <- message:
			e.logger.Debug("message queued into running loop", "task_id", t.ID)
			return t, nil
		case <-r.done:
			if t.State.Terminal() {
				return t, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r := &running{inbox: make(chan string, inboxSize), done: make(chan struct{}), cancel: cancel}
	e.active[t.ID] = r
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Add(ctx, 1)
	}
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, t.ID)
		e.mu.Unlock()
		close(r.done)
		if e.metrics != nil {
			e.metrics.ActiveExecutions.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	return e.runLoop(loopCtx, t, r, message)
}

// resolveTask finds the task in memory, then on disk, then creates it.
func (e *Engine) resolveTask(ctx context.Context, taskID, contextID string, settings store.AgentSettings) (*store.Task, error) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	t, err := e.facade.Load(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	if t == nil {
		t = store.NewTask(taskID, contextID, settings)
		e.logger.Info("task created", "task_id", taskID, "context_id", contextID)
	}

	e.mu.Lock()
	e.tasks[taskID] = t
	e.mu.Unlock()
	return t, nil
}

// runLoop is the turn loop. The deferred save is the single point where the
// task's final state for this execution hits disk.
func (e *Engine) runLoop(ctx context.Context, t *store.Task, r *running, message string) (task *store.Task, err error) {
	traceID := shared.TraceID(ctx)
	saved := false
	defer func() {
		if saved {
			return
		}
		saved = true
		if serr := e.facade.Save(context.WithoutCancel(ctx), t); serr != nil {
			e.logger.Error("final task save failed",
				"task_id", t.ID, "state", string(t.State), "trace_id", traceID, "error", serr)
			e.setLastError(serr)
			if err == nil {
				err = serr
			}
		}
	}()

	e.setState(t, store.StateWorking, "")

	stream, err := e.model.SendMessage(ctx, t.ID, []Part{TextPart(message)})
	if err != nil {
		return e.failLoop(t, fmt.Errorf("send message: %w", err))
	}

	for {
		toolCalls, terminal, err := e.consumeTurn(ctx, t, stream)
		if err != nil {
			if e.isCancellation(r, err) {
				return e.cancelLoop(t, r, err)
			}
			return e.failLoop(t, err)
		}
		if e.metrics != nil {
			e.metrics.TurnsTotal.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskID.String(t.ID)))
		}
		if t.Metadata != nil && t.Metadata.Internal != nil {
			t.Metadata.Internal.Turns++
		}
		if terminal {
			return t, nil
		}
		if r.canceled.Load() || ctx.Err() != nil {
			return e.cancelLoop(t, r, ctx.Err())
		}

		if len(toolCalls) == 0 {
			// The model finished without asking for tools. A queued message
			// keeps the loop going; otherwise the task waits on input.
			if queued, ok := e.takeQueued(r); ok {
				stream, err = e.model.SendMessage(ctx, t.ID, []Part{TextPart(queued)})
				if err != nil {
					return e.failLoop(t, fmt.Errorf("send queued message: %w", err))
				}
				continue
			}
			e.setState(t, store.StateInputRequired, "")
			return t, nil
		}

		if err := e.tools.Schedule(ctx, toolCalls); err != nil {
			return e.failLoop(t, fmt.Errorf("schedule tools: %w", err))
		}
		if e.metrics != nil {
			e.metrics.ToolCallsScheduled.Add(ctx, int64(len(toolCalls)),
				metric.WithAttributes(otel.AttrTaskID.String(t.ID)))
		}
		if err := e.tools.WaitForPending(ctx); err != nil {
			if e.isCancellation(r, err) {
				return e.cancelLoop(t, r, err)
			}
			return e.failLoop(t, fmt.Errorf("wait for tools: %w", err))
		}
		results := e.tools.GetAndClearCompleted()

		if r.canceled.Load() || ctx.Err() != nil {
			return e.cancelLoop(t, r, ctx.Err())
		}
		if allCanceled(results) {
			// Every tool call was withdrawn; asking the model to continue on
			// nothing would spin. Hand control back to the caller.
			e.setState(t, store.StateInputRequired, "tool calls canceled")
			return t, nil
		}

		stream, err = e.model.SendToolResults(ctx, t.ID, results)
		if err != nil {
			return e.failLoop(t, fmt.Errorf("send tool results: %w", err))
		}
	}
}

// consumeTurn drains one model turn: non-tool events apply immediately, tool
// call requests are collected for batch scheduling. terminal reports whether
// a state change ended the task.
func (e *Engine) consumeTurn(ctx context.Context, t *store.Task, stream EventStream) (toolCalls []ToolCallRequest, terminal bool, err error) {
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return toolCalls, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("model stream: %w", err)
		}
		switch ev.Kind {
		case EventText:
			e.publishStatus(t, ev.Text)
		case EventThought:
			e.logger.Debug("model thought", "task_id", t.ID, "text", ev.Text)
		case EventStateChange:
			state := store.TaskState(ev.State)
			e.setState(t, state, ev.Message)
			if state.Terminal() {
				return nil, true, nil
			}
		case EventToolCallRequest:
			if ev.ToolCall != nil {
				toolCalls = append(toolCalls, *ev.ToolCall)
			}
		}
	}
}

// isCancellation distinguishes a canceled loop from a genuine failure.
func (e *Engine) isCancellation(r *running, err error) bool {
	return r.canceled.Load() ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrExecutionAborted)
}

// cancelLoop winds the loop down. An explicit Cancel ends the task; an
// aborted context parks it at input-required so a later session can resume.
func (e *Engine) cancelLoop(t *store.Task, r *running, cause error) (*store.Task, error) {
	e.tools.CancelPending("execution canceled")
	if r.canceled.Load() {
		e.setState(t, store.StateCanceled, "canceled by request")
		return t, nil
	}
	e.setState(t, store.StateInputRequired, "execution interrupted")
	if cause == nil {
		cause = ErrExecutionAborted
	}
	return t, fmt.Errorf("%w: %v", ErrExecutionAborted, cause)
}

func (e *Engine) failLoop(t *store.Task, cause error) (*store.Task, error) {
	e.tools.CancelPending("execution failed")
	e.setState(t, store.StateFailed, cause.Error())
	e.setLastError(cause)
	e.logger.Error("task loop failed", "task_id", t.ID, "class", Classify(cause), "error", cause)
	return t, cause
}

// takeQueued drains one message from the running loop's inbox.
func (e *Engine) takeQueued(r *running) (string, bool) {
	select {
	case msg := <-r.inbox:
		return msg, true
	default:
		return "", false
	}
}

// Cancel requests cooperative cancellation of a running loop. Returns false
// when no loop is active for the task.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	r, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.canceled.Store(true)
	r.cancel()
	e.logger.Info("task cancellation requested", "task_id", taskID)
	return true
}

// setState transitions the task and announces the change.
func (e *Engine) setState(t *store.Task, state store.TaskState, message string) {
	old := t.State
	if old == state {
		return
	}
	t.SetState(state, message)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			ContextID: t.ContextID,
			OldState:  string(old),
			NewState:  string(state),
			Message:   message,
		})
		switch state {
		case store.StateCompleted:
			e.bus.Publish(bus.TopicTaskCompleted, t.ID)
		case store.StateFailed:
			e.bus.Publish(bus.TopicTaskFailed, t.ID)
		case store.StateCanceled:
			e.bus.Publish(bus.TopicTaskCanceled, t.ID)
		}
	}
	e.logger.Info("task state changed",
		"task_id", t.ID, "old", string(old), "new", string(state), "message", message)
}

func (e *Engine) publishStatus(t *store.Task, text string) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStatusUpdate, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			ContextID: t.ContextID,
			NewState:  string(t.State),
			Message:   text,
		})
	}
}

func (e *Engine) setLastError(err error) {
	msg := err.Error()
	e.lastErr.Store(&msg)
}

// Status reports active loop count and the last error seen.
func (e *Engine) Status() Status {
	e.mu.Lock()
	n := len(e.active)
	e.mu.Unlock()
	s := Status{ActiveTasks: n}
	if p := e.lastErr.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

func allCanceled(results []ToolResult) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if !r.Canceled {
			return false
		}
	}
	return true
}
