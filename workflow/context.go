package workflow

import (
	"context"
	"time"

	"github.com/skriken/openqueue"
)

// Context is the façade workflow handlers use to call step primitives. It
// carries the caller's context.Context and, once bound by the Dispatcher,
// a backpointer to the StepExecutor driving the current dispatch. Handlers
// never construct a Context themselves; one is passed in by the Dispatcher.
type Context struct {
	ctx  context.Context
	exec *StepExecutor
	logs []LogEntry
}

func newContext(ctx context.Context) *Context {
	return &Context{ctx: ctx}
}

// bind attaches the StepExecutor driving the current dispatch. Step calls
// made before bind runs return dispatch.ErrNotReady.
func (c *Context) bind(exec *StepExecutor) {
	c.exec = exec
}

func (c *Context) drainLogs() []LogEntry {
	logs := c.logs
	c.logs = nil
	return logs
}

// Context returns the underlying context.Context, for handlers that need
// to pass it to external clients directly.
func (c *Context) Context() context.Context { return c.ctx }

// Run executes fn exactly once across the life of the job, per StepExecutor.Run.
func (c *Context) Run(stepID string, fn func(context.Context) (any, error)) (RunResult, error) {
	if c.exec == nil {
		return RunResult{}, dispatch.ErrNotReady
	}
	return c.exec.Run(c.ctx, stepID, fn)
}

// Sleep suspends the job for d, per StepExecutor.Sleep.
func (c *Context) Sleep(stepID string, d time.Duration) error {
	if c.exec == nil {
		return dispatch.ErrNotReady
	}
	return c.exec.Sleep(c.ctx, stepID, d)
}

// SleepUntil suspends the job until at, per StepExecutor.SleepUntil.
func (c *Context) SleepUntil(stepID string, at time.Time) error {
	if c.exec == nil {
		return dispatch.ErrNotReady
	}
	return c.exec.SleepUntil(c.ctx, stepID, at)
}

// Repeat calls fn until it returns a truthy result or opts.Limit is reached,
// per StepExecutor.Repeat.
func (c *Context) Repeat(stepID string, opts RepeatOptions, fn func(context.Context) (any, error)) (RunResult, error) {
	if c.exec == nil {
		return RunResult{}, dispatch.ErrNotReady
	}
	return c.exec.Repeat(c.ctx, stepID, opts, fn)
}

// Invoke enqueues workflowName with payload and waits for it to complete,
// per StepExecutor.Invoke.
func (c *Context) Invoke(stepID, workflowName string, payload any) (RunResult, error) {
	if c.exec == nil {
		return RunResult{}, dispatch.ErrNotReady
	}
	return c.exec.Invoke(c.ctx, stepID, workflowName, payload)
}

// Log records a structured log entry alongside the job's persisted state.
// Unlike the step primitives, Log has no replay semantics: it appends on
// every dispatch that calls it, including replays of already-completed steps.
func (c *Context) Log(level LogLevel, message string, metadata map[string]any) {
	c.logs = append(c.logs, LogEntry{
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

// InvokeWorkflow is a typed wrapper over Context.Invoke that marshals input
// through def's registered name, giving callers static typing on the call
// site even though the underlying protocol is JSON.
func InvokeWorkflow[T any](c *Context, stepID string, def *Definition[T], input T) (RunResult, error) {
	return c.Invoke(stepID, def.Name, input)
}
