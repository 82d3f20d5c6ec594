package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skriken/openqueue"
	"github.com/skriken/openqueue/ext"
	"github.com/skriken/openqueue/id"
	"github.com/skriken/openqueue/job"
)

// DefaultDelayedPriority is the priority stamped on a job when it suspends
// itself (sleep, sleep-until, a paced repeat, or an in-flight invoke). It is
// lower than job.DefaultOptions().Priority so that jobs resuming after a
// delay queue behind freshly enqueued work at the same RunAt, rather than
// racing ahead of it.
const DefaultDelayedPriority = -1

// DefaultInvokePollInterval is how long an invoking job waits before it is
// redispatched to re-check whether the job it invoked has finished.
const DefaultInvokePollInterval = 1 * time.Second

// RunResult is returned by Run, Repeat, and Invoke, reporting both the
// step's outcome and whether this call actually executed work or replayed
// a cached result from a prior attempt.
type RunResult struct {
	// Ran is true if this call executed the step's function; false if the
	// result was replayed from a previously completed step.
	Ran bool
	// Result is the step's JSON-encoded outcome.
	Result json.RawMessage
}

// RepeatOptions configures a Repeat step.
type RepeatOptions struct {
	// Limit bounds the number of attempts. A non-positive Limit means no
	// attempt is ever made and Repeat completes immediately with false.
	Limit int
	// Every is the delay between attempts. Zero means attempts run back
	// to back within the same dispatch instead of suspending between them.
	Every time.Duration
}

// StepExecutor drives the five step primitives against a single job's
// in-memory JobState for the duration of one dispatch. It is created fresh
// by the Dispatcher for every dispatch and is not safe for reuse across
// dispatches or for concurrent use by multiple goroutines.
type StepExecutor struct {
	js    *JobState
	j     *job.Job
	store job.Store

	registry   *Registry
	extensions *ext.Registry
	logger     *slog.Logger

	pollInterval    time.Duration
	delayedPriority int
}

// suspend marks the owning job delayed for d and stamps its priority so
// resumption is ordered after fresh arrivals at the same RunAt.
func (se *StepExecutor) suspend(d time.Duration) {
	if d < 0 {
		d = 0
	}
	se.j.State = job.StateDelayed
	se.j.RunAt = time.Now().UTC().Add(d)
	se.j.Priority = se.delayedPriority
}

func isTruthy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}

// Run executes fn exactly once across the life of the job. On replay after
// a crash or suspension elsewhere in the workflow, a previously completed
// Run step returns its cached result without invoking fn again.
func (se *StepExecutor) Run(ctx context.Context, stepID string, fn func(context.Context) (any, error)) (RunResult, error) {
	h := se.js.ForStep(stepID, StepTypeRun)
	if h.Status() == StepStatusCompleted {
		return RunResult{Ran: false, Result: h.Result()}, nil
	}

	h.Start()
	v, err := fn(ctx)
	if err != nil {
		if errors.Is(err, dispatch.ErrSuspend) || errors.Is(err, dispatch.ErrUnrecoverable) {
			return RunResult{}, err
		}
		h.Fail(err)
		se.js.recordError(stepID, err)
		se.extensions.EmitWorkflowStepFailed(ctx, se.j, stepID, string(StepTypeRun), err)
		return RunResult{}, fmt.Errorf("step %q: %w", stepID, err)
	}

	raw, merr := json.Marshal(v)
	if merr != nil {
		return RunResult{}, fmt.Errorf("step %q: marshal result: %w", stepID, merr)
	}
	h.Complete(raw)
	se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeRun), h.elapsed())
	return RunResult{Ran: true, Result: raw}, nil
}

// Sleep suspends the job for d. On the dispatch that started the sleep it
// returns dispatch.ErrSuspend; on the dispatch that resumes after RunAt
// elapses, it returns nil without sleeping again.
func (se *StepExecutor) Sleep(ctx context.Context, stepID string, d time.Duration) error {
	h := se.js.ForStep(stepID, StepTypeSleep)
	switch h.Status() {
	case StepStatusCompleted:
		return nil
	case StepStatusDelayed:
		h.Complete(json.RawMessage("true"))
		se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeSleep), h.elapsed())
		return nil
	default:
		h.Start()
		h.SetDelayed()
		se.suspend(d)
		return dispatch.ErrSuspend
	}
}

// SleepUntil suspends the job until at. Semantics mirror Sleep, computing
// the delay from the current time rather than taking it directly.
func (se *StepExecutor) SleepUntil(ctx context.Context, stepID string, at time.Time) error {
	h := se.js.ForStep(stepID, StepTypeSleepUntil)
	switch h.Status() {
	case StepStatusCompleted:
		return nil
	case StepStatusDelayed:
		h.Complete(json.RawMessage("true"))
		se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeSleepUntil), h.elapsed())
		return nil
	default:
		h.Start()
		h.SetDelayed()
		se.suspend(time.Until(at))
		return dispatch.ErrSuspend
	}
}

// saveRepeatState persists rec as the step's result without changing status.
func (se *StepExecutor) saveRepeatState(h *StepHandle, rec RepeatResult) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	h.SetResult(raw)
}

// Repeat calls fn until it returns a truthy result or opts.Limit attempts
// are exhausted. When opts.Every is zero, attempts run back to back within
// the current dispatch; otherwise the job suspends for opts.Every between
// attempts, resuming on a later dispatch.
func (se *StepExecutor) Repeat(ctx context.Context, stepID string, opts RepeatOptions, fn func(context.Context) (any, error)) (RunResult, error) {
	h := se.js.ForStep(stepID, StepTypeRepeat)
	if h.Status() == StepStatusCompleted {
		return RunResult{Ran: false, Result: h.Result()}, nil
	}

	var rec RepeatResult
	if raw := h.Result(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return RunResult{}, fmt.Errorf("step %q: decode repeat state: %w", stepID, err)
		}
	}

	if h.Status() == StepStatusDelayed {
		h.SetActive()
	} else {
		h.Start()
	}

	for {
		if rec.Attempt >= opts.Limit {
			result := json.RawMessage("false")
			h.Complete(result)
			se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeRepeat), h.elapsed())
			return RunResult{Ran: true, Result: result}, nil
		}

		v, err := fn(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrSuspend) || errors.Is(err, dispatch.ErrUnrecoverable) {
				se.saveRepeatState(h, rec)
				return RunResult{}, err
			}
			h.Fail(err)
			se.js.recordError(stepID, err)
			se.extensions.EmitWorkflowStepFailed(ctx, se.j, stepID, string(StepTypeRepeat), err)
			return RunResult{}, fmt.Errorf("step %q: %w", stepID, err)
		}

		rec.Attempt++
		raw, merr := json.Marshal(v)
		if merr != nil {
			return RunResult{}, fmt.Errorf("step %q: marshal result: %w", stepID, merr)
		}
		rec.LastResult = raw

		if isTruthy(raw) {
			rec.Completed = true
			h.Complete(raw)
			se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeRepeat), h.elapsed())
			return RunResult{Ran: true, Result: raw}, nil
		}

		if opts.Every > 0 && rec.Attempt < opts.Limit {
			rec.NeedsDelay = true
			se.saveRepeatState(h, rec)
			h.SetDelayed()
			se.suspend(opts.Every)
			return RunResult{}, dispatch.ErrSuspend
		}

		se.saveRepeatState(h, rec)
	}
}

// Invoke enqueues a separate job running the named workflow with payload,
// and suspends the current job until it completes. The first call enqueues
// the target job and records its ID; every later call until completion
// re-checks the target's state and, while still running, suspends again.
func (se *StepExecutor) Invoke(ctx context.Context, stepID, workflowName string, payload any) (RunResult, error) {
	h := se.js.ForStep(stepID, StepTypeInvoke)
	if h.Status() == StepStatusCompleted {
		return RunResult{Ran: false, Result: h.Result()}, nil
	}

	if h.Status() == StepStatusDelayed {
		return se.resumeInvoke(ctx, h, stepID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return RunResult{}, fmt.Errorf("step %q: marshal invoke payload: %w", stepID, err)
	}

	canon, verr := se.registry.ValidateVersion(workflowName, se.registry.LatestVersion(workflowName), raw)
	if verr != nil {
		err := fmt.Errorf("step %q: invoke %q: %w", stepID, workflowName, verr)
		h.Fail(err)
		se.js.recordError(stepID, err)
		return RunResult{}, err
	}

	target := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		Name:       workflowName,
		Queue:      workflowName,
		State:      job.StatePending,
		ScopeAppID: se.j.ScopeAppID,
		ScopeOrgID: se.j.ScopeOrgID,
		RunAt:      time.Now().UTC(),
	}

	opts := job.DefaultOptions()
	target.Priority = opts.Priority
	target.MaxRetries = opts.MaxRetries
	target.Timeout = opts.Timeout

	targetState := &JobState{
		Prepared: true,
		Version:  se.registry.LatestVersion(workflowName),
		Source:   canon,
		Steps:    make(map[string]*StepState),
		Invocations: []Invocation{{
			CallerWorkflowID: se.j.Queue,
			CallerStepID:     stepID,
		}},
	}
	stateRaw, merr := targetState.Persist()
	if merr != nil {
		return RunResult{}, fmt.Errorf("step %q: marshal invoked job state: %w", stepID, merr)
	}
	target.Payload = stateRaw

	if err := se.store.EnqueueJob(ctx, target); err != nil {
		return RunResult{}, fmt.Errorf("step %q: enqueue invoked job %q: %w", stepID, workflowName, err)
	}
	se.extensions.EmitJobEnqueued(ctx, target)

	invRaw, _ := json.Marshal(InvokeResult{JobID: target.ID.String()})
	h.Start()
	h.SetResult(invRaw)
	h.SetDelayed()
	se.suspend(se.pollInterval)
	return RunResult{}, dispatch.ErrSuspend
}

func (se *StepExecutor) resumeInvoke(ctx context.Context, h *StepHandle, stepID string) (RunResult, error) {
	var inv InvokeResult
	if err := json.Unmarshal(h.Result(), &inv); err != nil {
		return RunResult{}, fmt.Errorf("step %q: decode invoke state: %w", stepID, err)
	}

	targetID, err := id.ParseJobID(inv.JobID)
	if err != nil {
		return RunResult{}, fmt.Errorf("step %q: parse invoked job id: %w", stepID, err)
	}

	target, err := se.store.GetJob(ctx, targetID)
	if err != nil {
		return RunResult{}, fmt.Errorf("step %q: get invoked job %s: %w", stepID, inv.JobID, err)
	}

	switch target.State {
	case job.StateCompleted:
		h.Complete(target.ReturnValue)
		se.extensions.EmitWorkflowStepCompleted(ctx, se.j, stepID, string(StepTypeInvoke), h.elapsed())
		return RunResult{Ran: true, Result: target.ReturnValue}, nil
	case job.StateFailed, job.StateCancelled:
		h.Fail(dispatch.ErrInvokedJobFailed)
		se.js.recordError(stepID, dispatch.ErrInvokedJobFailed)
		se.extensions.EmitWorkflowStepFailed(ctx, se.j, stepID, string(StepTypeInvoke), dispatch.ErrInvokedJobFailed)
		return RunResult{}, dispatch.ErrInvokedJobFailed
	default:
		se.suspend(se.pollInterval)
		return RunResult{}, dispatch.ErrSuspend
	}
}
