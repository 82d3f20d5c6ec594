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
	"github.com/skriken/openqueue/scope"
)

// Dispatcher is the JobExecutor: it drives a workflow job through exactly
// one dispatch, from loading its JobState to persisting the outcome. It is
// the integration point between the job queue and the workflow engine —
// worker.Executor calls TryDispatch before falling back to its own plain
// job registry.
type Dispatcher struct {
	registry   *Registry
	store      job.Store
	extensions *ext.Registry
	logger     *slog.Logger

	pollInterval    time.Duration
	delayedPriority int
}

// DispatcherOption configures a Dispatcher at construction time.
type DispatcherOption func(*Dispatcher)

// WithPollInterval overrides DefaultInvokePollInterval.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// WithDelayedPriority overrides DefaultDelayedPriority.
func WithDelayedPriority(p int) DispatcherOption {
	return func(disp *Dispatcher) { disp.delayedPriority = p }
}

// WithExtensions registers an extension registry for lifecycle emits. If
// never called, a Dispatcher emits to an empty registry (no-op).
func WithExtensions(ext *ext.Registry) DispatcherOption {
	return func(disp *Dispatcher) { disp.extensions = ext }
}

// NewDispatcher creates a Dispatcher over registry and store.
func NewDispatcher(registry *Registry, store job.Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry:        registry,
		store:           store,
		extensions:      ext.NewRegistry(logger),
		logger:          logger,
		pollInterval:    DefaultInvokePollInterval,
		delayedPriority: DefaultDelayedPriority,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TryDispatch reports whether j names a registered workflow and, if so,
// drives it through one dispatch. handled=false means j is an ordinary job
// and the caller should fall through to its own handler registry.
//
// When handled is true, err distinguishes three outcomes the caller must
// branch on: err==nil means either suspended (j.State==job.StateDelayed,
// already persisted) or completed; errors.Is(err, dispatch.ErrUnrecoverable)
// means the job should go straight to the dead letter queue, skipping
// retry; any other non-nil err means ordinary retry/backoff handling
// applies.
func (d *Dispatcher) TryDispatch(ctx context.Context, j *job.Job) (handled bool, err error) {
	if !d.registry.Has(j.Name) {
		return false, nil
	}
	return true, d.dispatch(ctx, j)
}

// dispatch implements the JobExecutor driver: prepare, validate on first
// entry, bind a StepExecutor and Context, invoke the registered handler,
// and persist the resulting JobState exactly once regardless of outcome.
func (d *Dispatcher) dispatch(ctx context.Context, j *job.Job) (err error) {
	wasPrepared, state, perr := Prepare(j.Payload)
	if perr != nil {
		return perr
	}

	firstEntry := !wasPrepared
	if firstEntry {
		state.Version = d.registry.LatestVersion(j.Name)
		canon, verr := d.registry.ValidateVersion(j.Name, state.Version, state.Source)
		if verr != nil {
			return fmt.Errorf("workflow %q: %w", j.Name, verr)
		}
		state.Source = canon
	}

	runner, ok := d.registry.GetVersion(j.Name, state.Version)
	if !ok {
		return fmt.Errorf("workflow %q version %d: %w", j.Name, state.Version, dispatch.ErrUnknownWorkflow)
	}

	if state.Metrics.StartedAt == nil {
		now := time.Now().UTC()
		state.Metrics.StartedAt = &now
	}
	state.Metrics.Attempts++

	if firstEntry {
		raw, perr := state.Persist()
		if perr != nil {
			return perr
		}
		j.Payload = raw
		d.extensions.EmitWorkflowStarted(ctx, j)
	}

	se := &StepExecutor{
		js:              state,
		j:               j,
		store:           d.store,
		registry:        d.registry,
		extensions:      d.extensions,
		logger:          d.logger,
		pollInterval:    d.pollInterval,
		delayedPriority: d.delayedPriority,
	}
	cctx := newContext(scope.Restore(ctx, j.ScopeAppID, j.ScopeOrgID))
	cctx.bind(se)

	start := time.Now()

	// Every exit path below funnels through this defer so JobState is
	// persisted exactly once per dispatch, after Suspend/error/success
	// have each finished mutating it — collapsing the per-step-primitive
	// persists a literal reading of the protocol would require into a
	// single write ordered correctly by Go's defer semantics.
	defer func() {
		state.Logs = append(state.Logs, cctx.drainLogs()...)
		raw, merr := state.Persist()
		if merr != nil {
			if err == nil {
				err = merr
			}
			return
		}
		j.Payload = raw
		if uerr := d.store.UpdateJob(ctx, j); uerr != nil && err == nil {
			err = uerr
		}
	}()

	retVal, runErr := runner(cctx, j, state.Source)

	switch {
	case errors.Is(runErr, dispatch.ErrSuspend):
		return nil

	case runErr != nil:
		now := time.Now().UTC()
		state.Metrics.FailedAt = &now
		if state.Metrics.StartedAt != nil {
			state.Metrics.Duration = now.Sub(*state.Metrics.StartedAt)
		}
		state.recordError("", runErr)
		d.extensions.EmitWorkflowFailed(ctx, j, runErr)
		return runErr

	default:
		now := time.Now().UTC()
		state.Metrics.CompletedAt = &now
		if state.Metrics.StartedAt != nil {
			state.Metrics.Duration = now.Sub(*state.Metrics.StartedAt)
		}
		raw, merr := json.Marshal(retVal)
		if merr != nil {
			return fmt.Errorf("workflow %q: marshal return value: %w", j.Name, merr)
		}
		j.ReturnValue = raw
		j.State = job.StateCompleted
		j.CompletedAt = &now
		d.extensions.EmitWorkflowCompleted(ctx, j, time.Since(start))
		d.promoteInvocationSubscribers(ctx, j, state)
		return nil
	}
}

// promoteInvocationSubscribers scans a freshly completed job's recorded
// invocations and promotes any caller job whose invoke step is delayed
// waiting on this job's result, moving it out of the delayed set so it is
// picked up again without waiting out its remaining poll interval. Errors
// are logged and swallowed: a missed promotion only costs the caller one
// more poll cycle, never correctness.
func (d *Dispatcher) promoteInvocationSubscribers(ctx context.Context, j *job.Job, state *JobState) {
	for _, inv := range state.Invocations {
		candidates, err := d.store.ListJobsByState(ctx, job.StateDelayed, job.ListOpts{Queue: inv.CallerWorkflowID})
		if err != nil {
			d.logger.Warn("workflow: list delayed callers failed",
				slog.String("caller_workflow", inv.CallerWorkflowID),
				slog.String("error", err.Error()))
			continue
		}

		for _, cand := range candidates {
			if d.promoteIfSubscriber(ctx, cand, inv.CallerStepID, j.ID) {
				break
			}
		}
	}
}

func (d *Dispatcher) promoteIfSubscriber(ctx context.Context, cand *job.Job, callerStepID string, targetID id.JobID) bool {
	_, cState, perr := Prepare(cand.Payload)
	if perr != nil {
		return false
	}

	step, ok := cState.Steps[callerStepID]
	if !ok || step.Status != StepStatusDelayed || step.Type != StepTypeInvoke {
		return false
	}

	var iv InvokeResult
	if err := json.Unmarshal(step.Result, &iv); err != nil || iv.JobID != targetID.String() {
		return false
	}

	cand.State = job.StatePending
	cand.RunAt = time.Now().UTC()
	if err := d.store.UpdateJob(ctx, cand); err != nil {
		d.logger.Warn("workflow: promote caller job failed",
			slog.String("job_id", cand.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// EnqueueJob enqueues a new job running the named workflow with raw as its
// initial (unprepared) input. The job is wrapped into a JobState on its
// first dispatch.
func (d *Dispatcher) EnqueueJob(ctx context.Context, name string, raw json.RawMessage, opts job.Options) (*job.Job, error) {
	if !d.registry.Has(name) {
		return nil, fmt.Errorf("enqueue workflow %q: %w", name, dispatch.ErrUnknownWorkflow)
	}

	appID, orgID := scope.Capture(ctx)
	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	j := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      name,
		Payload:    raw,
		State:      job.StatePending,
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		ScopeAppID: appID,
		ScopeOrgID: orgID,
		RunAt:      runAt,
		Timeout:    opts.Timeout,
	}
	if err := d.store.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue workflow %q: %w", name, err)
	}
	d.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

// Start enqueues a new job running def's workflow with input, using def's
// registered default options.
func Start[T any](ctx context.Context, d *Dispatcher, def *Definition[T], input T) (*job.Job, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", def.Name, err)
	}
	return d.EnqueueJob(ctx, def.Name, raw, def.Options)
}
