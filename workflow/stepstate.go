package workflow

import (
	"encoding/json"
	"time"
)

// StepHandle is a thin, mutation-oriented view over a single StepState,
// returned by JobState.ForStep. Step primitives use it to drive a step
// through its transitions without reaching into the map directly.
type StepHandle struct {
	state *StepState
}

// Status returns the step's current status.
func (h *StepHandle) Status() StepStatus { return h.state.Status }

// Result returns the step's recorded result, if any.
func (h *StepHandle) Result() json.RawMessage { return h.state.Result }

// Start stamps the step's start time on first entry. It is a no-op on
// subsequent calls within the same attempt, so step primitives can call it
// unconditionally before doing work.
func (h *StepHandle) Start() {
	if h.state.Metrics.StartedAt == nil {
		now := time.Now().UTC()
		h.state.Metrics.StartedAt = &now
	}
	if h.state.Status == "" {
		h.state.Status = StepStatusActive
	}
}

// Complete marks the step completed with the given result.
func (h *StepHandle) Complete(result json.RawMessage) {
	now := time.Now().UTC()
	h.state.Status = StepStatusCompleted
	h.state.Result = result
	h.state.Error = ""
	h.state.Metrics.CompletedAt = &now
	h.state.Metrics.Duration = durationSince(h.state.Metrics.StartedAt, now)
}

// Fail marks the step failed with the given error.
func (h *StepHandle) Fail(err error) {
	now := time.Now().UTC()
	h.state.Status = StepStatusFailed
	h.state.Error = err.Error()
	h.state.Metrics.CompletedAt = &now
	h.state.Metrics.Duration = durationSince(h.state.Metrics.StartedAt, now)
}

// durationSince computes completedAt - (startedAt ?? now), matching the
// way Complete/Fail never fail to record a duration even for a step that
// was never started (e.g. a repeat step completing at its attempt limit
// without a final fn call).
func durationSince(startedAt *time.Time, completedAt time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	return completedAt.Sub(*startedAt)
}

// SetDelayed marks the step delayed, awaiting a future resumption.
func (h *StepHandle) SetDelayed() {
	h.state.Status = StepStatusDelayed
}

// SetActive resets a delayed step back to active, e.g. when a repeat step
// resumes from a timer to run its next attempt.
func (h *StepHandle) SetActive() {
	h.state.Status = StepStatusActive
}

// SetResult overwrites the step's recorded result without changing status,
// used by repeat to persist its attempt bookkeeping between suspensions.
func (h *StepHandle) SetResult(result json.RawMessage) {
	h.state.Result = result
}

// elapsed returns the time since the step started, or zero if it never did.
func (h *StepHandle) elapsed() time.Duration {
	if h.state.Metrics.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if h.state.Metrics.CompletedAt != nil {
		end = *h.state.Metrics.CompletedAt
	}
	return end.Sub(*h.state.Metrics.StartedAt)
}
