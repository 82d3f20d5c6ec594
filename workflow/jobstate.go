package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skriken/openqueue"
)

// StepType identifies which step primitive produced a StepState.
type StepType string

const (
	StepTypeRun        StepType = "run"
	StepTypeSleep      StepType = "sleep"
	StepTypeSleepUntil StepType = "sleep-until"
	StepTypeRepeat     StepType = "repeat"
	StepTypeInvoke     StepType = "invoke-wait-for-result"
)

// StepStatus is the lifecycle state of a single step within a job.
type StepStatus string

const (
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusDelayed   StepStatus = "delayed"
)

// StepMetrics tracks timing for a single step.
type StepMetrics struct {
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// StepState is the persisted record of one step's outcome.
type StepState struct {
	Type    StepType        `json:"type"`
	Status  StepStatus      `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Metrics StepMetrics     `json:"metrics"`
}

// InvokeResult is the Result payload recorded on a delayed invoke step
// while it waits for the invoked job to finish.
type InvokeResult struct {
	JobID string `json:"job_id"`
}

// RepeatResult is the Result payload recorded for a repeat step, carrying
// enough state to resume the attempt loop across suspensions.
type RepeatResult struct {
	Attempt    int             `json:"attempt"`
	Completed  bool            `json:"completed"`
	NeedsDelay bool            `json:"needs_delay"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
}

// Invocation records a caller workflow waiting on this job's completion,
// so that a clean finish can promote the caller's delayed invoke step.
type Invocation struct {
	CallerWorkflowID string `json:"caller_workflow_id"`
	CallerStepID     string `json:"caller_step_id"`
}

// LogLevel classifies a workflow log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is a single structured log line emitted by workflow code through
// Context.Log, persisted alongside job state for later inspection.
type LogEntry struct {
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobError is a single failure recorded against a step (or the job as a
// whole, when StepID is empty).
type JobError struct {
	StepID       string    `json:"step_id,omitempty"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobMetrics tracks timing for the job as a whole.
type JobMetrics struct {
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Attempts    int           `json:"attempts"`
}

// JobState is the durable record of a workflow's execution, marshaled into
// a job.Job's Payload between dispatches. Every step primitive reads and
// mutates this structure in place; it is never partially persisted.
type JobState struct {
	Prepared    bool                  `json:"prepared"`
	Version     int                   `json:"version"`
	Source      json.RawMessage       `json:"source"`
	Steps       map[string]*StepState `json:"steps"`
	Invocations []Invocation          `json:"invocations,omitempty"`
	Metrics     JobMetrics            `json:"metrics"`
	Errors      []JobError            `json:"errors,omitempty"`
	Logs        []LogEntry            `json:"logs,omitempty"`
}

// sourceLooksPrepared reports whether raw decodes as an object carrying a
// truthy "prepared" field, without requiring the rest of the shape to match.
func sourceLooksPrepared(raw []byte) bool {
	var probe struct {
		Prepared bool `json:"prepared"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Prepared
}

// Prepare wraps a job's raw payload into a JobState. If raw already carries
// a prepared JobState (the common case on every dispatch after the first),
// it is decoded and returned with wasPrepared=true. Otherwise raw is treated
// as the workflow's original input and wrapped into a fresh JobState with
// wasPrepared=false, signaling that the caller must still validate and
// persist it.
func Prepare(raw []byte) (wasPrepared bool, state *JobState, err error) {
	if len(raw) > 0 && sourceLooksPrepared(raw) {
		var st JobState
		if err := json.Unmarshal(raw, &st); err != nil {
			return false, nil, fmt.Errorf("workflow: decode prepared job state: %w", err)
		}
		if st.Steps == nil {
			st.Steps = make(map[string]*StepState)
		}
		return true, &st, nil
	}

	return false, &JobState{
		Prepared: true,
		Source:   json.RawMessage(raw),
		Steps:    make(map[string]*StepState),
	}, nil
}

// ForStep returns a handle to the StepState for stepID, creating one with
// status=active on first access. The returned handle is idempotent within a
// single dispatch: repeated calls with the same stepID return a handle over
// the same underlying StepState.
func (js *JobState) ForStep(stepID string, t StepType) *StepHandle {
	st, ok := js.Steps[stepID]
	if !ok {
		st = &StepState{Type: t, Status: StepStatusActive}
		js.Steps[stepID] = st
	}
	return &StepHandle{state: st}
}

// Persist validates js against the nesting invariant and returns its JSON
// encoding for writing back to the job's data slot. It rejects with
// dispatch.ErrInvalidSource if Source itself looks like an already-wrapped
// JobState, guarding against accidental double-wrapping across re-entries.
func (js *JobState) Persist() ([]byte, error) {
	if sourceLooksPrepared(js.Source) {
		return nil, fmt.Errorf("workflow: persist job state: %w", dispatch.ErrInvalidSource)
	}
	return json.Marshal(js)
}

// recordError appends a JobError, stamping it with the current time.
func (js *JobState) recordError(stepID string, err error) {
	js.Errors = append(js.Errors, JobError{
		StepID:       stepID,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UTC(),
	})
}
