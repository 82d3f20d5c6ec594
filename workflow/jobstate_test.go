package workflow_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/skriken/openqueue/workflow"
)

func TestPrepare_FreshInput(t *testing.T) {
	raw := []byte(`{"order_id":"ord_1"}`)

	wasPrepared, state, err := workflow.Prepare(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wasPrepared {
		t.Fatal("expected wasPrepared=false for fresh input")
	}
	if string(state.Source) != string(raw) {
		t.Errorf("Source = %s, want %s", state.Source, raw)
	}
	if state.Steps == nil {
		t.Fatal("expected Steps map to be initialized")
	}
	if !state.Prepared {
		t.Error("expected Prepared=true on the returned state")
	}
}

func TestPrepare_AlreadyPrepared(t *testing.T) {
	original := &workflow.JobState{
		Prepared: true,
		Version:  1,
		Source:   json.RawMessage(`{"order_id":"ord_1"}`),
		Steps: map[string]*workflow.StepState{
			"validate": {Type: workflow.StepTypeRun, Status: workflow.StepStatusCompleted, Result: json.RawMessage(`true`)},
		},
	}
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	wasPrepared, state, err := workflow.Prepare(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wasPrepared {
		t.Fatal("expected wasPrepared=true for already-wrapped payload")
	}
	if state.Version != 1 {
		t.Errorf("Version = %d, want 1", state.Version)
	}
	step, ok := state.Steps["validate"]
	if !ok {
		t.Fatal("expected validate step to survive round-trip")
	}
	if step.Status != workflow.StepStatusCompleted {
		t.Errorf("step status = %q, want completed", step.Status)
	}
}

func TestJobState_ForStep_IsIdempotent(t *testing.T) {
	_, state, err := workflow.Prepare([]byte(`{}`))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	h1 := state.ForStep("step-a", workflow.StepTypeRun)
	h1.Complete(json.RawMessage(`"result"`))

	h2 := state.ForStep("step-a", workflow.StepTypeRun)
	if h2.Status() != workflow.StepStatusCompleted {
		t.Errorf("status = %q, want completed", h2.Status())
	}
	if string(h2.Result()) != `"result"` {
		t.Errorf("result = %s, want \"result\"", h2.Result())
	}
}

func TestJobState_Persist_RejectsNestedSource(t *testing.T) {
	state := &workflow.JobState{
		Prepared: true,
		Source:   json.RawMessage(`{"prepared":true,"source":{}}`),
		Steps:    map[string]*workflow.StepState{},
	}

	_, err := state.Persist()
	if err == nil {
		t.Fatal("expected error for nested prepared source")
	}
}

func TestJobState_Persist_RoundTripsIdempotently(t *testing.T) {
	_, state, err := workflow.Prepare([]byte(`{"order_id":"ord_1"}`))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	raw, err := state.Persist()
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	wasPrepared, reloaded, err := workflow.Prepare(raw)
	if err != nil {
		t.Fatalf("re-prepare: %v", err)
	}
	if !wasPrepared {
		t.Fatal("expected wasPrepared=true on reload")
	}

	again, err := reloaded.Persist()
	if err != nil {
		t.Fatalf("persist reload: %v", err)
	}
	if string(again) != string(raw) {
		t.Errorf("round-trip mismatch:\n  first:  %s\n  second: %s", raw, again)
	}
}

func TestStepHandle_Complete_RecordsDuration(t *testing.T) {
	_, state, err := workflow.Prepare([]byte(`{}`))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	h := state.ForStep("step-a", workflow.StepTypeRun)
	h.Start()
	time.Sleep(time.Millisecond)
	h.Complete(json.RawMessage(`"ok"`))

	step := state.Steps["step-a"]
	if step.Metrics.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", step.Metrics.Duration)
	}
}

func TestStepHandle_Fail_RecordsDuration(t *testing.T) {
	_, state, err := workflow.Prepare([]byte(`{}`))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	h := state.ForStep("step-a", workflow.StepTypeRun)
	h.Start()
	time.Sleep(time.Millisecond)
	h.Fail(errors.New("boom"))

	step := state.Steps["step-a"]
	if step.Metrics.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", step.Metrics.Duration)
	}
}

func TestJobState_ForStep_FreshStepIsActive(t *testing.T) {
	_, state, err := workflow.Prepare([]byte(`{}`))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	h := state.ForStep("new-step", workflow.StepTypeSleep)
	if h.Status() != workflow.StepStatusActive {
		t.Errorf("status = %q, want active", h.Status())
	}
}
