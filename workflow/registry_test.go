package workflow_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/skriken/openqueue"
	"github.com/skriken/openqueue/job"
	"github.com/skriken/openqueue/workflow"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := workflow.NewRegistry()

	var got helloInput
	def := workflow.NewWorkflow("process-order", func(_ *workflow.Context, _ *job.Job, input helloInput) (any, error) {
		got = input
		return nil, nil
	})
	workflow.RegisterDefinition(r, def)

	runner, ok := r.Get("process-order")
	if !ok {
		t.Fatal("expected runner to be registered")
	}

	payload, _ := json.Marshal(helloInput{Name: "ord_123"})
	if _, err := runner(nil, &job.Job{}, payload); err != nil {
		t.Fatalf("runner: %v", err)
	}
	if got.Name != "ord_123" {
		t.Errorf("got.Name = %q, want ord_123", got.Name)
	}
}

func TestRegistry_VersionedRegistration(t *testing.T) {
	r := workflow.NewRegistry()

	v1 := &workflow.Definition[struct{}]{
		Name:    "versioned",
		Version: 1,
		Handler: func(_ *workflow.Context, _ *job.Job, _ struct{}) (any, error) { return "v1", nil },
	}
	v2 := &workflow.Definition[struct{}]{
		Name:    "versioned",
		Version: 2,
		Handler: func(_ *workflow.Context, _ *job.Job, _ struct{}) (any, error) { return "v2", nil },
	}
	workflow.RegisterDefinition(r, v1)
	workflow.RegisterDefinition(r, v2)

	if got := r.LatestVersion("versioned"); got != 2 {
		t.Errorf("LatestVersion = %d, want 2", got)
	}

	latest, ok := r.Get("versioned")
	if !ok {
		t.Fatal("expected Get to find the latest version")
	}
	res, err := latest(nil, &job.Job{}, nil)
	if err != nil {
		t.Fatalf("latest runner: %v", err)
	}
	if res != "v2" {
		t.Errorf("latest result = %v, want v2", res)
	}

	pinned, ok := r.GetVersion("versioned", 1)
	if !ok {
		t.Fatal("expected GetVersion(1) to find v1")
	}
	res, err = pinned(nil, &job.Job{}, nil)
	if err != nil {
		t.Fatalf("pinned runner: %v", err)
	}
	if res != "v1" {
		t.Errorf("pinned result = %v, want v1", res)
	}
}

func TestRegistry_ValidateVersion_SchemaMismatch(t *testing.T) {
	r := workflow.NewRegistry()
	def := workflow.NewWorkflow("needs-name", func(_ *workflow.Context, _ *job.Job, _ helloInput) (any, error) {
		return nil, nil
	})
	workflow.RegisterDefinition(r, def)

	_, err := r.ValidateVersion("needs-name", 1, []byte(`not json`))
	if !errors.Is(err, dispatch.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRegistry_ValidateVersion_Canonicalizes(t *testing.T) {
	r := workflow.NewRegistry()
	def := workflow.NewWorkflow("canon", func(_ *workflow.Context, _ *job.Job, _ helloInput) (any, error) {
		return nil, nil
	})
	workflow.RegisterDefinition(r, def)

	canon, err := r.ValidateVersion("canon", 1, []byte(`{"unexpected":"field","name":"ada"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var roundTripped helloInput
	if err := json.Unmarshal(canon, &roundTripped); err != nil {
		t.Fatalf("unmarshal canonical form: %v", err)
	}
	if roundTripped.Name != "ada" {
		t.Errorf("canonical name = %q, want ada", roundTripped.Name)
	}
}

func TestRegistry_Has(t *testing.T) {
	r := workflow.NewRegistry()
	if r.Has("missing") {
		t.Fatal("expected Has to be false for an unregistered name")
	}
	workflow.RegisterDefinition(r, workflow.NewWorkflow("present", func(_ *workflow.Context, _ *job.Job, _ struct{}) (any, error) {
		return nil, nil
	}))
	if !r.Has("present") {
		t.Fatal("expected Has to be true after registration")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := workflow.NewRegistry()
	workflow.RegisterDefinition(r, workflow.NewWorkflow("a", func(_ *workflow.Context, _ *job.Job, _ struct{}) (any, error) {
		return nil, nil
	}))
	workflow.RegisterDefinition(r, workflow.NewWorkflow("b", func(_ *workflow.Context, _ *job.Job, _ struct{}) (any, error) {
		return nil, nil
	}))

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
}
