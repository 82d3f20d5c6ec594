package workflow

import (
	"github.com/skriken/openqueue/job"
)

// Definition is a typed workflow definition with a handler function. T is
// the input type, JSON-marshaled into the job's canonical source on first
// dispatch and decoded back into T on every dispatch thereafter.
type Definition[T any] struct {
	// Name is the unique identifier for this workflow type, also used as
	// the job's queue name.
	Name string

	// Version pins the handler generation a job sticks to once it starts
	// executing, so that re-registering a workflow under a higher version
	// never changes the semantics of jobs already in flight. Zero defaults
	// to 1.
	Version int

	// Handler executes the workflow logic. Its return value, JSON-encoded,
	// becomes the job's external ReturnValue on successful completion.
	Handler func(ctx *Context, j *job.Job, input T) (any, error)

	// Options are the default job options applied when this workflow is
	// started via Start or invoked from another workflow via Invoke.
	Options job.Options
}

// NewWorkflow creates a typed workflow definition, applying opts over
// job.DefaultOptions() with Queue set to name.
func NewWorkflow[T any](name string, handler func(ctx *Context, j *job.Job, input T) (any, error), opts ...job.Option) *Definition[T] {
	options := job.DefaultOptions()
	options.Queue = name
	for _, opt := range opts {
		opt(&options)
	}
	return &Definition[T]{
		Name:    name,
		Handler: handler,
		Options: options,
	}
}
