package dispatch

import "context"

// Context is the execution context for plain job handlers. It is a simple
// alias for context.Context; multi-tenant scope is restored onto it via
// middleware.Scope before a handler runs. Workflow handlers get a richer,
// step-aware context instead: see workflow.Context.
type Context = context.Context
