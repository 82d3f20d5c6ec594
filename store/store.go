// Package store defines the aggregate persistence interface. Each subsystem
// (job, cron, dlq, event, cluster) defines its own store interface. The
// composite Store composes them all. Workflow state rides inside job.Job
// (Payload/ReturnValue), so there is no separate workflow store. Backends:
// Postgres, Bun, Redis, and Memory.
package store

import (
	"context"

	"github.com/skriken/openqueue/cluster"
	"github.com/skriken/openqueue/cron"
	"github.com/skriken/openqueue/dlq"
	"github.com/skriken/openqueue/event"
	"github.com/skriken/openqueue/job"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface — same pattern as ControlPlane.
// A single backend (postgres, bun, redis, memory) implements all of them.
type Store interface {
	job.Store
	cron.Store
	dlq.Store
	event.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
