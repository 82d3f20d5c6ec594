// Package dlq provides the dead letter queue for jobs that have exhausted
// their retry budget. It supports inspection, replay, and purging.
//
// When a job fails and MaxRetries has been reached, the executor calls
// [Service.Push] to move it into the DLQ. The original payload, error
// message, and retry counts are preserved for debugging.
//
// # Entry
//
// A [Entry] captures:
//   - JobID / JobName / Queue: original job identity
//   - Payload: the raw JSON payload at time of failure
//   - Error: the final error message
//   - RetryCount / MaxRetries: exhausted retry budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
// [Service] wraps the DLQ store with high-level operations:
//
//	svc := dlq.NewService(store, jobStore)
//
//	// Push is called automatically by the executor on terminal failure.
//	svc.Push(ctx, failedJob, err)
//
//	// Access the underlying store for list/get/purge/count.
//	svc.DLQStore().ListDLQ(ctx, dlq.ListOpts{Limit: 50})
//	svc.DLQStore().PurgeDLQ(ctx, time.Now().Add(-7*24*time.Hour))
//
// # Replay
//
// Replaying an entry re-enqueues the original job with the same payload.
// Call [Service.Replay]: it enqueues a new pending job and sets ReplayedAt
// on the DLQ entry. [Store.ReplayDLQ] on its own only sets ReplayedAt.
//
// # Operations
//
// The package exposes no HTTP endpoints; all operations are Go calls:
//   - [Store.ListDLQ]   — list entries
//   - [Store.GetDLQ]    — get a single entry
//   - [Service.Replay]  — replay one entry
//   - [Store.PurgeDLQ]  — remove entries that failed before a cutoff time
//   - [Store.CountDLQ]  — entry count
package dlq
