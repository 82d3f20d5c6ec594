// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED dequeue, row-based leader election on the workers
// table, polled event subscription, embedded SQL migrations.
package postgres
