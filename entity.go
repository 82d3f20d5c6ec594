package dispatch

import "time"

// Entity is embedded by every persisted Dispatch record (jobs, workflow
// state, cron entries, DLQ entries, events, workers). It carries the
// creation and last-update timestamps that every store backend reads
// and writes uniformly.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current time for both
// CreatedAt and UpdatedAt.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch refreshes UpdatedAt to the current time.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
