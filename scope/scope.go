// Package scope carries multi-tenant identity (app and org IDs) across
// the context.Context boundary so it can be stamped onto jobs and workflow
// state on enqueue and restored when a job is re-dispatched after a
// suspend/requeue cycle.
package scope

import "context"

type contextKey struct{}

// Scope identifies the tenant an operation runs on behalf of.
type Scope struct {
	AppID string
	OrgID string
}

// Capture extracts the app and org identifiers from the context.
// Returns empty strings if no scope is present.
func Capture(ctx context.Context) (appID, orgID string) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	if !ok {
		return "", ""
	}
	return s.AppID, s.OrgID
}

// Restore attaches a scope to the context using the given app and org IDs.
// If both are empty, the context is returned unchanged (no-op).
func Restore(ctx context.Context, appID, orgID string) context.Context {
	if appID == "" && orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, Scope{AppID: appID, OrgID: orgID})
}
