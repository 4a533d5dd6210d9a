// Package middleware provides shared context helpers for the control plane.
//
// This package lives in pkg/ (not internal/) so that gateway adapters
// built outside this module can scope their calls the same way.
package middleware

import "context"

type contextKey string

const workspaceKey contextKey = "workspace"

// GetWorkspace extracts the workspace ID from the context.
// Returns "" if no workspace is set.
func GetWorkspace(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceKey).(string); ok {
		return v
	}
	return ""
}

// SetWorkspace stores the workspace ID in the context.
func SetWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspaceID)
}
