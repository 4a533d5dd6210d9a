package models

import (
	"errors"
	"fmt"
)

// ── Error Taxonomy ───────────────────────────────────────────

// IdentityNotFoundError means the sender handle is not linked to a user.
type IdentityNotFoundError struct {
	Handle   string
	Platform string
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("no identity linked to %s handle %q", e.Platform, e.Handle)
}

// WorkspaceMissingError means the user has no workspace to work in.
type WorkspaceMissingError struct {
	UserID string
}

func (e *WorkspaceMissingError) Error() string {
	return fmt.Sprintf("user %s has no workspace", e.UserID)
}

// ConflictError is returned when a second pipeline is attempted while one
// is still active (or an identical request was just accepted).
type ConflictError struct {
	Active *Pipeline
}

func (e *ConflictError) Error() string {
	if e.Active == nil {
		return "conflict: a pipeline is already active"
	}
	return fmt.Sprintf("conflict: pipeline %s is %s", e.Active.ID, e.Active.Status)
}

// ProviderError wraps a failed backend call.
type ProviderError struct {
	Backend  string
	TaskKind TaskKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for %s: %v", e.Backend, e.TaskKind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// BudgetExceededError is a guard denial. Reason is user-facing.
type BudgetExceededError struct {
	WorkspaceID string
	RuleID      string
	Reason      string
}

func (e *BudgetExceededError) Error() string {
	return "budget exceeded: " + e.Reason
}

// InvalidStateError is returned when an operation does not apply to the
// current state of an entity.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Op, e.Entity, e.ID, e.State)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsBudgetExceeded reports whether err is (or wraps) a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var target *BudgetExceededError
	return errors.As(err, &target)
}

// IsInvalidState reports whether err is (or wraps) an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsIdentityNotFound reports whether err is (or wraps) an IdentityNotFoundError.
func IsIdentityNotFound(err error) bool {
	var target *IdentityNotFoundError
	return errors.As(err, &target)
}

// IsWorkspaceMissing reports whether err is (or wraps) a WorkspaceMissingError.
func IsWorkspaceMissing(err error) bool {
	var target *WorkspaceMissingError
	return errors.As(err, &target)
}
