package store

import (
	"context"
	"fmt"
	"time"

	"github.com/resonancehq/control-plane/pkg/models"
)

// Store is the persistence interface for the control plane.
// Implementations: MemoryStore (dev/tests, JSON snapshot) and SQLStore
// (PostgreSQL via pgx, SQLite via modernc).
//
// Invariants the implementations must uphold atomically:
//   - CreatePipeline inserts only if no non-terminal pipeline exists for
//     the same (user, workspace).
//   - TransitionPipeline is a compare-and-set on the current status.
//   - ResolveApproval only mutates a pending request.
//   - AddUsage is an additive increment.
type Store interface {
	IdentityStore
	WorkspaceStore
	AgentStore
	PipelineStore
	ApprovalStore
	UsageStore
	BudgetRuleStore
	ResonanceStore
	DocumentStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// IdentityStore manages chat-handle → user links.
type IdentityStore interface {
	PutIdentity(ctx context.Context, id *models.Identity) error
	GetIdentity(ctx context.Context, platform, handle string) (*models.Identity, error)
}

// WorkspaceStore manages tenants.
type WorkspaceStore interface {
	PutWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	// ListWorkspacesByOwner returns the user's workspaces, oldest first.
	ListWorkspacesByOwner(ctx context.Context, userID string) ([]models.Workspace, error)
}

// AgentStore manages agents.
type AgentStore interface {
	PutAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, workspaceID, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, workspaceID string) ([]models.Agent, error)
}

// PipelineFilter narrows ListPipelines.
type PipelineFilter struct {
	WorkspaceID string
	UserID      string
	Status      models.PipelineStatus
	Limit       int
}

// PipelineStore manages pipelines.
type PipelineStore interface {
	// CreatePipeline inserts p unless a non-terminal pipeline already exists
	// for (p.UserID, p.WorkspaceID); in that case it returns *models.ConflictError.
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	// GetActivePipeline returns the non-terminal pipeline for the pair, or ErrNotFound.
	GetActivePipeline(ctx context.Context, userID, workspaceID string) (*models.Pipeline, error)
	// FindRecentPipeline returns the newest pipeline with the same request text
	// created at or after since, or ErrNotFound.
	FindRecentPipeline(ctx context.Context, userID, workspaceID, requestText string, since time.Time) (*models.Pipeline, error)
	// TransitionPipeline persists p only if the stored status still equals from.
	// Returns *models.InvalidStateError otherwise.
	TransitionPipeline(ctx context.Context, p *models.Pipeline, from models.PipelineStatus) error
	// SavePipelineProgress persists steps/result fields without changing status.
	// Fails with *models.InvalidStateError if the stored status is not expected.
	SavePipelineProgress(ctx context.Context, p *models.Pipeline, expected models.PipelineStatus) error
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]models.Pipeline, error)
	// PurgePipelines deletes terminal pipelines completed before the cutoff,
	// together with their resolved approvals, and returns how many
	// pipelines were removed.
	PurgePipelines(ctx context.Context, before time.Time) (int, error)
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	WorkspaceID string
	PipelineID  string
	Status      models.ApprovalStatus
	Limit       int
}

// ApprovalStore manages approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	// ResolveApproval sets status/resolver/resolvedAt only if the request is
	// pending. Returns *models.InvalidStateError when it is not.
	ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, resolvedBy string, at time.Time) (*models.ApprovalRequest, error)
	// ListApprovals returns matches oldest first.
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]models.ApprovalRequest, error)
}

// UsageStore tracks per-workspace consumption.
type UsageStore interface {
	// AddUsage atomically increments the workspace counter.
	AddUsage(ctx context.Context, workspaceID string, tokens int64, cost float64) error
	// GetUsage returns the counter; a workspace with no usage yields zeros.
	GetUsage(ctx context.Context, workspaceID string) (*models.UsageCounter, error)
}

// BudgetRuleStore manages spending ceilings.
type BudgetRuleStore interface {
	PutBudgetRule(ctx context.Context, rule *models.BudgetRule) error
	ListBudgetRules(ctx context.Context, workspaceID string) ([]models.BudgetRule, error)
}

// ResonanceStore is append-only: there is no update or delete.
type ResonanceStore interface {
	AppendResonance(ctx context.Context, entry *models.ResonanceEntry) error
	// ListResonance returns all entries for the workspace, newest first.
	ListResonance(ctx context.Context, workspaceID string) ([]models.ResonanceEntry, error)
}

// DocumentStore keeps media references.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	ListDocuments(ctx context.Context, workspaceID string) ([]models.Document, error)
}

// ErrNotFound is returned when an entity doesn't exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Entity, e.Key)
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

func isActive(s models.PipelineStatus) bool {
	return !s.Terminal()
}
