// Package approval implements the human-in-the-loop gate: it classifies
// proposed actions, records approval requests and resolves them exactly once.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// Store is the slice of the persistent store the gate needs.
type Store interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, resolvedBy string, at time.Time) (*models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error)
}

// Proposal describes an action an agent wants to take.
type Proposal struct {
	WorkspaceID string
	AgentID     string
	PipelineID  string
	StepIndex   int
	ActionKind  models.ActionKind
	EntityType  string
	Payload     string
	TargetID    string
	Risk        models.RiskLevel
}

// Gate records and resolves approval requests.
type Gate struct {
	store   Store
	applier contracts.Applier
	resumer contracts.PipelineResumer
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGate creates a gate. applier performs approved actions that are not
// tied to a pipeline and may be nil.
func NewGate(s Store, applier contracts.Applier, m *metrics.Metrics) *Gate {
	return &Gate{store: s, applier: applier, metrics: m, now: time.Now}
}

// SetResumer wires the pipeline orchestrator. Pipeline-linked requests are
// handed to it on resolution instead of being applied directly.
func (g *Gate) SetResumer(r contracts.PipelineResumer) { g.resumer = r }

// Propose persists a pending approval request.
func (g *Gate) Propose(ctx context.Context, p Proposal) (*models.ApprovalRequest, error) {
	if p.WorkspaceID == "" {
		return nil, fmt.Errorf("propose: workspace is required")
	}
	if p.ActionKind == "" {
		p.ActionKind = models.ActionAgentAction
	}
	req := &models.ApprovalRequest{
		ID:          uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		AgentID:     p.AgentID,
		PipelineID:  p.PipelineID,
		StepIndex:   p.StepIndex,
		ActionKind:  p.ActionKind,
		EntityType:  p.EntityType,
		Payload:     p.Payload,
		TargetID:    p.TargetID,
		Risk:        p.Risk,
		Status:      models.ApprovalPending,
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	g.metrics.Approval("proposed")
	log.Info().
		Str("approval", req.ID).
		Str("workspace", req.WorkspaceID).
		Str("pipeline", req.PipelineID).
		Str("action", string(req.ActionKind)).
		Str("risk", req.Risk.String()).
		Msg("✋ Approval requested")
	return req, nil
}

// Resolve is the only mutator of an approval's status. Resolving a request
// that is no longer pending returns *models.InvalidStateError and changes
// nothing.
func (g *Gate) Resolve(ctx context.Context, id string, decision models.Decision, resolvedBy string) (*models.ApprovalRequest, error) {
	var status models.ApprovalStatus
	switch decision {
	case models.DecisionApprove:
		status = models.ApprovalApproved
	case models.DecisionReject:
		status = models.ApprovalRejected
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	req, err := g.store.ResolveApproval(ctx, id, status, resolvedBy, g.now().UTC())
	if err != nil {
		return nil, err
	}
	g.metrics.Approval(string(status))
	log.Info().
		Str("approval", req.ID).
		Str("status", string(status)).
		Str("resolved_by", resolvedBy).
		Msg("Approval resolved")

	switch {
	case req.PipelineID != "":
		if g.resumer == nil {
			return req, fmt.Errorf("approval %s belongs to pipeline %s but no resumer is wired", req.ID, req.PipelineID)
		}
		if err := g.resumer.ResumeAfterApproval(ctx, req); err != nil {
			return req, fmt.Errorf("resume pipeline %s: %w", req.PipelineID, err)
		}
	case status == models.ApprovalApproved && g.applier != nil:
		if err := g.applier.Apply(ctx, req); err != nil {
			return req, fmt.Errorf("apply approved action: %w", err)
		}
	}
	return req, nil
}

// Pending lists a workspace's pending requests, oldest first.
func (g *Gate) Pending(ctx context.Context, workspaceID string) ([]models.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, store.ApprovalFilter{WorkspaceID: workspaceID, Status: models.ApprovalPending})
}

// PendingForPipeline returns the pending request a pipeline is parked on.
func (g *Gate) PendingForPipeline(ctx context.Context, pipelineID string) (*models.ApprovalRequest, error) {
	list, err := g.store.ListApprovals(ctx, store.ApprovalFilter{PipelineID: pipelineID, Status: models.ApprovalPending, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &store.ErrNotFound{Entity: "approval", Key: "pipeline " + pipelineID}
	}
	return &list[0], nil
}

// Get returns one approval request.
func (g *Gate) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, id)
}
