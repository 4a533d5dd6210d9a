package approval_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		hint bool
		want models.RiskLevel
		kind models.ActionKind
	}{
		{"plain prose", "Las tendencias de IA incluyen agentes y modelos pequeños.", false, models.RiskNone, ""},
		{"prose mentioning delete", "Many teams delete stale data every quarter.", false, models.RiskNone, ""},
		{"imperative delete", "Delete the archived tasks", false, models.RiskIrreversible, models.ActionDelete},
		{"spanish bullet publish", "- Publicar el artículo en el blog", false, models.RiskIrreversible, models.ActionAgentAction},
		{"numbered create", "1. Crear una tarea para revisar el informe", false, models.RiskRoutine, models.ActionCreate},
		{"action line send", "Here is the draft.\nACTION: send email to the client", false, models.RiskIrreversible, models.ActionAgentAction},
		{"action line update", "ACTION: update the board title", false, models.RiskRoutine, models.ActionUpdate},
		{"bare hint", "Listo para continuar.", true, models.RiskRoutine, models.ActionAgentAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := approval.Classify(tt.text, tt.hint)
			assert.Equal(t, tt.want, got.Level)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, got.ActionKind)
			}
		})
	}
}

func TestRequiresApproval_SafetyFloor(t *testing.T) {
	for _, h := range []models.HITLLevel{models.HITLFullManual, models.HITLPlanOnly, models.HITLResultOnly, models.HITLAutonomous} {
		assert.True(t, approval.RequiresApproval(models.RiskIrreversible, h), "irreversible must be gated under %s", h)
		assert.False(t, approval.RequiresApproval(models.RiskNone, h))
	}
	assert.True(t, approval.RequiresApproval(models.RiskRoutine, models.HITLFullManual))
	assert.False(t, approval.RequiresApproval(models.RiskRoutine, models.HITLAutonomous))
}

func TestAgentLevel(t *testing.T) {
	assert.Equal(t, models.HITLFullManual, approval.AgentLevel(nil))
	assert.Equal(t, models.HITLFullManual, approval.AgentLevel(&models.Agent{}))
	assert.Equal(t, models.HITLAutonomous, approval.AgentLevel(&models.Agent{HITL: models.HITLAutonomous}))
}

type recordingApplier struct{ applied []string }

func (a *recordingApplier) Apply(ctx context.Context, req *models.ApprovalRequest) error {
	a.applied = append(a.applied, req.ID)
	return nil
}

type recordingResumer struct{ calls atomic.Int32 }

func (r *recordingResumer) ResumeAfterApproval(ctx context.Context, req *models.ApprovalRequest) error {
	r.calls.Add(1)
	return nil
}

func newGate(t *testing.T) (*approval.Gate, *recordingApplier, *recordingResumer) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	applier := &recordingApplier{}
	resumer := &recordingResumer{}
	g := approval.NewGate(s, applier, nil)
	g.SetResumer(resumer)
	return g, applier, resumer
}

func TestResolve_Standalone_AppliesOnApprove(t *testing.T) {
	ctx := context.Background()
	g, applier, resumer := newGate(t)

	req, err := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1", AgentID: "a1", ActionKind: models.ActionDelete, EntityType: "task", TargetID: "t-9", Risk: models.RiskIrreversible})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)

	resolved, err := g.Resolve(ctx, req.ID, models.DecisionApprove, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, resolved.Status)
	assert.Equal(t, []string{req.ID}, applier.applied)
	assert.Zero(t, resumer.calls.Load())
}

func TestResolve_RejectDoesNotApply(t *testing.T) {
	ctx := context.Background()
	g, applier, _ := newGate(t)

	req, err := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1", ActionKind: models.ActionCreate})
	require.NoError(t, err)
	_, err = g.Resolve(ctx, req.ID, models.DecisionReject, "user-1")
	require.NoError(t, err)
	assert.Empty(t, applier.applied)
}

func TestResolve_PipelineLinkedGoesToResumer(t *testing.T) {
	ctx := context.Background()
	g, applier, resumer := newGate(t)

	req, err := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1", PipelineID: "p-1", StepIndex: 1})
	require.NoError(t, err)

	found, err := g.PendingForPipeline(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, found.ID)

	_, err = g.Resolve(ctx, req.ID, models.DecisionApprove, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), resumer.calls.Load())
	assert.Empty(t, applier.applied, "pipeline-linked approvals are not applied directly")

	_, err = g.PendingForPipeline(ctx, "p-1")
	assert.True(t, store.IsNotFound(err))
}

func TestResolve_SecondResolutionIsInvalidState(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGate(t)

	req, err := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	_, err = g.Resolve(ctx, req.ID, models.DecisionApprove, "alice")
	require.NoError(t, err)

	_, err = g.Resolve(ctx, req.ID, models.DecisionReject, "bob")
	require.True(t, models.IsInvalidState(err), "got %v", err)

	stored, err := g.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, stored.Status)
	assert.Equal(t, "alice", stored.ResolvedBy)
}

func TestResolve_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	g, _, resumer := newGate(t)
	req, err := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1", PipelineID: "p-1"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Resolve(ctx, req.ID, models.DecisionApprove, "someone"); err == nil {
				winners.Add(1)
			} else {
				assert.True(t, models.IsInvalidState(err))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(1), resumer.calls.Load())
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGate(t)
	a, _ := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1"})
	_, _ = g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-2"})
	b, _ := g.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1"})
	_, err := g.Resolve(ctx, a.ID, models.DecisionReject, "u")
	require.NoError(t, err)

	list, err := g.Pending(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}
