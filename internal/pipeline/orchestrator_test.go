package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/events"
	"github.com/resonancehq/control-plane/internal/pipeline"
	"github.com/resonancehq/control-plane/internal/replies"
	"github.com/resonancehq/control-plane/internal/resonance"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

type replyFunc func(req *models.RouteRequest, call int) (*models.GenerateResult, error)

type scriptedLLM struct {
	mu    sync.Mutex
	calls []models.RouteRequest
	reply replyFunc
}

func (l *scriptedLLM) Route(ctx context.Context, req *models.RouteRequest) (*models.GenerateResult, error) {
	l.mu.Lock()
	l.calls = append(l.calls, *req)
	n := len(l.calls)
	l.mu.Unlock()
	if l.reply == nil {
		return okResult(fmt.Sprintf("output %d for %s", n, req.TaskKind)), nil
	}
	return l.reply(req, n)
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func okResult(text string) *models.GenerateResult {
	return &models.GenerateResult{
		Text:    text,
		Backend: "fake",
		Usage:   models.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, EstimatedCost: 0.001},
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
}

func (s *recordingSender) Send(ctx context.Context, msg models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) sent() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboundMessage(nil), s.msgs...)
}

type countingApplier struct{ n atomic.Int32 }

func (a *countingApplier) Apply(ctx context.Context, req *models.ApprovalRequest) error {
	a.n.Add(1)
	return nil
}

// ── Harness ─────────────────────────────────────────────────

type harness struct {
	o       *pipeline.Orchestrator
	store   *store.MemoryStore
	gate    *approval.Gate
	llm     *scriptedLLM
	sender  *recordingSender
	applier *countingApplier
	bus     *events.Bus
}

func newHarness(t *testing.T, hitl models.HITLLevel, cfg pipeline.Config) *harness {
	t.Helper()
	s := store.NewMemoryStore("")
	require.NoError(t, s.PutAgent(context.Background(), &models.Agent{
		ID: "agent-1", WorkspaceID: "ws-1", DisplayName: "Ada", HITL: hitl,
	}))

	h := &harness{
		store:   s,
		gate:    approval.NewGate(s, nil, nil),
		llm:     &scriptedLLM{},
		sender:  &recordingSender{},
		applier: &countingApplier{},
		bus:     events.NewBus(),
	}
	h.o = pipeline.New(pipeline.Deps{
		Store:   s,
		LLM:     h.llm,
		Gate:    h.gate,
		Bus:     h.bus,
		Sender:  h.sender,
		Memory:  resonance.New(s, nil),
		Applier: h.applier,
	}, cfg)
	h.gate.SetResumer(h.o)
	return h
}

func (h *harness) close() {
	h.o.Stop()
	_ = h.bus.Close()
	_ = h.store.Close()
}

func (h *harness) create(t *testing.T, text string) *models.Pipeline {
	t.Helper()
	p, err := h.o.Create(context.Background(), pipeline.CreateRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		AgentID:     "agent-1",
		RequestText: text,
		Channel:     "whatsapp",
		ReplyTo:     "+34600000000",
		Lang:        "es",
	})
	require.NoError(t, err)
	return p
}

func (h *harness) load(t *testing.T, id string) *models.Pipeline {
	t.Helper()
	p, err := h.store.GetPipeline(context.Background(), id)
	require.NoError(t, err)
	return p
}

// ── Creation ────────────────────────────────────────────────

func TestCreate_StartsInProgressWithRoleSteps(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	p := h.create(t, "Necesito un informe sobre tendencias de IA")
	assert.Equal(t, models.PipelineInProgress, p.Status)

	roles := config.DefaultRouting().Roles
	require.Len(t, p.Steps, len(roles))
	for i, r := range roles {
		assert.Equal(t, r.Name, p.Steps[i].Role)
		assert.Equal(t, r.TaskKind, p.Steps[i].TaskKind)
		assert.Equal(t, models.StepPending, p.Steps[i].Status)
	}
	assert.Equal(t, models.PipelineInProgress, h.load(t, p.ID).Status)
}

func TestCreate_ConflictWhileActive(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	first := h.create(t, "Prepara el plan de lanzamiento")
	_, err := h.o.Create(context.Background(), pipeline.CreateRequest{
		WorkspaceID: "ws-1", UserID: "user-1", RequestText: "Otra cosa distinta",
	})
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.Active.ID)

	// Other users in the same workspace are independent.
	_, err = h.o.Create(context.Background(), pipeline.CreateRequest{
		WorkspaceID: "ws-1", UserID: "user-2", RequestText: "Otra cosa distinta",
	})
	require.NoError(t, err)
}

func TestCreate_DedupeWindowRefusesRecentIdenticalRequest(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{DedupeWindow: time.Minute})
	defer h.close()

	p := h.create(t, "Resume las ventas del trimestre")
	h.o.Run(context.Background(), p.ID)
	require.Equal(t, models.PipelineCompleted, h.load(t, p.ID).Status)

	_, err := h.o.Create(context.Background(), pipeline.CreateRequest{
		WorkspaceID: "ws-1", UserID: "user-1", RequestText: "Resume las ventas del trimestre",
	})
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, p.ID, conflict.Active.ID)

	_, err = h.o.Create(context.Background(), pipeline.CreateRequest{
		WorkspaceID: "ws-1", UserID: "user-1", RequestText: "Resume las ventas del año",
	})
	require.NoError(t, err)
}

func TestCreate_ConcurrentSamePairSingleWinner(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.o.Create(context.Background(), pipeline.CreateRequest{
				WorkspaceID: "ws-1", UserID: "user-1", RequestText: fmt.Sprintf("request %d", i),
			})
			if err == nil {
				winners.Add(1)
				return
			}
			assert.True(t, models.IsConflict(err), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

// ── Execution ───────────────────────────────────────────────

func TestRun_WorkerPoolCompletesAndNotifiesOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, models.HITLAutonomous, pipeline.Config{Workers: 2})
	require.NoError(t, h.o.Start(context.Background()))

	p := h.create(t, "Necesito un informe sobre tendencias de IA")
	require.NoError(t, h.o.Submit(context.Background(), p))

	require.Eventually(t, func() bool {
		return h.load(t, p.ID).Status == models.PipelineCompleted
	}, 5*time.Second, 10*time.Millisecond)
	h.close()

	done := h.load(t, p.ID)
	assert.Equal(t, "output 3 for summarization", done.Result)
	assert.Equal(t, int64(90), done.TotalTokens)
	assert.NotNil(t, done.CompletedAt)
	for _, s := range done.Steps {
		assert.Equal(t, models.StepCompleted, s.Status)
	}

	msgs := h.sender.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+34600000000", msgs[0].To)
	assert.Equal(t, replies.Text("es", replies.Completed, done.Result), msgs[0].Text)

	lessons, err := h.store.ListResonance(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, "Necesito un informe sobre tendencias de IA", lessons[0].Topic)
}

func TestRun_StepsSeeEarlierOutputs(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	p := h.create(t, "Escribe un artículo")
	h.o.Run(context.Background(), p.ID)

	require.Equal(t, 3, h.llm.callCount())
	last := h.llm.calls[2]
	assert.Contains(t, last.Context, "## research\noutput 1")
	assert.Contains(t, last.Context, "## write\noutput 2")
	assert.Equal(t, "ws-1", last.WorkspaceID)
	assert.Equal(t, models.TaskSummarization, last.TaskKind)
}

func TestRun_ProviderFailureSendsGenericMessage(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()
	h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
		if call == 2 {
			return nil, &models.ProviderError{Backend: "anthropic", TaskKind: req.TaskKind, Err: errors.New("upstream 529 overloaded")}
		}
		return okResult("fine"), nil
	}

	p := h.create(t, "Redacta la propuesta")
	h.o.Run(context.Background(), p.ID)

	failed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineFailed, failed.Status)
	assert.Equal(t, models.FailureProvider, failed.FailureReason)
	assert.Equal(t, models.StepCompleted, failed.Steps[0].Status)
	assert.Equal(t, models.StepFailed, failed.Steps[1].Status)
	assert.Equal(t, models.StepPending, failed.Steps[2].Status)

	msgs := h.sender.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, replies.Text("es", replies.Failed), msgs[0].Text)
	assert.NotContains(t, msgs[0].Text, "529")
}

func TestRun_BudgetDenialSendsBudgetMessage(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()
	h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
		return nil, &models.BudgetExceededError{WorkspaceID: req.WorkspaceID, Reason: "monthly token limit reached (100 of 100 tokens used)"}
	}

	p := h.create(t, "Analiza la competencia")
	h.o.Run(context.Background(), p.ID)

	failed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineFailed, failed.Status)
	assert.Equal(t, models.FailureBudget, failed.FailureReason)

	msgs := h.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "monthly token limit reached")
}

func TestRun_StepTimeoutFailsPipeline(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{StepTimeout: 20 * time.Millisecond})
	defer h.close()
	h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, errors.New("no answer in time")
	}

	p := h.create(t, "Investiga el mercado")
	h.o.Run(context.Background(), p.ID)

	failed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineFailed, failed.Status)
	assert.Equal(t, models.FailureTimeout, failed.FailureReason)
	assert.Len(t, h.sender.sent(), 1)
}

func TestRun_InterruptedRunStaysInProgress(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()
	ctx, cancel := context.WithCancel(context.Background())
	h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
		cancel()
		return nil, context.Canceled
	}

	p := h.create(t, "Planifica la semana")
	h.o.Run(ctx, p.ID)

	assert.Equal(t, models.PipelineInProgress, h.load(t, p.ID).Status)
	assert.Empty(t, h.sender.sent())
}

func TestRun_SimulationSkipsRouter(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{Simulation: true})
	defer h.close()

	p := h.create(t, "Necesito un informe")
	h.o.Run(context.Background(), p.ID)

	done := h.load(t, p.ID)
	assert.Equal(t, models.PipelineCompleted, done.Status)
	assert.Zero(t, done.TotalTokens)
	assert.Zero(t, h.llm.callCount())
}

func TestRun_SkipsNonRunnablePipeline(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	p := h.create(t, "Algo")
	h.o.Run(context.Background(), p.ID)
	h.o.Run(context.Background(), p.ID)
	assert.Equal(t, 3, h.llm.callCount(), "a completed pipeline is not run again")
}

// ── Approval ────────────────────────────────────────────────

func riskyOnFirstStep(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
	if call == 1 {
		return okResult("Borrador listo.\nACTION: send email to the client"), nil
	}
	return okResult(fmt.Sprintf("output %d", call)), nil
}

func TestApproval_ParksThenResumesToCompletion(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Escribe y envía el correo al cliente")
	h.o.Run(ctx, p.ID)

	parked := h.load(t, p.ID)
	require.Equal(t, models.PipelineAwaitingApproval, parked.Status)
	assert.Equal(t, models.StepAwaitingApproval, parked.Steps[0].Status)
	assert.Equal(t, 1, h.llm.callCount(), "no step runs while parked")

	pending, err := h.gate.PendingForPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RiskIrreversible, pending.Risk)
	assert.Equal(t, parked.Steps[0].ApprovalID, pending.ID)

	msgs := h.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "send email to the client")

	req, err := h.o.Decide(ctx, "user-1", "ws-1", models.DecisionApprove, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, req.Status)
	assert.Equal(t, int32(1), h.applier.n.Load())

	resumed := h.load(t, p.ID)
	require.Equal(t, models.PipelineInProgress, resumed.Status)
	assert.Equal(t, 1, resumed.CurrentStep)

	h.o.Run(ctx, p.ID)
	done := h.load(t, p.ID)
	assert.Equal(t, models.PipelineCompleted, done.Status)
	assert.Equal(t, "output 3", done.Result)

	_, err = h.gate.PendingForPipeline(ctx, p.ID)
	assert.True(t, store.IsNotFound(err))
}

func TestApproval_LastStepApprovalCompletes(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
		if call == 3 {
			return okResult("Publicar el artículo en el blog"), nil
		}
		return okResult("notes"), nil
	}
	ctx := context.Background()

	p := h.create(t, "Prepara el artículo")
	h.o.Run(ctx, p.ID)
	require.Equal(t, models.PipelineAwaitingApproval, h.load(t, p.ID).Status)

	_, err := h.o.Decide(ctx, "user-1", "ws-1", models.DecisionApprove, "user-1")
	require.NoError(t, err)

	done := h.load(t, p.ID)
	assert.Equal(t, models.PipelineCompleted, done.Status)
	assert.Equal(t, "Publicar el artículo en el blog", done.Result)
}

func TestApproval_RejectFailsWithOneMessage(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Envía el resumen al equipo")
	h.o.Run(ctx, p.ID)
	before := len(h.sender.sent())

	_, err := h.o.Decide(ctx, "user-1", "ws-1", models.DecisionReject, "user-1")
	require.NoError(t, err)

	failed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineFailed, failed.Status)
	assert.Equal(t, models.FailureRejected, failed.FailureReason)
	assert.Zero(t, h.applier.n.Load())

	msgs := h.sender.sent()
	require.Len(t, msgs, before+1)
	assert.Equal(t, replies.Text("es", replies.Rejected), msgs[len(msgs)-1].Text)
}

func TestApproval_SecondResolutionIsInvalidState(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Envía el informe")
	h.o.Run(ctx, p.ID)
	pending, err := h.gate.PendingForPipeline(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.gate.Resolve(ctx, pending.ID, models.DecisionApprove, "alice")
	require.NoError(t, err)
	_, err = h.gate.Resolve(ctx, pending.ID, models.DecisionReject, "bob")
	require.True(t, models.IsInvalidState(err), "got %v", err)

	assert.Equal(t, models.PipelineInProgress, h.load(t, p.ID).Status)
}

func TestApproval_ResumeRequiresAwaitingState(t *testing.T) {
	h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
	defer h.close()

	p := h.create(t, "Algo")
	err := h.o.ResumeAfterApproval(context.Background(), &models.ApprovalRequest{
		ID: "a-1", PipelineID: p.ID, Status: models.ApprovalApproved,
	})
	assert.True(t, models.IsInvalidState(err))
}

func TestApproval_AutonomyAndSafetyFloor(t *testing.T) {
	t.Run("autonomous skips routine", func(t *testing.T) {
		h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
		defer h.close()
		h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
			return okResult("ACTION: update the board title"), nil
		}
		p := h.create(t, "Ordena el tablero")
		h.o.Run(context.Background(), p.ID)
		assert.Equal(t, models.PipelineCompleted, h.load(t, p.ID).Status)
	})

	t.Run("autonomous still gates irreversible", func(t *testing.T) {
		h := newHarness(t, models.HITLAutonomous, pipeline.Config{})
		defer h.close()
		h.llm.reply = func(req *models.RouteRequest, call int) (*models.GenerateResult, error) {
			return okResult("ACTION: delete the archived tasks"), nil
		}
		p := h.create(t, "Limpia el tablero")
		h.o.Run(context.Background(), p.ID)
		assert.Equal(t, models.PipelineAwaitingApproval, h.load(t, p.ID).Status)
	})
}

func TestDecide_FallsBackToStandaloneApproval(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	ctx := context.Background()

	standalone, err := h.gate.Propose(ctx, approval.Proposal{WorkspaceID: "ws-1", ActionKind: models.ActionCreate})
	require.NoError(t, err)

	req, err := h.o.Decide(ctx, "user-1", "ws-1", models.DecisionApprove, "user-1")
	require.NoError(t, err)
	assert.Equal(t, standalone.ID, req.ID)

	_, err = h.o.Decide(ctx, "user-1", "ws-1", models.DecisionApprove, "user-1")
	assert.True(t, store.IsNotFound(err))
}

// ── Recovery ────────────────────────────────────────────────

func TestRecover_RequeuesInProgress(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, models.HITLAutonomous, pipeline.Config{Workers: 1})
	p := h.create(t, "Trabajo interrumpido")

	require.NoError(t, h.o.Start(context.Background()))
	n, err := h.o.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return h.load(t, p.ID).Status == models.PipelineCompleted
	}, 5*time.Second, 10*time.Millisecond)
	h.close()
}

func TestRecover_ResumesPipelineWithDecidedApproval(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Escribe y envía el correo al cliente")
	h.o.Run(ctx, p.ID)
	pending, err := h.gate.PendingForPipeline(ctx, p.ID)
	require.NoError(t, err)

	// Decision committed, process gone before the pipeline moved on.
	_, err = h.store.ResolveApproval(ctx, pending.ID, models.ApprovalApproved, "user-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, models.PipelineAwaitingApproval, h.load(t, p.ID).Status)

	n, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resumed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineInProgress, resumed.Status)
	assert.Equal(t, 1, resumed.CurrentStep)
	assert.Equal(t, int32(1), h.applier.n.Load())

	n, err = h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the in_progress re-queue")
	assert.Equal(t, int32(1), h.applier.n.Load(), "action dispatched once")
}

func TestRecover_RejectedApprovalFailsParkedPipeline(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Envía el resumen al equipo")
	h.o.Run(ctx, p.ID)
	pending, err := h.gate.PendingForPipeline(ctx, p.ID)
	require.NoError(t, err)
	_, err = h.store.ResolveApproval(ctx, pending.ID, models.ApprovalRejected, "user-1", time.Now())
	require.NoError(t, err)

	_, err = h.o.Recover(ctx)
	require.NoError(t, err)
	failed := h.load(t, p.ID)
	assert.Equal(t, models.PipelineFailed, failed.Status)
	assert.Equal(t, models.FailureRejected, failed.FailureReason)
	assert.Zero(t, h.applier.n.Load())
}

func TestRecover_PendingApprovalStaysParked(t *testing.T) {
	h := newHarness(t, models.HITLFullManual, pipeline.Config{})
	defer h.close()
	h.llm.reply = riskyOnFirstStep
	ctx := context.Background()

	p := h.create(t, "Envía el informe")
	h.o.Run(ctx, p.ID)

	n, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.PipelineAwaitingApproval, h.load(t, p.ID).Status)
}

func TestProgressText(t *testing.T) {
	p := &models.Pipeline{
		Lang:        "en",
		Status:      models.PipelineInProgress,
		CurrentStep: 1,
		Steps:       []models.PipelineStep{{Role: "research"}, {Role: "write"}, {Role: "review"}},
	}
	got := pipeline.ProgressText(p)
	assert.True(t, strings.Contains(got, "step 2 of 3: write"), got)
}
