// Package pipeline implements the Pipeline Orchestrator.
//
// A pipeline is one substantial user request decomposed into ordered role
// steps (research, write, review, ...). Execution flow:
//  1. Create persists the pipeline and moves it to in_progress
//  2. Submit queues a run on the event bus; a bounded worker pool picks it up
//  3. Each step calls the Provider Router with the step's task kind
//  4. A step whose output needs approval parks the pipeline in
//     awaiting_approval and releases the worker
//  5. Resolving the approval resumes (or fails) the pipeline
//  6. The consolidated result is delivered over the chat gateway
//
// The persisted pipeline row is the source of truth. Workers hold no state
// between steps beyond what they save, so a restart resumes via Recover.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/events"
	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/replies"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/internal/telemetry"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

const (
	defaultWorkers     = 4
	defaultStepTimeout = 2 * time.Minute
	recallLimit        = 3
	lessonTopicRunes   = 80
	lessonContentRunes = 500
)

// Generator is the Provider Router surface the orchestrator calls.
type Generator interface {
	Route(ctx context.Context, req *models.RouteRequest) (*models.GenerateResult, error)
}

// Gate is the Approval Gate surface the orchestrator calls.
type Gate interface {
	Propose(ctx context.Context, p approval.Proposal) (*models.ApprovalRequest, error)
	Resolve(ctx context.Context, id string, decision models.Decision, resolvedBy string) (*models.ApprovalRequest, error)
	Pending(ctx context.Context, workspaceID string) ([]models.ApprovalRequest, error)
	PendingForPipeline(ctx context.Context, pipelineID string) (*models.ApprovalRequest, error)
}

// Memory recalls workspace lessons for prompts and records new ones.
type Memory interface {
	Recall(ctx context.Context, workspaceID, text string, limit int) string
	Append(ctx context.Context, workspaceID, agentID, topic, content string) (*models.ResonanceEntry, error)
}

// Deps are the orchestrator's collaborators. Memory, Applier, Sender and
// Metrics are optional.
type Deps struct {
	Store   store.Store
	LLM     Generator
	Gate    Gate
	Bus     *events.Bus
	Sender  contracts.Sender
	Memory  Memory
	Applier contracts.Applier
	Metrics *metrics.Metrics
}

// Config tunes execution.
type Config struct {
	Workers      int
	StepTimeout  time.Duration
	DedupeWindow time.Duration
	Roles        []config.Role
	// Simulation answers every step with a canned zero-cost output without
	// touching the router or the budget guard.
	Simulation bool
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	WorkspaceID string
	UserID      string
	AgentID     string
	RequestText string
	Channel     string
	ReplyTo     string
	Lang        string
}

// StepTimeoutError reports a step that exceeded its time budget.
type StepTimeoutError struct {
	Role    string
	Timeout time.Duration
	Err     error
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s: %v", e.Role, e.Timeout, e.Err)
}

func (e *StepTimeoutError) Unwrap() error { return e.Err }

// Orchestrator drives pipelines through their state machine.
type Orchestrator struct {
	store   store.Store
	llm     Generator
	gate    Gate
	bus     *events.Bus
	sender  contracts.Sender
	memory  Memory
	applier contracts.Applier
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	// locks serializes creation and approval handling per (user, workspace)
	// inside this process; the store's conditional writes cover the rest.
	locks   *keyedLocks
	running sync.Map // pipeline ID → struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. The role table is copied and never mutated.
func New(d Deps, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	roles := cfg.Roles
	if len(roles) == 0 {
		roles = config.DefaultRouting().Roles
	}
	cfg.Roles = append([]config.Role(nil), roles...)

	return &Orchestrator{
		store:   d.Store,
		llm:     d.LLM,
		gate:    d.Gate,
		bus:     d.Bus,
		sender:  d.Sender,
		memory:  d.Memory,
		applier: d.Applier,
		metrics: d.Metrics,
		cfg:     cfg,
		now:     time.Now,
		locks:   newKeyedLocks(),
	}
}

// ── Lifecycle ───────────────────────────────────────────────

// Start subscribes to the run queue and dispatches runs onto a bounded
// worker pool. Runs submitted before Start are not delivered.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := o.bus.Subscribe(ctx, events.TopicPipelineRun)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", events.TopicPipelineRun, err)
	}
	o.cancel = cancel
	o.done = make(chan struct{})

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)

	go func() {
		defer close(o.done)
		for msg := range msgs {
			// Acked up front: the bus holds back the next message until then,
			// and the pipeline row, not the message, carries the state.
			msg.Ack()
			var rr events.RunRequest
			if err := json.Unmarshal(msg.Payload, &rr); err != nil || rr.PipelineID == "" {
				log.Warn().Err(err).Str("message", msg.UUID).Msg("Dropping malformed run request")
				continue
			}
			id := rr.PipelineID
			g.Go(func() error {
				o.Run(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}()

	log.Info().Int("workers", o.cfg.Workers).Dur("step_timeout", o.cfg.StepTimeout).Msg("⚙️  Pipeline workers started")
	return nil
}

// Stop cancels in-flight runs and waits for the workers to exit. Runs cut
// short stay in_progress and are picked up again by Recover.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	log.Info().Msg("Pipeline workers stopped")
}

// Recover re-queues pipelines left in_progress by a previous process and
// advances any stuck in created. A pipeline awaiting approval stays parked
// while its request is pending; one whose request was already resolved is
// resumed with that decision.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	created, err := o.store.ListPipelines(ctx, store.PipelineFilter{Status: models.PipelineCreated})
	if err != nil {
		return 0, fmt.Errorf("list created pipelines: %w", err)
	}
	for i := range created {
		p := &created[i]
		p.Status = models.PipelineInProgress
		p.UpdatedAt = o.now().UTC()
		if err := o.store.TransitionPipeline(ctx, p, models.PipelineCreated); err != nil && !models.IsInvalidState(err) {
			return 0, err
		}
	}

	running, err := o.store.ListPipelines(ctx, store.PipelineFilter{Status: models.PipelineInProgress})
	if err != nil {
		return 0, fmt.Errorf("list in-progress pipelines: %w", err)
	}
	for i := range running {
		if err := o.Submit(ctx, &running[i]); err != nil {
			return i, err
		}
	}
	if len(running) > 0 {
		log.Info().Int("pipelines", len(running)).Msg("♻️  Re-queued interrupted pipelines")
	}

	// After the in_progress pass, so resumed pipelines are queued once.
	resumed, err := o.recoverParked(ctx)
	return len(running) + resumed, err
}

// recoverParked resumes awaiting_approval pipelines whose current step's
// approval is no longer pending. Resumed pipelines that move back to
// in_progress are queued by ResumeAfterApproval itself.
func (o *Orchestrator) recoverParked(ctx context.Context) (int, error) {
	parked, err := o.store.ListPipelines(ctx, store.PipelineFilter{Status: models.PipelineAwaitingApproval})
	if err != nil {
		return 0, fmt.Errorf("list parked pipelines: %w", err)
	}
	var resumed int
	for i := range parked {
		p := &parked[i]
		approvals, err := o.store.ListApprovals(ctx, store.ApprovalFilter{PipelineID: p.ID})
		if err != nil {
			return resumed, fmt.Errorf("list approvals for %s: %w", p.ID, err)
		}
		req := decidedForStep(approvals, p.CurrentStep)
		if req == nil {
			continue
		}
		if err := o.ResumeAfterApproval(ctx, req); err != nil {
			log.Error().Err(err).Str("pipeline_id", p.ID).Str("approval_id", req.ID).Msg("Failed to resume decided pipeline")
			continue
		}
		resumed++
	}
	if resumed > 0 {
		log.Info().Int("pipelines", resumed).Msg("♻️  Resumed pipelines with decided approvals")
	}
	return resumed, nil
}

// decidedForStep returns the newest resolved approval for step, or nil when
// the step has none or is still waiting on a pending one.
func decidedForStep(approvals []models.ApprovalRequest, step int) *models.ApprovalRequest {
	var decided *models.ApprovalRequest
	for i := range approvals {
		a := &approvals[i]
		if a.StepIndex != step {
			continue
		}
		if a.Status == models.ApprovalPending {
			return nil
		}
		decided = a
	}
	return decided
}

// ── Creation ────────────────────────────────────────────────

// Create persists a new pipeline and moves it to in_progress. It returns
// *models.ConflictError when the pair already has a non-terminal pipeline
// or an identical request was accepted within the dedupe window. Create
// does not run the pipeline; call Submit.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.Pipeline, error) {
	req.RequestText = strings.TrimSpace(req.RequestText)
	if req.WorkspaceID == "" || req.UserID == "" || req.RequestText == "" {
		return nil, fmt.Errorf("create pipeline: workspace, user and request text are required")
	}
	if req.Lang == "" {
		req.Lang = replies.DefaultLang
	}

	unlock := o.locks.Lock(userKey(req.UserID, req.WorkspaceID))
	defer unlock()

	now := o.now().UTC()
	if o.cfg.DedupeWindow > 0 {
		recent, err := o.store.FindRecentPipeline(ctx, req.UserID, req.WorkspaceID, req.RequestText, now.Add(-o.cfg.DedupeWindow))
		switch {
		case err == nil:
			return nil, &models.ConflictError{Active: recent}
		case !store.IsNotFound(err):
			return nil, fmt.Errorf("dedupe lookup: %w", err)
		}
	}

	p := &models.Pipeline{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		RequestText: req.RequestText,
		Channel:     req.Channel,
		ReplyTo:     req.ReplyTo,
		Lang:        req.Lang,
		Status:      models.PipelineCreated,
		Steps:       o.decompose(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreatePipeline(ctx, p); err != nil {
		return nil, err
	}
	o.metrics.PipelineStatus(string(models.PipelineCreated))

	p.Status = models.PipelineInProgress
	if err := o.store.TransitionPipeline(ctx, p, models.PipelineCreated); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	o.metrics.PipelineStatus(string(p.Status))
	o.emit(p, "")

	log.Info().
		Str("pipeline_id", p.ID).
		Str("workspace", p.WorkspaceID).
		Str("user", p.UserID).
		Int("steps", len(p.Steps)).
		Msg("🚀 Pipeline created")
	return p, nil
}

// Submit queues p for execution on the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, p *models.Pipeline) error {
	if err := o.bus.Publish(events.TopicPipelineRun, p.ID, p.WorkspaceID, events.RunRequest{PipelineID: p.ID}); err != nil {
		return fmt.Errorf("queue pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (o *Orchestrator) decompose() []models.PipelineStep {
	steps := make([]models.PipelineStep, len(o.cfg.Roles))
	for i, r := range o.cfg.Roles {
		steps[i] = models.PipelineStep{Role: r.Name, TaskKind: r.TaskKind, Status: models.StepPending}
	}
	return steps
}

// ── Execution ───────────────────────────────────────────────

// Run drives pipeline id from its current step until it completes, fails
// or parks on an approval. Only in_progress pipelines run; a pipeline
// already running in this process is skipped.
func (o *Orchestrator) Run(ctx context.Context, id string) {
	if _, busy := o.running.LoadOrStore(id, struct{}{}); busy {
		log.Debug().Str("pipeline_id", id).Msg("Pipeline already running")
		return
	}
	defer o.running.Delete(id)
	o.metrics.RunStarted()
	defer o.metrics.RunFinished()

	p, err := o.store.GetPipeline(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("pipeline_id", id).Msg("Failed to load pipeline")
		return
	}
	if p.Status != models.PipelineInProgress {
		log.Debug().Str("pipeline_id", id).Str("status", string(p.Status)).Msg("Pipeline not runnable")
		return
	}

	agent := o.agent(ctx, p)
	var memory string
	if o.memory != nil && !o.cfg.Simulation {
		memory = o.memory.Recall(ctx, p.WorkspaceID, p.RequestText, recallLimit)
	}

	for p.CurrentStep < len(p.Steps) {
		i := p.CurrentStep
		step := &p.Steps[i]
		if step.Status == models.StepCompleted {
			p.CurrentStep++
			continue
		}

		started := o.now().UTC()
		step.Status = models.StepRunning
		step.StartedAt = &started
		p.CurrentRole = step.Role
		p.UpdatedAt = started
		if err := o.store.SavePipelineProgress(ctx, p, models.PipelineInProgress); err != nil {
			log.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Pipeline changed underneath the worker, stopping")
			return
		}
		o.emit(p, "")

		res, err := o.executeStep(ctx, p, i, agent, memory)
		if err != nil {
			if ctx.Err() != nil {
				log.Warn().Str("pipeline_id", p.ID).Str("role", step.Role).Msg("Pipeline interrupted, left for recovery")
				return
			}
			failedAt := o.now().UTC()
			step.Status = models.StepFailed
			step.CompletedAt = &failedAt
			log.Error().
				Err(err).
				Str("pipeline_id", p.ID).
				Str("role", step.Role).
				Int("step", i).
				Msg("❌ Step failed")
			_ = o.fail(ctx, p, models.PipelineInProgress, failureReason(err), err)
			return
		}

		usage := res.Usage
		step.Output = res.Text
		step.Backend = res.Backend
		step.Usage = &usage
		p.TotalTokens += usage.TotalTokens
		p.TotalCost += usage.EstimatedCost

		assessment := approval.Classify(res.Text, res.RequiresApprovalHint)
		if approval.RequiresApproval(assessment.Level, approval.AgentLevel(agent)) {
			o.park(ctx, p, i, assessment)
			return
		}

		finished := o.now().UTC()
		step.Status = models.StepCompleted
		step.CompletedAt = &finished
		p.CurrentStep++
		p.UpdatedAt = finished
		if err := o.store.SavePipelineProgress(ctx, p, models.PipelineInProgress); err != nil {
			log.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Pipeline changed underneath the worker, stopping")
			return
		}
		log.Info().
			Str("pipeline_id", p.ID).
			Str("role", step.Role).
			Str("backend", res.Backend).
			Int64("tokens", usage.TotalTokens).
			Msg("✅ Step completed")
	}

	_ = o.complete(ctx, p, models.PipelineInProgress)
}

func (o *Orchestrator) executeStep(ctx context.Context, p *models.Pipeline, i int, agent *models.Agent, memory string) (*models.GenerateResult, error) {
	step := p.Steps[i]
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline_id", p.ID),
		attribute.String("role", step.Role),
		attribute.Int("step", i),
	)
	start := time.Now()
	defer func() { o.metrics.Step(step.Role, time.Since(start)) }()

	if o.cfg.Simulation {
		return &models.GenerateResult{
			Text:    fmt.Sprintf("[%s] %s", step.Role, p.RequestText),
			Backend: "simulation",
			Model:   "simulation",
		}, nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	res, err := o.llm.Route(stepCtx, o.stepRequest(p, i, agent, memory))
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &StepTimeoutError{Role: step.Role, Timeout: o.cfg.StepTimeout, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// stepRequest builds the router call for step i: the role prompt as system
// text, the original request as prompt, and recalled memory plus earlier
// step outputs as context.
func (o *Orchestrator) stepRequest(p *models.Pipeline, i int, agent *models.Agent, memory string) *models.RouteRequest {
	step := p.Steps[i]
	system := o.rolePrompt(step.Role)
	if agent != nil && agent.Persona != "" {
		system = agent.Persona + "\n\n" + system
	}

	var b strings.Builder
	if memory != "" {
		b.WriteString(memory)
		b.WriteString("\n")
	}
	for _, prev := range p.Steps[:i] {
		if prev.Output == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", prev.Role, prev.Output)
	}

	return &models.RouteRequest{
		GenerateRequest: models.GenerateRequest{
			TaskKind: step.TaskKind,
			System:   system,
			Prompt:   p.RequestText,
			Context:  strings.TrimSpace(b.String()),
		},
		WorkspaceID: p.WorkspaceID,
		AgentID:     p.AgentID,
	}
}

func (o *Orchestrator) rolePrompt(name string) string {
	for _, r := range o.cfg.Roles {
		if r.Name == name {
			return r.Prompt
		}
	}
	return ""
}

// park moves the pipeline to awaiting_approval and files the approval
// request. The worker returns right after; nothing waits in memory.
func (o *Orchestrator) park(ctx context.Context, p *models.Pipeline, i int, a approval.Assessment) {
	step := &p.Steps[i]
	step.Status = models.StepAwaitingApproval
	p.Status = models.PipelineAwaitingApproval
	p.UpdatedAt = o.now().UTC()
	if err := o.store.TransitionPipeline(ctx, p, models.PipelineInProgress); err != nil {
		log.Error().Err(err).Str("pipeline_id", p.ID).Msg("Failed to park pipeline")
		return
	}
	o.metrics.PipelineStatus(string(p.Status))

	action := a.Action
	if action == "" {
		action = truncateRunes(step.Output, lessonContentRunes)
	}
	req, err := o.gate.Propose(ctx, approval.Proposal{
		WorkspaceID: p.WorkspaceID,
		AgentID:     p.AgentID,
		PipelineID:  p.ID,
		StepIndex:   i,
		ActionKind:  a.ActionKind,
		EntityType:  a.EntityType,
		Payload:     action,
		Risk:        a.Level,
	})
	if err != nil {
		step.Status = models.StepFailed
		_ = o.fail(ctx, p, models.PipelineAwaitingApproval, models.FailureInternal, err)
		return
	}
	step.ApprovalID = req.ID
	if err := o.store.SavePipelineProgress(ctx, p, models.PipelineAwaitingApproval); err != nil {
		log.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Failed to record approval on step")
	}
	o.emit(p, "")

	log.Info().
		Str("pipeline_id", p.ID).
		Str("role", step.Role).
		Str("approval_id", req.ID).
		Str("risk", a.Level.String()).
		Msg("⏸️  Pipeline awaiting approval")
	o.notify(ctx, p, replies.Text(p.Lang, replies.ApprovalNeeded, action))
}

// ── Approval ────────────────────────────────────────────────

// ResumeAfterApproval continues a parked pipeline once its approval
// request is resolved. Approval applies the action and either re-queues
// the remaining steps or completes the pipeline; rejection fails it.
func (o *Orchestrator) ResumeAfterApproval(ctx context.Context, req *models.ApprovalRequest) error {
	p, err := o.store.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return err
	}
	if p.Status != models.PipelineAwaitingApproval {
		return &models.InvalidStateError{Entity: "pipeline", ID: p.ID, State: string(p.Status), Op: "resume"}
	}
	if req.StepIndex != p.CurrentStep || req.StepIndex >= len(p.Steps) {
		return &models.InvalidStateError{Entity: "pipeline", ID: p.ID, State: fmt.Sprintf("step %d", p.CurrentStep), Op: "resume"}
	}

	step := &p.Steps[req.StepIndex]
	now := o.now().UTC()
	step.CompletedAt = &now

	if req.Status == models.ApprovalRejected {
		step.Status = models.StepFailed
		return o.fail(ctx, p, models.PipelineAwaitingApproval, models.FailureRejected, nil)
	}

	// The action is dispatched only after the transition sticks, so a
	// resume retried by Recover does not apply it twice.
	step.Status = models.StepCompleted
	p.CurrentStep++
	if p.CurrentStep >= len(p.Steps) {
		if err := o.complete(ctx, p, models.PipelineAwaitingApproval); err != nil {
			return err
		}
		o.apply(ctx, req)
		return nil
	}

	p.Status = models.PipelineInProgress
	p.UpdatedAt = now
	if err := o.store.TransitionPipeline(ctx, p, models.PipelineAwaitingApproval); err != nil {
		return err
	}
	o.apply(ctx, req)
	o.metrics.PipelineStatus(string(p.Status))
	o.emit(p, "")
	log.Info().Str("pipeline_id", p.ID).Int("next_step", p.CurrentStep).Msg("▶️  Pipeline resumed")
	return o.Submit(ctx, p)
}

func (o *Orchestrator) apply(ctx context.Context, req *models.ApprovalRequest) {
	if o.applier == nil {
		return
	}
	if err := o.applier.Apply(ctx, req); err != nil {
		log.Warn().Err(err).Str("approval_id", req.ID).Msg("Failed to dispatch approved action")
	}
}

// Decide resolves the approval a user is expected to answer: the one their
// active pipeline is parked on, otherwise the workspace's oldest pending
// request that belongs to no pipeline.
func (o *Orchestrator) Decide(ctx context.Context, userID, workspaceID string, decision models.Decision, resolvedBy string) (*models.ApprovalRequest, error) {
	unlock := o.locks.Lock(userKey(userID, workspaceID))
	defer unlock()

	p, err := o.store.GetActivePipeline(ctx, userID, workspaceID)
	switch {
	case err == nil && p.Status == models.PipelineAwaitingApproval:
		pending, err := o.gate.PendingForPipeline(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return o.gate.Resolve(ctx, pending.ID, decision, resolvedBy)
	case err != nil && !store.IsNotFound(err):
		return nil, err
	}

	pending, err := o.gate.Pending(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, a := range pending {
		if a.PipelineID == "" {
			return o.gate.Resolve(ctx, a.ID, decision, resolvedBy)
		}
	}
	return nil, &store.ErrNotFound{Entity: "approval", Key: "workspace " + workspaceID}
}

// ── Terminal States ─────────────────────────────────────────

func (o *Orchestrator) complete(ctx context.Context, p *models.Pipeline, from models.PipelineStatus) error {
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	p.Status = models.PipelineCompleted
	p.Result = consolidate(p.Steps)
	p.CurrentRole = ""
	p.UpdatedAt = now
	p.CompletedAt = &now
	if err := o.store.TransitionPipeline(ctx, p, from); err != nil {
		log.Error().Err(err).Str("pipeline_id", p.ID).Msg("Failed to update completed pipeline")
		return err
	}
	o.metrics.PipelineStatus(string(p.Status))
	o.emit(p, "")

	log.Info().
		Str("pipeline_id", p.ID).
		Str("workspace", p.WorkspaceID).
		Int64("tokens", p.TotalTokens).
		Float64("cost", p.TotalCost).
		Msg("🎉 Pipeline completed")

	o.notify(ctx, p, replies.Text(p.Lang, replies.Completed, p.Result))

	if o.memory != nil && p.Result != "" {
		topic := truncateRunes(p.RequestText, lessonTopicRunes)
		if _, err := o.memory.Append(ctx, p.WorkspaceID, p.AgentID, topic, truncateRunes(p.Result, lessonContentRunes)); err != nil {
			log.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Failed to record completion lesson")
		}
	}
	return nil
}

// fail moves the pipeline to failed and sends the user exactly one message.
// Budget denials get the budget text, rejections their own text, and
// everything else the generic failure text; cause is only logged.
func (o *Orchestrator) fail(ctx context.Context, p *models.Pipeline, from models.PipelineStatus, reason string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	p.Status = models.PipelineFailed
	p.FailureReason = reason
	p.CurrentRole = ""
	p.UpdatedAt = now
	p.CompletedAt = &now
	if err := o.store.TransitionPipeline(ctx, p, from); err != nil {
		log.Error().Err(err).Str("pipeline_id", p.ID).Msg("Failed to update failed pipeline")
		return err
	}
	o.metrics.PipelineStatus(string(p.Status))
	o.emit(p, reason)

	log.Error().
		Err(cause).
		Str("pipeline_id", p.ID).
		Str("workspace", p.WorkspaceID).
		Str("reason", reason).
		Msg("💥 Pipeline failed")

	o.notify(ctx, p, failureText(p.Lang, reason, cause))
	return nil
}

func failureReason(err error) string {
	var timeout *StepTimeoutError
	switch {
	case models.IsBudgetExceeded(err):
		return models.FailureBudget
	case errors.As(err, &timeout):
		return models.FailureTimeout
	case models.IsProviderError(err):
		return models.FailureProvider
	default:
		return models.FailureInternal
	}
}

func failureText(lang, reason string, cause error) string {
	switch reason {
	case models.FailureBudget:
		var be *models.BudgetExceededError
		if errors.As(cause, &be) {
			return replies.Text(lang, replies.BudgetExceeded, be.Reason)
		}
	case models.FailureRejected:
		return replies.Text(lang, replies.Rejected)
	}
	return replies.Text(lang, replies.Failed)
}

// consolidate returns the last step output; the final role is the one that
// assembles the deliverable.
func consolidate(steps []models.PipelineStep) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if out := strings.TrimSpace(steps[i].Output); out != "" {
			return out
		}
	}
	return ""
}

// ── Queries ─────────────────────────────────────────────────

// Active returns the user's non-terminal pipeline in the workspace.
func (o *Orchestrator) Active(ctx context.Context, userID, workspaceID string) (*models.Pipeline, error) {
	return o.store.GetActivePipeline(ctx, userID, workspaceID)
}

// Get returns one pipeline.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	return o.store.GetPipeline(ctx, id)
}

// List returns pipelines newest first.
func (o *Orchestrator) List(ctx context.Context, f store.PipelineFilter) ([]models.Pipeline, error) {
	return o.store.ListPipelines(ctx, f)
}

// ProgressText renders the chat progress summary for p.
func ProgressText(p *models.Pipeline) string {
	step := p.CurrentStep + 1
	if step > len(p.Steps) {
		step = len(p.Steps)
	}
	role := p.CurrentRole
	if role == "" && p.CurrentStep < len(p.Steps) {
		role = p.Steps[p.CurrentStep].Role
	}
	return replies.Text(p.Lang, replies.Progress, step, len(p.Steps), role, p.Status)
}

// ── Helpers ─────────────────────────────────────────────────

func (o *Orchestrator) agent(ctx context.Context, p *models.Pipeline) *models.Agent {
	if p.AgentID == "" {
		return nil
	}
	a, err := o.store.GetAgent(ctx, p.WorkspaceID, p.AgentID)
	if err != nil {
		log.Warn().Err(err).Str("pipeline_id", p.ID).Str("agent", p.AgentID).Msg("Agent lookup failed, gating as full_manual")
		return nil
	}
	return a
}

func (o *Orchestrator) emit(p *models.Pipeline, reason string) {
	if o.bus == nil {
		return
	}
	ev := events.PipelineEvent{
		PipelineID:  p.ID,
		WorkspaceID: p.WorkspaceID,
		Status:      p.Status,
		Step:        p.CurrentStep,
		Role:        p.CurrentRole,
		Reason:      reason,
		At:          o.now().UTC(),
	}
	if err := o.bus.Publish(events.TopicPipelineEvents, p.ID, p.WorkspaceID, ev); err != nil {
		log.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Failed to publish pipeline event")
	}
}

// notify is best-effort: failures are logged and never retried.
func (o *Orchestrator) notify(ctx context.Context, p *models.Pipeline, text string) {
	if o.sender == nil || p.ReplyTo == "" {
		return
	}
	msg := models.OutboundMessage{To: p.ReplyTo, Platform: p.Channel, Text: text}
	if err := o.sender.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Str("pipeline_id", p.ID).Str("to", p.ReplyTo).Msg("Failed to deliver message")
	}
}

func userKey(userID, workspaceID string) string { return userID + "|" + workspaceID }

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
