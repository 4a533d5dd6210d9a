// Package intent implements the Message Intent Router: it turns one
// inbound chat event into exactly one reply and at most one side effect
// (a command, a pipeline, a stored document or a direct chat answer).
//
// Resolution order:
//  1. Identity, then workspace; unknown senders get onboarding or setup
//  2. Duplicate deliveries get a progress reply or nothing
//  3. Commands, which win even while a pipeline is active
//  4. Media, stored as a workspace document
//  5. An active pipeline answers with its progress
//  6. Substantial text starts a pipeline; anything else is direct chat
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/dedupe"
	"github.com/resonancehq/control-plane/internal/media"
	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/pipeline"
	"github.com/resonancehq/control-plane/internal/replies"
	"github.com/resonancehq/control-plane/internal/sessions"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/internal/telemetry"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

const (
	defaultSubstantialLength = 120
	defaultDedupeWindow      = 10 * time.Minute
	recallLimit              = 3
	taskListLimit            = 5
)

// Pipelines is the orchestrator surface the router uses.
type Pipelines interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (*models.Pipeline, error)
	Submit(ctx context.Context, p *models.Pipeline) error
	Active(ctx context.Context, userID, workspaceID string) (*models.Pipeline, error)
	Decide(ctx context.Context, userID, workspaceID string, decision models.Decision, resolvedBy string) (*models.ApprovalRequest, error)
	List(ctx context.Context, f store.PipelineFilter) ([]models.Pipeline, error)
}

// Generator answers direct chat.
type Generator interface {
	Route(ctx context.Context, req *models.RouteRequest) (*models.GenerateResult, error)
}

// Budget gates pipeline creation.
type Budget interface {
	Enforce(ctx context.Context, workspaceID, agentID string) error
}

// Proposer files approval requests for risky chat answers.
type Proposer interface {
	Propose(ctx context.Context, p approval.Proposal) (*models.ApprovalRequest, error)
}

// Recaller supplies workspace memory for chat prompts.
type Recaller interface {
	Recall(ctx context.Context, workspaceID, text string, limit int) string
}

// Deps are the router's collaborators. Memory, History, Archiver and
// Metrics are optional.
type Deps struct {
	Store     store.Store
	Pipelines Pipelines
	LLM       Generator
	Budget    Budget
	Gate      Proposer
	Dedupe    dedupe.Deduper
	Sender    contracts.Sender
	Memory    Recaller
	History   sessions.History
	Archiver  media.Archiver
	Metrics   *metrics.Metrics
}

// Config tunes classification.
type Config struct {
	SubstantialLength int
	DedupeWindow      time.Duration
	// Simulation answers chat with a canned reply before the Provider
	// Router and the Budget Guard are reached.
	Simulation bool
}

// Outcome is the result of handling one inbound event. Handled is false
// only for duplicates that deserve no answer.
type Outcome struct {
	Handled    bool          `json:"handled"`
	Intent     models.Intent `json:"intent"`
	Lang       string        `json:"lang"`
	Reply      string        `json:"reply,omitempty"`
	PipelineID string        `json:"pipeline_id,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`
	DocumentID string        `json:"document_id,omitempty"`
}

// Router classifies and dispatches inbound chat events.
type Router struct {
	store     store.Store
	pipelines Pipelines
	llm       Generator
	budget    Budget
	gate      Proposer
	dedupe    dedupe.Deduper
	sender    contracts.Sender
	memory    Recaller
	history   sessions.History
	archiver  media.Archiver
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// New creates a Router.
func New(d Deps, cfg Config) *Router {
	if cfg.SubstantialLength <= 0 {
		cfg.SubstantialLength = defaultSubstantialLength
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if d.Dedupe == nil {
		d.Dedupe = dedupe.NewMemory()
	}
	if d.Archiver == nil {
		d.Archiver = media.Noop{}
	}
	return &Router{
		store:     d.Store,
		pipelines: d.Pipelines,
		llm:       d.LLM,
		budget:    d.Budget,
		gate:      d.Gate,
		dedupe:    d.Dedupe,
		sender:    d.Sender,
		memory:    d.Memory,
		history:   d.History,
		archiver:  d.Archiver,
		metrics:   d.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// sender context resolved in steps 1-2.
type principal struct {
	userID    string
	workspace *models.Workspace
	agent     *models.Agent
}

func (p principal) agentID() string {
	if p.agent == nil {
		return ""
	}
	return p.agent.ID
}

// Handle processes one inbound event and sends its reply. Errors are
// returned only for infrastructure failures before any state was created.
// The sender still gets a generic failure reply and the dedupe mark is
// released, so a gateway redelivery of the same event is processed again.
func (r *Router) Handle(ctx context.Context, msg *models.InboundMessage) (*Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "intent.handle")
	defer span.End()
	span.SetAttributes(attribute.String("platform", msg.Platform))

	key := dedupe.Key(msg)
	duplicate := r.seen(ctx, key)
	out, err := r.handle(ctx, msg, duplicate)
	if err != nil {
		span.RecordError(err)
		r.metrics.Inbound("error")
		if !duplicate {
			if ferr := r.dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				log.Warn().Err(ferr).Msg("Failed to release dedupe mark")
			}
		}
		r.send(ctx, msg, replies.Text(DetectLang(msg.Text), replies.Failed))
		log.Error().Err(err).Str("platform", msg.Platform).Msg("Inbound handling failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("intent", string(out.Intent)))
	r.metrics.Inbound(string(out.Intent))

	if out.Handled && out.Reply != "" {
		r.send(ctx, msg, out.Reply)
	}
	log.Info().
		Str("platform", msg.Platform).
		Str("intent", string(out.Intent)).
		Str("pipeline_id", out.PipelineID).
		Bool("handled", out.Handled).
		Msg("📨 Inbound handled")
	return out, nil
}

func (r *Router) handle(ctx context.Context, msg *models.InboundMessage, duplicate bool) (*Outcome, error) {
	text := strings.TrimSpace(msg.Text)

	// 1-2. Who is this, and where do they work?
	who, err := r.resolve(ctx, msg)
	switch {
	case duplicate && err != nil:
		return &Outcome{Intent: models.IntentDuplicate}, nil
	case models.IsIdentityNotFound(err):
		lang := DetectLang(text)
		return &Outcome{Handled: true, Intent: models.IntentOnboarding, Lang: lang, Reply: replies.Text(lang, replies.Onboarding)}, nil
	case models.IsWorkspaceMissing(err):
		lang := DetectLang(text)
		return &Outcome{Handled: true, Intent: models.IntentSetup, Lang: lang, Reply: replies.Text(lang, replies.WorkspaceSetup)}, nil
	case err != nil:
		return nil, err
	}

	// Redelivered event: answer with progress if there is any, else stay quiet.
	if duplicate {
		if p, err := r.pipelines.Active(ctx, who.userID, who.workspace.ID); err == nil {
			return &Outcome{Handled: true, Intent: models.IntentProgress, Lang: p.Lang, Reply: pipeline.ProgressText(p), PipelineID: p.ID}, nil
		}
		return &Outcome{Intent: models.IntentDuplicate}, nil
	}

	// 3. Commands.
	if intent, lang, ok := MatchCommand(text); ok {
		return r.command(ctx, who, intent, lang)
	}

	// 4. Media.
	if msg.Media != nil {
		return r.document(ctx, who, msg)
	}

	// 5. Active pipeline.
	active, err := r.pipelines.Active(ctx, who.userID, who.workspace.ID)
	switch {
	case err == nil:
		return &Outcome{Handled: true, Intent: models.IntentProgress, Lang: active.Lang, Reply: pipeline.ProgressText(active), PipelineID: active.ID}, nil
	case !store.IsNotFound(err):
		return nil, err
	}

	// 6. Pipeline or chat.
	substantial, lang := Substantial(text, r.cfg.SubstantialLength)
	if lang == "" {
		lang = DetectLang(text)
	}
	if substantial {
		return r.startPipeline(ctx, who, msg, text, lang)
	}
	return r.chat(ctx, who, msg, text, lang)
}

func (r *Router) seen(ctx context.Context, key string) bool {
	dup, err := r.dedupe.Seen(ctx, key, r.cfg.DedupeWindow)
	if err != nil {
		// A lost dedupe check may produce a duplicate answer; a dropped
		// message would lose the user's request.
		log.Warn().Err(err).Msg("Dedupe check failed, treating event as new")
		return false
	}
	return dup
}

func (r *Router) resolve(ctx context.Context, msg *models.InboundMessage) (principal, error) {
	ident, err := r.store.GetIdentity(ctx, msg.Platform, msg.From)
	if store.IsNotFound(err) {
		return principal{}, &models.IdentityNotFoundError{Handle: msg.From, Platform: msg.Platform}
	}
	if err != nil {
		return principal{}, fmt.Errorf("resolve identity: %w", err)
	}

	workspaces, err := r.store.ListWorkspacesByOwner(ctx, ident.UserID)
	if err != nil {
		return principal{}, fmt.Errorf("resolve workspace: %w", err)
	}
	if len(workspaces) == 0 {
		return principal{}, &models.WorkspaceMissingError{UserID: ident.UserID}
	}
	who := principal{userID: ident.UserID, workspace: &workspaces[0]}

	if id := who.workspace.ActiveAgentID; id != "" {
		agent, err := r.store.GetAgent(ctx, who.workspace.ID, id)
		switch {
		case err == nil:
			who.agent = agent
		case !store.IsNotFound(err):
			return principal{}, fmt.Errorf("resolve agent: %w", err)
		}
	}
	return who, nil
}

// ── Commands ────────────────────────────────────────────────

func (r *Router) command(ctx context.Context, who principal, intent models.Intent, lang string) (*Outcome, error) {
	out := &Outcome{Handled: true, Intent: intent, Lang: lang}
	ws := who.workspace.ID

	switch intent {
	case models.IntentHelp:
		out.Reply = replies.Text(lang, replies.Help)

	case models.IntentStatus:
		p, err := r.pipelines.Active(ctx, who.userID, ws)
		switch {
		case err == nil:
			out.Reply = pipeline.ProgressText(p)
			out.PipelineID = p.ID
		case store.IsNotFound(err):
			out.Reply = replies.Text(lang, replies.NoActive)
		default:
			return nil, err
		}

	case models.IntentApprove, models.IntentReject:
		decision := models.DecisionApprove
		if intent == models.IntentReject {
			decision = models.DecisionReject
		}
		req, err := r.pipelines.Decide(ctx, who.userID, ws, decision, who.userID)
		switch {
		case req != nil && err != nil:
			// Resolved, but the follow-up failed; the user's decision stands
			// and Recover resumes the pipeline.
			log.Error().Err(err).Str("approval_id", req.ID).Msg("Approval follow-up failed")
		case store.IsNotFound(err), models.IsInvalidState(err):
			out.Reply = replies.Text(lang, replies.NothingToApprove)
			return out, nil
		case err != nil:
			return nil, err
		}
		out.ApprovalID = req.ID
		out.PipelineID = req.PipelineID
		switch {
		case decision == models.DecisionApprove:
			out.Reply = replies.Text(lang, replies.Approved)
		case req.PipelineID == "":
			out.Reply = replies.Text(lang, replies.ActionRejected)
		}
		// A rejected pipeline already told the user it stopped.

	case models.IntentListTasks:
		list, err := r.pipelines.List(ctx, store.PipelineFilter{WorkspaceID: ws, UserID: who.userID, Limit: taskListLimit})
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			out.Reply = replies.Text(lang, replies.TaskListEmpty)
			break
		}
		var b strings.Builder
		for _, p := range list {
			fmt.Fprintf(&b, "• [%s] %s\n", p.Status, truncate(p.RequestText, 60))
		}
		out.Reply = replies.Text(lang, replies.TaskList, strings.TrimRight(b.String(), "\n"))
	}
	return out, nil
}

// ── Media ───────────────────────────────────────────────────

func (r *Router) document(ctx context.Context, who principal, msg *models.InboundMessage) (*Outcome, error) {
	lang := DetectLang(msg.Text)
	doc := &models.Document{
		ID:          uuid.New().String(),
		WorkspaceID: who.workspace.ID,
		UserID:      who.userID,
		Platform:    msg.Platform,
		MediaURL:    msg.Media.URL,
		MediaType:   msg.Media.MimeType,
		Caption:     strings.TrimSpace(msg.Text),
		CreatedAt:   r.now().UTC(),
	}
	key, err := r.archiver.Archive(ctx, doc)
	if err != nil {
		log.Warn().Err(err).Str("document", doc.ID).Str("archiver", r.archiver.Kind()).Msg("Media archive failed, keeping gateway URL only")
	}
	doc.ArchiveKey = key
	if err := r.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	return &Outcome{Handled: true, Intent: models.IntentDocument, Lang: lang, Reply: replies.Text(lang, replies.DocumentSaved), DocumentID: doc.ID}, nil
}

// ── Pipelines ───────────────────────────────────────────────

func (r *Router) startPipeline(ctx context.Context, who principal, msg *models.InboundMessage, text, lang string) (*Outcome, error) {
	if !r.cfg.Simulation && r.budget != nil {
		if err := r.budget.Enforce(ctx, who.workspace.ID, who.agentID()); err != nil {
			var be *models.BudgetExceededError
			if errors.As(err, &be) {
				return &Outcome{Handled: true, Intent: models.IntentBudgetBlocked, Lang: lang, Reply: replies.Text(lang, replies.BudgetExceeded, be.Reason)}, nil
			}
			return nil, err
		}
	}

	p, err := r.pipelines.Create(ctx, pipeline.CreateRequest{
		WorkspaceID: who.workspace.ID,
		UserID:      who.userID,
		AgentID:     who.agentID(),
		RequestText: text,
		Channel:     msg.Platform,
		ReplyTo:     msg.From,
		Lang:        lang,
	})
	var conflict *models.ConflictError
	switch {
	case errors.As(err, &conflict) && conflict.Active != nil:
		return &Outcome{Handled: true, Intent: models.IntentProgress, Lang: lang, Reply: pipeline.ProgressText(conflict.Active), PipelineID: conflict.Active.ID}, nil
	case err != nil:
		return nil, err
	}

	if err := r.pipelines.Submit(ctx, p); err != nil {
		// The row is in_progress; Recover picks it up on the next start.
		log.Error().Err(err).Str("pipeline_id", p.ID).Msg("Failed to queue pipeline")
	}
	return &Outcome{Handled: true, Intent: models.IntentPipeline, Lang: lang, Reply: replies.Text(lang, replies.Accepted), PipelineID: p.ID}, nil
}

// ── Direct Chat ─────────────────────────────────────────────

func (r *Router) chat(ctx context.Context, who principal, msg *models.InboundMessage, text, lang string) (*Outcome, error) {
	out := &Outcome{Handled: true, Intent: models.IntentChat, Lang: lang}
	if r.cfg.Simulation {
		out.Reply = replies.Text(lang, replies.Simulated, truncate(text, 200))
		return out, nil
	}

	key := sessions.Key(who.workspace.ID, who.userID)
	var history []models.ChatMessage
	if r.history != nil {
		h, err := r.history.Recent(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("Chat history unavailable")
		}
		history = h
	}
	var memory string
	if r.memory != nil {
		memory = r.memory.Recall(ctx, who.workspace.ID, text, recallLimit)
	}
	var persona string
	if who.agent != nil {
		persona = who.agent.Persona
	}

	res, err := r.llm.Route(ctx, &models.RouteRequest{
		GenerateRequest: models.GenerateRequest{
			TaskKind: models.TaskChat,
			System:   persona,
			Prompt:   text,
			Context:  memory,
			History:  history,
		},
		WorkspaceID: who.workspace.ID,
		AgentID:     who.agentID(),
	})
	var be *models.BudgetExceededError
	switch {
	case errors.As(err, &be):
		out.Intent = models.IntentBudgetBlocked
		out.Reply = replies.Text(lang, replies.BudgetExceeded, be.Reason)
		return out, nil
	case err != nil:
		log.Error().Err(err).Str("workspace", who.workspace.ID).Msg("Direct chat failed")
		out.Reply = replies.Text(lang, replies.ChatUnavailable)
		return out, nil
	}

	if r.history != nil {
		if err := r.history.Append(ctx, key,
			models.ChatMessage{Role: "user", Content: text},
			models.ChatMessage{Role: "assistant", Content: res.Text},
		); err != nil {
			log.Warn().Err(err).Msg("Failed to append chat history")
		}
	}

	out.Reply = res.Text
	assessment := approval.Classify(res.Text, res.RequiresApprovalHint)
	if r.gate == nil || !approval.RequiresApproval(assessment.Level, approval.AgentLevel(who.agent)) {
		return out, nil
	}
	req, err := r.gate.Propose(ctx, approval.Proposal{
		WorkspaceID: who.workspace.ID,
		AgentID:     who.agentID(),
		ActionKind:  assessment.ActionKind,
		EntityType:  assessment.EntityType,
		Payload:     assessment.Action,
		Risk:        assessment.Level,
	})
	if err != nil {
		return nil, err
	}
	out.ApprovalID = req.ID
	out.Reply = res.Text + "\n\n" + replies.Text(lang, replies.ApprovalNeeded, assessment.Action)
	return out, nil
}

// ── Helpers ─────────────────────────────────────────────────

func (r *Router) send(ctx context.Context, msg *models.InboundMessage, text string) {
	if r.sender == nil {
		return
	}
	out := models.OutboundMessage{To: msg.From, Platform: msg.Platform, Text: text}
	if err := r.sender.Send(ctx, out); err != nil {
		log.Warn().Err(err).Str("to", msg.From).Msg("Failed to deliver reply")
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}
