package models

import (
	"time"
)

// ── Identity ─────────────────────────────────────────────────

// Identity links an external chat handle to an internal user.
// Created during account linking; read-mostly from the control plane's view.
type Identity struct {
	Handle    string    `json:"handle"`
	Platform  string    `json:"platform"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Workspace ────────────────────────────────────────────────

// Workspace is the tenant boundary. It owns agents, pipelines, usage,
// budget rules and resonance entries.
type Workspace struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	ActiveAgentID string    `json:"active_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ── Agent ────────────────────────────────────────────────────

// AutonomyLevel is a coarse label for how much an agent may act alone.
type AutonomyLevel string

const (
	AutonomyObserver AutonomyLevel = "observer"
	AutonomyOperator AutonomyLevel = "operator"
	AutonomyExecutor AutonomyLevel = "executor"
)

// HITLLevel governs how much approval gating an agent's actions need.
type HITLLevel string

const (
	HITLFullManual HITLLevel = "full_manual"
	HITLPlanOnly   HITLLevel = "plan_only"
	HITLResultOnly HITLLevel = "result_only"
	HITLAutonomous HITLLevel = "autonomous"
)

// Valid reports whether h is one of the known HITL levels.
func (h HITLLevel) Valid() bool {
	switch h {
	case HITLFullManual, HITLPlanOnly, HITLResultOnly, HITLAutonomous:
		return true
	}
	return false
}

// Agent belongs to a workspace. Configuration screens mutate it; the
// orchestrator only reads it.
type Agent struct {
	ID             string        `json:"id"`
	WorkspaceID    string        `json:"workspace_id"`
	DisplayName    string        `json:"display_name"`
	Autonomy       AutonomyLevel `json:"autonomy"`
	HITL           HITLLevel     `json:"hitl"`
	ResonanceScore int           `json:"resonance_score"` // 0-100
	Persona        string        `json:"persona,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ── Task Kinds ───────────────────────────────────────────────

// TaskKind is the closed set of work types the Provider Router knows about.
type TaskKind string

const (
	TaskChat          TaskKind = "chat"
	TaskPlan          TaskKind = "plan"
	TaskDocument      TaskKind = "document-generation"
	TaskExtraction    TaskKind = "extraction"
	TaskSummarization TaskKind = "summarization"
)

// AllTaskKinds lists every TaskKind in a stable order.
var AllTaskKinds = []TaskKind{TaskChat, TaskPlan, TaskDocument, TaskExtraction, TaskSummarization}

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	for _, known := range AllTaskKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ── Pipeline ─────────────────────────────────────────────────

// PipelineStatus is the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelineCreated          PipelineStatus = "created"
	PipelineInProgress       PipelineStatus = "in_progress"
	PipelineAwaitingApproval PipelineStatus = "awaiting_approval"
	PipelineCompleted        PipelineStatus = "completed"
	PipelineFailed           PipelineStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed
}

// ActivePipelineStatuses are the non-terminal states. At most one pipeline
// per (user, workspace) may be in one of these.
var ActivePipelineStatuses = []PipelineStatus{PipelineCreated, PipelineInProgress, PipelineAwaitingApproval}

// CanTransition reports whether from → to is an edge of the pipeline state machine.
func CanTransition(from, to PipelineStatus) bool {
	switch from {
	case PipelineCreated:
		return to == PipelineInProgress || to == PipelineFailed
	case PipelineInProgress:
		return to == PipelineAwaitingApproval || to == PipelineCompleted || to == PipelineFailed
	case PipelineAwaitingApproval:
		return to == PipelineInProgress || to == PipelineCompleted || to == PipelineFailed
	}
	return false
}

// StepStatus tracks a single step inside a pipeline.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
)

// PipelineStep is one ordered unit of a pipeline, owned by a role.
type PipelineStep struct {
	Role        string      `json:"role"`
	TaskKind    TaskKind    `json:"task_kind"`
	Status      StepStatus  `json:"status"`
	Output      string      `json:"output,omitempty"`
	Usage       *TokenUsage `json:"usage,omitempty"`
	Backend     string      `json:"backend,omitempty"`
	ApprovalID  string      `json:"approval_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Pipeline is a tracked multi-step unit of agent work derived from one request.
type Pipeline struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	UserID        string         `json:"user_id"`
	AgentID       string         `json:"agent_id"`
	RequestText   string         `json:"request_text"`
	Channel       string         `json:"channel"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Lang          string         `json:"lang,omitempty"`
	Status        PipelineStatus `json:"status"`
	CurrentStep   int            `json:"current_step"`
	CurrentRole   string         `json:"current_role,omitempty"`
	Steps         []PipelineStep `json:"steps,omitempty"`
	Result        string         `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Failure reasons recorded on failed pipelines.
const (
	FailureProvider = "provider_error"
	FailureBudget   = "budget_exceeded"
	FailureTimeout  = "step_timeout"
	FailureRejected = "rejected"
	FailureInternal = "internal_error"
)

// ── Approval Requests ────────────────────────────────────────

// ActionKind is the kind of side effect an approval request proposes.
type ActionKind string

const (
	ActionCreate      ActionKind = "CREATE"
	ActionUpdate      ActionKind = "UPDATE"
	ActionDelete      ActionKind = "DELETE"
	ActionExecutePlan ActionKind = "execute_plan"
	ActionAgentAction ActionKind = "agent_action"
)

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Decision is what a human answers to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalRequest is a proposed side-effecting action awaiting a human.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	AgentID     string         `json:"agent_id"`
	PipelineID  string         `json:"pipeline_id,omitempty"`
	StepIndex   int            `json:"step_index,omitempty"`
	ActionKind  ActionKind     `json:"action_kind"`
	EntityType  string         `json:"entity_type"`
	Payload     string         `json:"payload"`
	TargetID    string         `json:"target_id,omitempty"`
	Risk        RiskLevel      `json:"risk"`
	Status      ApprovalStatus `json:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// RiskLevel is the typed output of the risk classifier.
type RiskLevel int

const (
	// RiskNone is read-only or conversational content.
	RiskNone RiskLevel = iota
	// RiskRoutine denotes a mutating or externally visible action.
	RiskRoutine
	// RiskIrreversible covers delete, publish and external send.
	RiskIrreversible
)

func (r RiskLevel) String() string {
	switch r {
	case RiskRoutine:
		return "routine"
	case RiskIrreversible:
		return "irreversible"
	default:
		return "none"
	}
}

// ── Budget ───────────────────────────────────────────────────

// TokenUsage tracks token consumption for one provider call.
type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Add accumulates o into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
	u.EstimatedCost += o.EstimatedCost
}

// UsageCounter holds per-workspace running totals for the current period.
type UsageCounter struct {
	WorkspaceID string    `json:"workspace_id"`
	Tokens      int64     `json:"tokens"`
	Cost        float64   `json:"cost"`
	PeriodStart time.Time `json:"period_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BudgetRule is a per-workspace ceiling. Zero means "no limit" for that
// dimension. An AgentID narrows the rule to calls made by that agent.
type BudgetRule struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	MaxTokens   int64     `json:"max_tokens" validate:"gte=0"`
	MaxCost     float64   `json:"max_cost" validate:"gte=0"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Resonance ────────────────────────────────────────────────

// ResonanceEntry is an append-only lesson retained by a workspace.
type ResonanceEntry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Topic       string    `json:"topic"`
	Content     string    `json:"content"`
	Vector      []float64 `json:"vector,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScoredEntry pairs an entry with its relevance score.
type ScoredEntry struct {
	Entry ResonanceEntry `json:"entry"`
	Score float64        `json:"score"`
}

// ── Documents ────────────────────────────────────────────────

// Document is a reference to media received over a chat gateway.
type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Platform    string    `json:"platform"`
	MediaURL    string    `json:"media_url"`
	MediaType   string    `json:"media_type,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Chat Gateway ─────────────────────────────────────────────

// Media is an attachment on an inbound message.
type Media struct {
	URL      string `json:"url" validate:"required,url"`
	MimeType string `json:"mime_type,omitempty"`
}

// InboundMessage is one event delivered by a chat gateway webhook.
type InboundMessage struct {
	From      string    `json:"from" validate:"required"`
	Platform  string    `json:"platform" validate:"required"`
	Text      string    `json:"text"`
	Media     *Media    `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// OutboundMessage is a reply sent through the chat gateway.
type OutboundMessage struct {
	To       string `json:"to"`
	Platform string `json:"platform"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// ChatMessage is a single turn in a conversation history.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ── Generation ───────────────────────────────────────────────

// GenerateRequest is what a backend adapter receives for a single-shot call.
type GenerateRequest struct {
	TaskKind TaskKind      `json:"task_kind"`
	System   string        `json:"system,omitempty"`
	Prompt   string        `json:"prompt"`
	Context  string        `json:"context,omitempty"`
	History  []ChatMessage `json:"history,omitempty"`
}

// GenerateResult is what a backend returns for a single-shot call.
type GenerateResult struct {
	Text                 string     `json:"text"`
	Backend              string     `json:"backend"`
	Model                string     `json:"model"`
	Usage                TokenUsage `json:"usage"`
	RequiresApprovalHint bool       `json:"requires_approval_hint"`
	LatencyMs            int64      `json:"latency_ms"`
}

// RouteRequest is the Provider Router input. WorkspaceID/AgentID are used
// for budget metering only; routing itself only looks at TaskKind.
type RouteRequest struct {
	GenerateRequest
	WorkspaceID string `json:"workspace_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
}

// ── Intents ──────────────────────────────────────────────────

// Intent is what the Message Intent Router decided an inbound event is.
type Intent string

const (
	IntentOnboarding    Intent = "onboarding"
	IntentSetup         Intent = "workspace_setup"
	IntentDuplicate     Intent = "duplicate"
	IntentStatus        Intent = "status"
	IntentApprove       Intent = "approve"
	IntentReject        Intent = "reject"
	IntentListTasks     Intent = "list_tasks"
	IntentHelp          Intent = "help"
	IntentDocument      Intent = "document"
	IntentProgress      Intent = "progress"
	IntentPipeline      Intent = "pipeline"
	IntentBudgetBlocked Intent = "budget_blocked"
	IntentChat          Intent = "chat"
)

// IsCommand reports whether i is one of the chat command intents.
func (i Intent) IsCommand() bool {
	switch i {
	case IntentStatus, IntentApprove, IntentReject, IntentListTasks, IntentHelp:
		return true
	}
	return false
}
