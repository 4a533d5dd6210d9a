package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/models"
)

const defaultListLimit = 50

// ══════════════════════════════════════════════════════════════
// ── Pipelines ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/pipelines?status=&user=&limit=
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Pipelines.List(r.Context(), store.PipelineFilter{
		WorkspaceID: middleware.GetWorkspace(r),
		UserID:      q.Get("user"),
		Status:      models.PipelineStatus(q.Get("status")),
		Limit:       queryInt(r, "limit", defaultListLimit),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Pipeline{}
	}
	respondJSON(w, http.StatusOK, list)
}

// GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.Pipelines.Get(r.Context(), id)
	if err == nil && p.WorkspaceID != middleware.GetWorkspace(r) {
		err = &store.ErrNotFound{Entity: "pipeline", Key: id}
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ══════════════════════════════════════════════════════════════
// ── Approvals ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/approvals
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Gate.Pending(r.Context(), middleware.GetWorkspace(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ApprovalRequest{}
	}
	respondJSON(w, http.StatusOK, list)
}

type resolveRequest struct {
	Decision   models.Decision `json:"decision" validate:"required,oneof=approve reject"`
	ResolvedBy string          `json:"resolved_by" validate:"required"`
}

// POST /api/v1/approvals/{id}/resolve
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	existing, err := h.Gate.Get(r.Context(), id)
	if err == nil && existing.WorkspaceID != middleware.GetWorkspace(r) {
		err = &store.ErrNotFound{Entity: "approval", Key: id}
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	resolved, err := h.Gate.Resolve(r.Context(), id, req.Decision, req.ResolvedBy)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resolved)
}

// ══════════════════════════════════════════════════════════════
// ── Budget ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/budget
func (h *Handlers) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Budget.Status(r.Context(), middleware.GetWorkspace(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type budgetRuleRequest struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	MaxTokens int64   `json:"max_tokens" validate:"gte=0"`
	MaxCost   float64 `json:"max_cost" validate:"gte=0"`
	Active    *bool   `json:"active"`
}

// PUT /api/v1/budget/rules
// Creates or replaces a rule. Rules are active unless stated otherwise.
func (h *Handlers) PutBudgetRule(w http.ResponseWriter, r *http.Request) {
	var req budgetRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	ws := middleware.GetWorkspace(r)
	rule := &models.BudgetRule{
		ID:          req.ID,
		WorkspaceID: ws,
		AgentID:     req.AgentID,
		MaxTokens:   req.MaxTokens,
		MaxCost:     req.MaxCost,
		Active:      req.Active == nil || *req.Active,
		CreatedAt:   time.Now().UTC(),
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := h.Store.PutBudgetRule(r.Context(), rule); err != nil {
		respondError(w, r, err)
		return
	}
	h.Budget.Invalidate(ws)

	log.Info().Str("workspace", ws).Str("rule", rule.ID).
		Int64("max_tokens", rule.MaxTokens).Float64("max_cost", rule.MaxCost).
		Bool("active", rule.Active).Msg("Budget rule saved")
	respondJSON(w, http.StatusOK, rule)
}

// ══════════════════════════════════════════════════════════════
// ── Resonance ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type resonanceRequest struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// POST /api/v1/resonance
func (h *Handlers) AppendResonance(w http.ResponseWriter, r *http.Request) {
	var req resonanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.Memory.Append(r.Context(), middleware.GetWorkspace(r), req.AgentID, req.Topic, req.Content)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// GET /api/v1/resonance?topic=&limit=
func (h *Handlers) QueryResonance(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		middleware.RespondProblem(w, r, http.StatusUnprocessableEntity, "validation_error", "topic is required")
		return
	}
	entries, err := h.Memory.Query(r.Context(), middleware.GetWorkspace(r), topic, queryInt(r, "limit", 10))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.ScoredEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ══════════════════════════════════════════════════════════════
// ── Backends ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/backends
func (h *Handlers) ListBackends(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Router.Backends())
}

// ══════════════════════════════════════════════════════════════
// ── Registry ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════
// Account linking and agent configuration normally happen outside the
// control plane. These endpoints let a dev setup seed the same records.

type identityRequest struct {
	Platform string `json:"platform" validate:"required"`
	Handle   string `json:"handle" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
}

// POST /api/v1/identities
func (h *Handlers) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := &models.Identity{
		Platform:  req.Platform,
		Handle:    req.Handle,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.PutIdentity(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	log.Info().Str("platform", id.Platform).Str("user", id.UserID).Msg("Identity linked")
	respondJSON(w, http.StatusCreated, id)
}

type workspaceRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name" validate:"required"`
	OwnerID string `json:"owner_id" validate:"required"`
}

// POST /api/v1/workspaces
func (h *Handlers) RegisterWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if !h.decode(w, r, &req) {
		return
	}
	ws := &models.Workspace{
		ID:        req.ID,
		Name:      req.Name,
		OwnerID:   req.OwnerID,
		CreatedAt: time.Now().UTC(),
	}
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if err := h.Store.PutWorkspace(r.Context(), ws); err != nil {
		respondError(w, r, err)
		return
	}
	log.Info().Str("workspace", ws.ID).Str("owner", ws.OwnerID).Msg("Workspace registered")
	respondJSON(w, http.StatusCreated, ws)
}

type agentRequest struct {
	ID             string               `json:"id"`
	DisplayName    string               `json:"display_name" validate:"required"`
	Autonomy       models.AutonomyLevel `json:"autonomy" validate:"omitempty,oneof=observer operator executor"`
	HITL           models.HITLLevel     `json:"hitl" validate:"omitempty,oneof=full_manual plan_only result_only autonomous"`
	ResonanceScore int                  `json:"resonance_score" validate:"gte=0,lte=100"`
	Persona        string               `json:"persona"`
	// Activate makes this the workspace's active agent.
	Activate bool `json:"activate"`
}

// POST /api/v1/agents
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !h.decode(w, r, &req) {
		return
	}

	wsID := middleware.GetWorkspace(r)
	ws, err := h.Store.GetWorkspace(r.Context(), wsID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	agent := &models.Agent{
		ID:             req.ID,
		WorkspaceID:    wsID,
		DisplayName:    req.DisplayName,
		Autonomy:       req.Autonomy,
		HITL:           req.HITL,
		ResonanceScore: req.ResonanceScore,
		Persona:        req.Persona,
		CreatedAt:      time.Now().UTC(),
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Autonomy == "" {
		agent.Autonomy = models.AutonomyObserver
	}
	if agent.HITL == "" {
		agent.HITL = models.HITLFullManual
	}
	if err := h.Store.PutAgent(r.Context(), agent); err != nil {
		respondError(w, r, err)
		return
	}

	if req.Activate || ws.ActiveAgentID == "" {
		ws.ActiveAgentID = agent.ID
		if err := h.Store.PutWorkspace(r.Context(), ws); err != nil {
			respondError(w, r, err)
			return
		}
	}

	log.Info().Str("workspace", wsID).Str("agent", agent.ID).Str("hitl", string(agent.HITL)).Msg("Agent registered")
	respondJSON(w, http.StatusCreated, agent)
}

// GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context(), middleware.GetWorkspace(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}
