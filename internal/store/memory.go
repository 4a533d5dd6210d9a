// Package store persists control plane state. MemoryStore is used for
// local dev and tests; its optional JSON snapshot lets data survive
// restarts on a single node.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Identities  map[string]*models.Identity        `json:"identities"` // key: platform:handle
	Workspaces  map[string]*models.Workspace       `json:"workspaces"`
	Agents      map[string]*models.Agent           `json:"agents"` // key: workspace:id
	Pipelines   map[string]*models.Pipeline        `json:"pipelines"`
	Approvals   map[string]*models.ApprovalRequest `json:"approvals"`
	Usage       map[string]*models.UsageCounter    `json:"usage"`
	BudgetRules map[string]*models.BudgetRule      `json:"budget_rules"`
	Resonance   []*models.ResonanceEntry           `json:"resonance"`
	Documents   []*models.Document                 `json:"documents"`
}

// MemoryStore implements Store with in-memory maps guarded by one mutex.
// The mutex makes every conditional write (active-pipeline insert, status
// CAS, approval resolve, usage increment) atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	identities  map[string]*models.Identity
	workspaces  map[string]*models.Workspace
	agents      map[string]*models.Agent
	pipelines   map[string]*models.Pipeline
	approvals   map[string]*models.ApprovalRequest
	usage       map[string]*models.UsageCounter
	budgetRules map[string]*models.BudgetRule
	resonance   []*models.ResonanceEntry // append-only
	documents   []*models.Document

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to dataDir/controlplane.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		identities:  make(map[string]*models.Identity),
		workspaces:  make(map[string]*models.Workspace),
		agents:      make(map[string]*models.Agent),
		pipelines:   make(map[string]*models.Pipeline),
		approvals:   make(map[string]*models.ApprovalRequest),
		usage:       make(map[string]*models.UsageCounter),
		budgetRules: make(map[string]*models.BudgetRule),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "controlplane.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Identities:  m.identities,
		Workspaces:  m.workspaces,
		Agents:      m.agents,
		Pipelines:   m.pipelines,
		Approvals:   m.approvals,
		Usage:       m.usage,
		BudgetRules: m.budgetRules,
		Resonance:   m.resonance,
		Documents:   m.documents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Identities != nil {
		m.identities = snap.Identities
	}
	if snap.Workspaces != nil {
		m.workspaces = snap.Workspaces
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Pipelines != nil {
		m.pipelines = snap.Pipelines
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.Usage != nil {
		m.usage = snap.Usage
	}
	if snap.BudgetRules != nil {
		m.budgetRules = snap.BudgetRules
	}
	m.resonance = snap.Resonance
	m.documents = snap.Documents

	log.Info().
		Int("workspaces", len(m.workspaces)).
		Int("pipelines", len(m.pipelines)).
		Int("approvals", len(m.approvals)).
		Int("resonance", len(m.resonance)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func clonePipeline(p *models.Pipeline) *models.Pipeline {
	c := *p
	if p.Steps != nil {
		c.Steps = make([]models.PipelineStep, len(p.Steps))
		copy(c.Steps, p.Steps)
	}
	return &c
}

// ── Identity / Workspace / Agent ────────────────────────────

func (m *MemoryStore) PutIdentity(_ context.Context, id *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.identities[key(id.Platform, id.Handle)] = &c
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetIdentity(_ context.Context, platform, handle string) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[key(platform, handle)]
	if !ok {
		return nil, &ErrNotFound{Entity: "identity", Key: key(platform, handle)}
	}
	c := *id
	return &c, nil
}

func (m *MemoryStore) PutWorkspace(_ context.Context, ws *models.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ws
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.workspaces[ws.ID] = &c
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workspace", Key: id}
	}
	c := *ws
	return &c, nil
}

func (m *MemoryStore) ListWorkspacesByOwner(_ context.Context, userID string) ([]models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Workspace
	for _, ws := range m.workspaces {
		if ws.OwnerID == userID {
			result = append(result, *ws)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) PutAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *agent
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.agents[key(agent.WorkspaceID, agent.ID)] = &c
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, workspaceID, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(workspaceID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, workspaceID string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if a.WorkspaceID == workspaceID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── Pipeline Store ──────────────────────────────────────────

func (m *MemoryStore) activeLocked(userID, workspaceID string) *models.Pipeline {
	for _, p := range m.pipelines {
		if p.UserID == userID && p.WorkspaceID == workspaceID && isActive(p.Status) {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) CreatePipeline(_ context.Context, p *models.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active := m.activeLocked(p.UserID, p.WorkspaceID); active != nil {
		return &models.ConflictError{Active: clonePipeline(active)}
	}
	m.pipelines[p.ID] = clonePipeline(p)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "pipeline", Key: id}
	}
	return clonePipeline(p), nil
}

func (m *MemoryStore) GetActivePipeline(_ context.Context, userID, workspaceID string) (*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.activeLocked(userID, workspaceID); p != nil {
		return clonePipeline(p), nil
	}
	return nil, &ErrNotFound{Entity: "active pipeline", Key: key(userID, workspaceID)}
}

func (m *MemoryStore) FindRecentPipeline(_ context.Context, userID, workspaceID, requestText string, since time.Time) (*models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.Pipeline
	for _, p := range m.pipelines {
		if p.UserID != userID || p.WorkspaceID != workspaceID || p.RequestText != requestText {
			continue
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	if newest == nil {
		return nil, &ErrNotFound{Entity: "recent pipeline", Key: key(userID, workspaceID)}
	}
	return clonePipeline(newest), nil
}

func (m *MemoryStore) TransitionPipeline(_ context.Context, p *models.Pipeline, from models.PipelineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pipelines[p.ID]
	if !ok {
		return &ErrNotFound{Entity: "pipeline", Key: p.ID}
	}
	if cur.Status != from {
		return &models.InvalidStateError{Entity: "pipeline", ID: p.ID, State: string(cur.Status), Op: "transition to " + string(p.Status)}
	}
	m.pipelines[p.ID] = clonePipeline(p)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SavePipelineProgress(_ context.Context, p *models.Pipeline, expected models.PipelineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pipelines[p.ID]
	if !ok {
		return &ErrNotFound{Entity: "pipeline", Key: p.ID}
	}
	if cur.Status != expected {
		return &models.InvalidStateError{Entity: "pipeline", ID: p.ID, State: string(cur.Status), Op: "save progress of"}
	}
	c := clonePipeline(p)
	c.Status = cur.Status
	m.pipelines[p.ID] = c
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPipelines(_ context.Context, f PipelineFilter) ([]models.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Pipeline
	for _, p := range m.pipelines {
		if f.WorkspaceID != "" && p.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, *clonePipeline(p))
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// ── Approval Store ──────────────────────────────────────────

func (m *MemoryStore) CreateApproval(_ context.Context, a *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.approvals[a.ID] = &c
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ResolveApproval(_ context.Context, id string, status models.ApprovalStatus, resolvedBy string, at time.Time) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if a.Status != models.ApprovalPending {
		return nil, &models.InvalidStateError{Entity: "approval", ID: id, State: string(a.Status), Op: "resolve"}
	}
	a.Status = status
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &at
	m.requestSave()
	c := *a
	return &c, nil
}

func (m *MemoryStore) PurgePipelines(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := make(map[string]bool)
	for id, p := range m.pipelines {
		if p.Status.Terminal() && p.CompletedAt != nil && p.CompletedAt.Before(before) {
			purged[id] = true
			delete(m.pipelines, id)
		}
	}
	for id, a := range m.approvals {
		if purged[a.PipelineID] && a.Status != models.ApprovalPending {
			delete(m.approvals, id)
		}
	}
	if len(purged) > 0 {
		m.requestSave()
	}
	return len(purged), nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, f ApprovalFilter) ([]models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ApprovalRequest
	for _, a := range m.approvals {
		if f.WorkspaceID != "" && a.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.PipelineID != "" && a.PipelineID != f.PipelineID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// ── Usage / Budget ──────────────────────────────────────────

func (m *MemoryStore) AddUsage(_ context.Context, workspaceID string, tokens int64, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	u, ok := m.usage[workspaceID]
	if !ok {
		u = &models.UsageCounter{WorkspaceID: workspaceID, PeriodStart: now}
		m.usage[workspaceID] = u
	}
	u.Tokens += tokens
	u.Cost += cost
	u.UpdatedAt = now
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetUsage(_ context.Context, workspaceID string) (*models.UsageCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[workspaceID]
	if !ok {
		return &models.UsageCounter{WorkspaceID: workspaceID}, nil
	}
	c := *u
	return &c, nil
}

func (m *MemoryStore) PutBudgetRule(_ context.Context, rule *models.BudgetRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rule
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.budgetRules[rule.ID] = &c
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListBudgetRules(_ context.Context, workspaceID string) ([]models.BudgetRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.BudgetRule
	for _, r := range m.budgetRules {
		if r.WorkspaceID == workspaceID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── Resonance / Documents ───────────────────────────────────

func (m *MemoryStore) AppendResonance(_ context.Context, entry *models.ResonanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	if entry.Vector != nil {
		c.Vector = append([]float64(nil), entry.Vector...)
	}
	m.resonance = append(m.resonance, &c)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListResonance(_ context.Context, workspaceID string) ([]models.ResonanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ResonanceEntry
	for i := len(m.resonance) - 1; i >= 0; i-- {
		if m.resonance[i].WorkspaceID == workspaceID {
			result = append(result, *m.resonance[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *doc
	m.documents = append(m.documents, &c)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, workspaceID string) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Document
	for _, d := range m.documents {
		if d.WorkspaceID == workspaceID {
			result = append(result, *d)
		}
	}
	return result, nil
}
