// Package budget implements the per-workspace spending guard.
//
// Check fails closed: a store error or an exhausted ceiling both deny.
// Record is additive and independent of Check, so usage is accounted
// even when a caller skipped the check.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/pkg/models"
)

// Store is the slice of the persistent store the guard needs.
type Store interface {
	AddUsage(ctx context.Context, workspaceID string, tokens int64, cost float64) error
	GetUsage(ctx context.Context, workspaceID string) (*models.UsageCounter, error)
	ListBudgetRules(ctx context.Context, workspaceID string) ([]models.BudgetRule, error)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed     bool    `json:"allowed"`
	Reason      string  `json:"reason,omitempty"`
	RuleID      string  `json:"rule_id,omitempty"`
	Utilization float64 `json:"utilization"`
}

type cachedRules struct {
	rules   []models.BudgetRule
	fetched time.Time
}

// Guard checks and records workspace spend.
type Guard struct {
	store   Store
	metrics *metrics.Metrics
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRules
}

// NewGuard creates a guard. Rules are cached for ruleTTL; a zero TTL reads
// them on every check.
func NewGuard(s Store, m *metrics.Metrics, ruleTTL time.Duration) *Guard {
	return &Guard{
		store:   s,
		metrics: m,
		ttl:     ruleTTL,
		now:     time.Now,
		cache:   make(map[string]cachedRules),
	}
}

// Check evaluates every active rule that applies to the agent.
func (g *Guard) Check(ctx context.Context, workspaceID, agentID string) Decision {
	rules, err := g.rules(ctx, workspaceID)
	if err != nil {
		log.Error().Err(err).Str("workspace", workspaceID).Msg("Budget rules unavailable, denying")
		return Decision{Allowed: false, Reason: "budget status is unavailable right now"}
	}
	if !anyActive(rules, agentID) {
		return Decision{Allowed: true}
	}

	usage, err := g.store.GetUsage(ctx, workspaceID)
	if err != nil {
		log.Error().Err(err).Str("workspace", workspaceID).Msg("Usage counter unavailable, denying")
		return Decision{Allowed: false, Reason: "budget status is unavailable right now"}
	}

	var utilization float64
	for _, r := range rules {
		if !applies(r, agentID) {
			continue
		}
		if r.MaxTokens > 0 {
			if usage.Tokens >= r.MaxTokens {
				return Decision{
					RuleID:      r.ID,
					Utilization: float64(usage.Tokens) / float64(r.MaxTokens),
					Reason:      fmt.Sprintf("monthly token limit reached (%d of %d tokens used)", usage.Tokens, r.MaxTokens),
				}
			}
			utilization = max(utilization, float64(usage.Tokens)/float64(r.MaxTokens))
		}
		if r.MaxCost > 0 {
			if usage.Cost >= r.MaxCost {
				return Decision{
					RuleID:      r.ID,
					Utilization: usage.Cost / r.MaxCost,
					Reason:      fmt.Sprintf("monthly spend limit reached ($%.2f of $%.2f)", usage.Cost, r.MaxCost),
				}
			}
			utilization = max(utilization, usage.Cost/r.MaxCost)
		}
	}
	return Decision{Allowed: true, Utilization: utilization}
}

// Enforce is Check as an error: a denial is a *models.BudgetExceededError.
func (g *Guard) Enforce(ctx context.Context, workspaceID, agentID string) error {
	d := g.Check(ctx, workspaceID, agentID)
	if d.Allowed {
		return nil
	}
	g.metrics.BudgetDenied()
	log.Warn().
		Str("workspace", workspaceID).
		Str("rule", d.RuleID).
		Str("reason", d.Reason).
		Msg("💸 Budget denied provider call")
	return &models.BudgetExceededError{WorkspaceID: workspaceID, RuleID: d.RuleID, Reason: d.Reason}
}

// Record adds consumed usage to the workspace counter.
func (g *Guard) Record(ctx context.Context, workspaceID string, usage models.TokenUsage) error {
	if usage.TotalTokens == 0 && usage.EstimatedCost == 0 {
		return nil
	}
	if err := g.store.AddUsage(ctx, workspaceID, usage.TotalTokens, usage.EstimatedCost); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	g.metrics.Tokens(usage.TotalTokens)
	return nil
}

// Invalidate drops cached rules for a workspace after they change.
func (g *Guard) Invalidate(workspaceID string) {
	g.mu.Lock()
	delete(g.cache, workspaceID)
	g.mu.Unlock()
}

// Summary is the budget view exposed to operators.
type Summary struct {
	Usage    *models.UsageCounter `json:"usage"`
	Rules    []models.BudgetRule  `json:"rules"`
	Decision Decision             `json:"decision"`
}

// Status reports usage, rules and the current decision for a workspace.
func (g *Guard) Status(ctx context.Context, workspaceID string) (*Summary, error) {
	usage, err := g.store.GetUsage(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	rules, err := g.store.ListBudgetRules(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &Summary{Usage: usage, Rules: rules, Decision: g.Check(ctx, workspaceID, "")}, nil
}

func (g *Guard) rules(ctx context.Context, workspaceID string) ([]models.BudgetRule, error) {
	if g.ttl > 0 {
		g.mu.Lock()
		c, ok := g.cache[workspaceID]
		g.mu.Unlock()
		if ok && g.now().Sub(c.fetched) < g.ttl {
			return c.rules, nil
		}
	}

	rules, err := g.store.ListBudgetRules(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if g.ttl > 0 {
		g.mu.Lock()
		g.cache[workspaceID] = cachedRules{rules: rules, fetched: g.now()}
		g.mu.Unlock()
	}
	return rules, nil
}

func applies(r models.BudgetRule, agentID string) bool {
	return r.Active && (r.AgentID == "" || r.AgentID == agentID)
}

func anyActive(rules []models.BudgetRule, agentID string) bool {
	for _, r := range rules {
		if applies(r, agentID) {
			return true
		}
	}
	return false
}
