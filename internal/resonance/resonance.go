// Package resonance implements the append-only per-workspace memory that
// agents consult for recurring preferences and lessons.
//
// There is no update or delete. A correction is a new entry on the same
// topic; recency breaks ties so the newer entry ranks first.
package resonance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// DefaultThreshold is the minimum cosine similarity Recall accepts.
const DefaultThreshold = 0.75

// Store is the append-only slice of the persistent store.
type Store interface {
	AppendResonance(ctx context.Context, entry *models.ResonanceEntry) error
	ListResonance(ctx context.Context, workspaceID string) ([]models.ResonanceEntry, error)
}

// Memory appends and queries resonance entries.
type Memory struct {
	store    Store
	embedder contracts.Embedder
	now      func() time.Time
}

// New creates a Memory. embedder may be nil, in which case entries carry
// no vector and only keyword queries return results.
func New(s Store, embedder contracts.Embedder) *Memory {
	return &Memory{store: s, embedder: embedder, now: time.Now}
}

// Append records a new entry. An embedding failure is logged and the entry
// is kept without a vector.
func (m *Memory) Append(ctx context.Context, workspaceID, agentID, topic, content string) (*models.ResonanceEntry, error) {
	topic, content = strings.TrimSpace(topic), strings.TrimSpace(content)
	if workspaceID == "" || topic == "" || content == "" {
		return nil, fmt.Errorf("resonance: workspace, topic and content are required")
	}
	entry := &models.ResonanceEntry{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Topic:       topic,
		Content:     content,
		CreatedAt:   m.now().UTC(),
	}
	if m.embedder != nil {
		vecs, err := m.embedder.Embed(ctx, []string{topic + "\n" + content})
		if err != nil {
			log.Warn().Err(err).Str("workspace", workspaceID).Msg("Resonance embedding failed, storing without vector")
		} else if len(vecs) == 1 {
			entry.Vector = vecs[0]
		}
	}
	if err := m.store.AppendResonance(ctx, entry); err != nil {
		return nil, fmt.Errorf("append resonance: %w", err)
	}
	return entry, nil
}

// Query ranks entries by keyword overlap with topic: topic hits weigh
// double, content hits single. Ties keep the newest first. Entries with no
// overlap are omitted. limit <= 0 means no limit.
func (m *Memory) Query(ctx context.Context, workspaceID, topic string, limit int) ([]models.ScoredEntry, error) {
	terms := keywords(topic)
	if len(terms) == 0 {
		return nil, nil
	}
	entries, err := m.store.ListResonance(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var out []models.ScoredEntry
	for _, e := range entries {
		topicWords := wordSet(e.Topic)
		contentWords := wordSet(e.Content)
		var score float64
		for _, t := range terms {
			if topicWords[t] {
				score += 2
			}
			if contentWords[t] {
				score++
			}
		}
		if score > 0 {
			out = append(out, models.ScoredEntry{Entry: e, Score: score})
		}
	}
	// Entries arrive newest first; a stable sort preserves that within a score.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, limit), nil
}

// QueryBySimilarity returns entries whose cosine similarity to vector is at
// least threshold, most similar first. Entries without a vector, or with a
// different dimension, are skipped.
func (m *Memory) QueryBySimilarity(ctx context.Context, workspaceID string, vector []float64, threshold float64, limit int) ([]models.ScoredEntry, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	entries, err := m.store.ListResonance(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var out []models.ScoredEntry
	for _, e := range entries {
		if len(e.Vector) != len(vector) {
			continue
		}
		if score := cosineSimilarity(vector, e.Vector); score >= threshold {
			out = append(out, models.ScoredEntry{Entry: e, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, limit), nil
}

// Recall builds a prompt context block from the entries most relevant to
// text. Similarity is tried first when an embedder is configured; keyword
// overlap is the fallback. Returns "" when nothing matches.
func (m *Memory) Recall(ctx context.Context, workspaceID, text string, limit int) string {
	var hits []models.ScoredEntry
	if m.embedder != nil {
		if vecs, err := m.embedder.Embed(ctx, []string{text}); err == nil && len(vecs) == 1 {
			hits, _ = m.QueryBySimilarity(ctx, workspaceID, vecs[0], DefaultThreshold, limit)
		} else if err != nil {
			log.Debug().Err(err).Msg("Resonance recall embedding failed, using keywords")
		}
	}
	if len(hits) == 0 {
		var err error
		hits, err = m.Query(ctx, workspaceID, text, limit)
		if err != nil {
			log.Warn().Err(err).Str("workspace", workspaceID).Msg("Resonance recall failed")
			return ""
		}
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Workspace memory:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] %s\n", h.Entry.Topic, h.Entry.Content)
	}
	return b.String()
}

// ── Helpers ─────────────────────────────────────────────────

// keywords lowercases text and keeps distinct words of three or more runes.
func keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range splitWords(text) {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range splitWords(text) {
		set[w] = true
	}
	return set
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func truncate(in []models.ScoredEntry, limit int) []models.ScoredEntry {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
