// Package sessions keeps the recent chat turns of each (workspace, user)
// conversation so direct chat replies carry context.
//
// History is a convenience, not a source of truth: losing it only shortens
// the context of the next reply.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resonancehq/control-plane/pkg/models"
)

// History stores recent conversation turns.
type History interface {
	Append(ctx context.Context, key string, msgs ...models.ChatMessage) error
	// Recent returns up to the configured number of turns, oldest first.
	Recent(ctx context.Context, key string) ([]models.ChatMessage, error)
}

// Key identifies one conversation.
func Key(workspaceID, userID string) string {
	return workspaceID + ":" + userID
}

// ── In-Memory ───────────────────────────────────────────────

type session struct {
	turns     []models.ChatMessage
	updatedAt time.Time
}

// MemoryHistory is a thread-safe in-memory History. Conversations idle
// longer than ttl are dropped on the next write.
type MemoryHistory struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryHistory keeps at most maxTurns messages per conversation.
func NewMemoryHistory(maxTurns int, ttl time.Duration) *MemoryHistory {
	return &MemoryHistory{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (h *MemoryHistory) Append(_ context.Context, key string, msgs ...models.ChatMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s, ok := h.sessions[key]
	if !ok || h.expired(s, now) {
		s = &session{}
		h.sessions[key] = s
	}
	s.turns = append(s.turns, msgs...)
	if over := len(s.turns) - h.maxTurns; h.maxTurns > 0 && over > 0 {
		s.turns = append([]models.ChatMessage(nil), s.turns[over:]...)
	}
	s.updatedAt = now

	for k, other := range h.sessions {
		if h.expired(other, now) {
			delete(h.sessions, k)
		}
	}
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, key string) ([]models.ChatMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[key]
	if !ok || h.expired(s, h.now()) {
		return nil, nil
	}
	return append([]models.ChatMessage(nil), s.turns...), nil
}

func (h *MemoryHistory) expired(s *session, now time.Time) bool {
	return h.ttl > 0 && now.Sub(s.updatedAt) > h.ttl
}

// ── Redis ───────────────────────────────────────────────────

// RedisHistory stores turns in a capped Redis list per conversation so
// every instance sees the same context.
type RedisHistory struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewRedisHistory wraps a connected client.
func NewRedisHistory(client *redis.Client, maxTurns int, ttl time.Duration) *RedisHistory {
	return &RedisHistory{client: client, maxTurns: maxTurns, ttl: ttl}
}

func (h *RedisHistory) key(k string) string { return "controlplane:history:" + k }

func (h *RedisHistory) Append(ctx context.Context, key string, msgs ...models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, b)
	}

	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, h.key(key), values...)
	if h.maxTurns > 0 {
		pipe.LTrim(ctx, h.key(key), int64(-h.maxTurns), -1)
	}
	if h.ttl > 0 {
		pipe.Expire(ctx, h.key(key), h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, key string) ([]models.ChatMessage, error) {
	raw, err := h.client.LRange(ctx, h.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]models.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
