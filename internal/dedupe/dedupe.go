// Package dedupe suppresses duplicate inbound deliveries. Chat gateways
// deliver at least once, so the same event may arrive more than once.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/resonancehq/control-plane/pkg/models"
)

// Deduper remembers event keys for a window.
type Deduper interface {
	// Seen marks key and reports whether it was already marked within window.
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
	// Forget drops the mark so a redelivery of key is processed again.
	Forget(ctx context.Context, key string) error
}

// Key identifies an inbound event by sender, platform, text and timestamp.
func Key(msg *models.InboundMessage) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(msg.Platform)))
	h.Write([]byte{0})
	h.Write([]byte(msg.From))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(msg.Text)))
	h.Write([]byte{0})
	h.Write([]byte(msg.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// ── In-Memory ───────────────────────────────────────────────

// Memory is a process-local Deduper for single-instance deployments.
type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an empty in-memory deduper.
func NewMemory() *Memory {
	return &Memory{expires: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.expires[key] = now.Add(window)

	// Opportunistic purge keeps the map bounded by the live window.
	if len(m.expires) > 1024 {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
	}
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.expires, key)
	m.mu.Unlock()
	return nil
}
