package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/models"
)

func finishedPipeline(id, user string, at time.Time) *models.Pipeline {
	return &models.Pipeline{
		ID: id, WorkspaceID: "ws", UserID: user, AgentID: "agent", RequestText: "informe",
		Channel: "whatsapp", Status: models.PipelineCompleted,
		CreatedAt: at, UpdatedAt: at, CompletedAt: &at,
	}
}

func TestJanitor_SweepPurgesExpired(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreatePipeline(ctx, finishedPipeline("old", "u1", now.Add(-10*24*time.Hour))))
	require.NoError(t, s.CreatePipeline(ctx, finishedPipeline("fresh", "u2", now.Add(-time.Hour))))

	j := NewJanitor(s, 7*24*time.Hour, time.Hour)
	j.now = func() time.Time { return now }

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetPipeline(ctx, "old")
	assert.True(t, store.IsNotFound(err))
	_, err = s.GetPipeline(ctx, "fresh")
	assert.NoError(t, err)
}

func TestJanitor_DisabledKeepsEverything(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreatePipeline(ctx, finishedPipeline("old", "u1", time.Now().Add(-365*24*time.Hour))))

	j := NewJanitor(s, 0, time.Hour)
	assert.False(t, j.Enabled())
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Start returns at once when disabled.
	j.Start(ctx)
	_, err = s.GetPipeline(ctx, "old")
	assert.NoError(t, err)
}

func TestJanitor_StartStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := store.NewMemoryStore("")
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())

	j := NewJanitor(s, time.Hour, time.Second)
	assert.Equal(t, time.Hour, j.interval, "intervals below the minimum fall back to hourly")

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
