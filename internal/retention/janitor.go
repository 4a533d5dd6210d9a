// Package retention purges finished pipelines once they age out.
//
// A pipeline is eligible when it is completed or failed and its completion
// time is older than the retention window. Resolved approvals of a purged
// pipeline go with it. Active pipelines, pending approvals, resonance
// entries and usage counters are never touched.
//
// The janitor runs as a background goroutine and stops when its context
// is canceled.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/store"
)

// MinInterval is the shortest sweep interval the janitor accepts.
const MinInterval = time.Minute

// Janitor periodically purges expired pipelines.
type Janitor struct {
	store    store.PipelineStore
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor that keeps finished pipelines for window
// and sweeps every interval.
func NewJanitor(s store.PipelineStore, window, interval time.Duration) *Janitor {
	if interval < MinInterval {
		interval = time.Hour
	}
	return &Janitor{store: s, window: window, interval: interval, now: time.Now}
}

// Enabled reports whether a retention window is configured.
func (j *Janitor) Enabled() bool { return j.window > 0 }

// Start runs sweeps until ctx is canceled. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	if !j.Enabled() {
		log.Info().Msg("Retention janitor disabled, finished pipelines are kept")
		return
	}
	log.Info().
		Dur("window", j.window).
		Dur("interval", j.interval).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle sweeps once. Failures are logged; the next tick retries.
func (j *Janitor) runCycle(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Retention sweep failed")
	}
}

// Sweep runs one purge and returns how many pipelines were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if !j.Enabled() {
		return 0, nil
	}
	start := j.now()
	cutoff := start.Add(-j.window)
	n, err := j.store.PurgePipelines(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge pipelines before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		log.Info().
			Int("purged_pipelines", n).
			Time("cutoff", cutoff).
			Dur("elapsed", j.now().Sub(start)).
			Msg("Retention cycle complete")
	}
	return n, nil
}
