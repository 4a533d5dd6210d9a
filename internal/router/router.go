// Package router implements the Provider Router.
//
// The router maps a task kind to a generative backend using a routing
// table fixed at construction. Kinds whose preferred backend is not
// enabled fall back to the default backend. A failed call surfaces as a
// ProviderError; the router never retries on another backend mid-request.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/telemetry"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// ErrNoBackend is returned when no backend is enabled at all.
var ErrNoBackend = errors.New("no generative backend enabled")

// Meter gates and records spend for calls that carry a workspace.
// Implemented by budget.Guard.
type Meter interface {
	Enforce(ctx context.Context, workspaceID, agentID string) error
	Record(ctx context.Context, workspaceID string, usage models.TokenUsage) error
}

// Option configures a Router.
type Option func(*Router)

// WithMeter wires budget enforcement into every routed call.
func WithMeter(m Meter) Option { return func(r *Router) { r.meter = m } }

// WithMetrics wires provider call counters.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

// Router routes generation requests to backends.
type Router struct {
	backends    map[string]contracts.Backend
	order       []string
	routes      map[models.TaskKind]string
	defaultName string

	meter   Meter
	metrics *metrics.Metrics

	// Latency tracking: backend name → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

// New builds a router over the enabled backends. The routing table is
// copied; later changes to routing do not affect the router.
func New(routing config.Routing, backends []contracts.Backend, opts ...Option) *Router {
	r := &Router{
		backends:  make(map[string]contracts.Backend, len(backends)),
		routes:    make(map[models.TaskKind]string, len(routing.Routes)),
		latencies: make(map[string]int64),
	}
	for _, b := range backends {
		if _, dup := r.backends[b.Name()]; dup {
			continue
		}
		r.backends[b.Name()] = b
		r.order = append(r.order, b.Name())
	}
	for kind, name := range routing.Routes {
		r.routes[kind] = name
	}

	switch {
	case r.backends[routing.Default] != nil:
		r.defaultName = routing.Default
	case len(r.order) > 0:
		r.defaultName = r.order[0]
		log.Warn().
			Str("configured", routing.Default).
			Str("using", r.defaultName).
			Msg("Default backend not enabled, using first enabled backend")
	}

	for _, o := range opts {
		o(r)
	}
	return r
}

// Select resolves the backend for kind. It has no side effects.
func (r *Router) Select(kind models.TaskKind) (contracts.Backend, error) {
	if name, ok := r.routes[kind]; ok {
		if b := r.backends[name]; b != nil {
			return b, nil
		}
	}
	if b := r.backends[r.defaultName]; b != nil {
		return b, nil
	}
	return nil, ErrNoBackend
}

// Route performs a single non-streaming call on the selected backend.
func (r *Router) Route(ctx context.Context, req *models.RouteRequest) (*models.GenerateResult, error) {
	b, err := r.Select(req.TaskKind)
	if err != nil {
		return nil, &models.ProviderError{TaskKind: req.TaskKind, Err: err}
	}
	if err := r.enforce(ctx, req); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "router.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", b.Name()),
		attribute.String("task_kind", string(req.TaskKind)),
	)

	start := time.Now()
	res, err := b.Generate(ctx, &req.GenerateRequest)
	r.metrics.ProviderCall(b.Name(), string(req.TaskKind), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("backend", b.Name()).Str("task_kind", string(req.TaskKind)).Msg("Backend call failed")
		return nil, &models.ProviderError{Backend: b.Name(), TaskKind: req.TaskKind, Err: err}
	}
	r.observeLatency(b.Name(), time.Since(start))
	span.SetAttributes(attribute.Int64("tokens", res.Usage.TotalTokens))

	r.record(ctx, req, res.Usage)
	return res, nil
}

// RouteStream streams from the selected backend. fn returning an error
// aborts the stream; the abort error is returned as is and usage covers
// the delivered chunks only.
func (r *Router) RouteStream(ctx context.Context, req *models.RouteRequest, fn contracts.ChunkFunc) (*models.TokenUsage, error) {
	b, err := r.Select(req.TaskKind)
	if err != nil {
		return nil, &models.ProviderError{TaskKind: req.TaskKind, Err: err}
	}
	if err := r.enforce(ctx, req); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "router.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", b.Name()),
		attribute.String("task_kind", string(req.TaskKind)),
	)

	var consumerErr error
	start := time.Now()
	usage, err := b.Stream(ctx, &req.GenerateRequest, func(chunk string) error {
		if cerr := fn(chunk); cerr != nil {
			consumerErr = cerr
			return cerr
		}
		return nil
	})
	if usage != nil {
		r.record(ctx, req, *usage)
	}

	switch {
	case err == nil:
		r.metrics.ProviderCall(b.Name(), string(req.TaskKind), nil)
		r.observeLatency(b.Name(), time.Since(start))
		return usage, nil
	case consumerErr != nil && errors.Is(err, consumerErr):
		span.SetAttributes(attribute.Bool("aborted", true))
		return usage, err
	case ctx.Err() != nil:
		return usage, ctx.Err()
	default:
		r.metrics.ProviderCall(b.Name(), string(req.TaskKind), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return usage, &models.ProviderError{Backend: b.Name(), TaskKind: req.TaskKind, Err: err}
	}
}

func (r *Router) enforce(ctx context.Context, req *models.RouteRequest) error {
	if r.meter == nil || req.WorkspaceID == "" {
		return nil
	}
	return r.meter.Enforce(ctx, req.WorkspaceID, req.AgentID)
}

func (r *Router) record(ctx context.Context, req *models.RouteRequest, usage models.TokenUsage) {
	if r.meter == nil || req.WorkspaceID == "" || (usage.TotalTokens == 0 && usage.EstimatedCost == 0) {
		return
	}
	// Delivered chunks are accounted even when the consumer hung up.
	if err := r.meter.Record(context.WithoutCancel(ctx), req.WorkspaceID, usage); err != nil {
		log.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("Failed to record usage")
	}
}

// ── Backend Status ──────────────────────────────────────────

// BackendStatus is a snapshot of one enabled backend.
type BackendStatus struct {
	Name      string            `json:"name"`
	Default   bool              `json:"default"`
	TaskKinds []models.TaskKind `json:"task_kinds"`
	LatencyMs int64             `json:"avg_latency_ms"`
}

// Backends lists enabled backends with the task kinds each one serves.
func (r *Router) Backends() []BackendStatus {
	served := make(map[string][]models.TaskKind)
	for _, kind := range models.AllTaskKinds {
		if b, err := r.Select(kind); err == nil {
			served[b.Name()] = append(served[b.Name()], kind)
		}
	}

	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	out := make([]BackendStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, BackendStatus{
			Name:      name,
			Default:   name == r.defaultName,
			TaskKinds: served[name],
			LatencyMs: r.latencies[name],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Default && !out[j].Default })
	return out
}

// Describe renders the routing decision for logs.
func (r *Router) Describe(kind models.TaskKind) string {
	b, err := r.Select(kind)
	if err != nil {
		return fmt.Sprintf("%s → none", kind)
	}
	return fmt.Sprintf("%s → %s", kind, b.Name())
}

func (r *Router) observeLatency(name string, d time.Duration) {
	ms := d.Milliseconds()
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	if prev, ok := r.latencies[name]; ok {
		// Exponential moving average (alpha=0.3)
		r.latencies[name] = (prev*7 + ms*3) / 10
	} else {
		r.latencies[name] = ms
	}
}
