// Package contracts defines the narrow interfaces between the control plane
// and its external collaborators: generative backends, the chat gateway,
// embedding providers, and whatever applies approved actions.
//
// Concrete implementations live under internal/. Tests substitute fakes.
package contracts

import (
	"context"

	"github.com/resonancehq/control-plane/pkg/models"
)

// ── Generative Backend ──────────────────────────────────────

// ChunkFunc receives one streamed text chunk. Returning an error aborts the
// stream: no further chunks are produced.
type ChunkFunc func(chunk string) error

// Backend is a uniform call/stream interface over one text-generation provider.
type Backend interface {
	// Name is the routing-table key ("openai", "anthropic", "gemini", "ollama").
	Name() string

	// Generate performs a single-shot call.
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error)

	// Stream emits chunks incrementally. The returned usage covers only the
	// chunks that fn accepted; an aborted stream reports usage for what was
	// delivered and returns the abort error.
	Stream(ctx context.Context, req *models.GenerateRequest, fn ChunkFunc) (*models.TokenUsage, error)
}

// ── Chat Gateway ────────────────────────────────────────────

// Sender delivers an outbound message through the chat gateway.
// Delivery is best-effort; callers log failures and do not retry.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) error
}

// ── Embeddings ──────────────────────────────────────────────

// Embedder turns text into a similarity vector.
type Embedder interface {
	Kind() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ── Approvals ───────────────────────────────────────────────

// Applier performs an approved action that is not tied to a pipeline.
type Applier interface {
	Apply(ctx context.Context, req *models.ApprovalRequest) error
}

// PipelineResumer continues a pipeline parked in awaiting_approval once its
// approval request has been resolved.
type PipelineResumer interface {
	ResumeAfterApproval(ctx context.Context, req *models.ApprovalRequest) error
}
