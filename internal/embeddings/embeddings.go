// Package embeddings provides the similarity-vector providers used by
// resonance memory.
package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/pkg/contracts"
)

// New returns the configured embedder, or nil when embeddings are off.
// Credentials are shared with the generative backend of the same vendor.
func New(ctx context.Context, cfg config.EmbeddingsConfig, providers config.ProvidersConfig) (contracts.Embedder, error) {
	switch cfg.Provider {
	case "", "none":
		log.Info().Msg("🧭 Embeddings disabled, resonance uses keyword recall only")
		return nil, nil
	case "openai":
		return NewOpenAI("openai", providers.OpenAI.BaseURL, providers.OpenAI.APIKey, cfg.Model, nil), nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOpenAI("ollama", strings.TrimRight(providers.Ollama.BaseURL, "/")+"/v1", "", model, nil), nil
	case "genai", "gemini":
		e, err := NewGenAI(ctx, providers.Gemini.BaseURL, providers.Gemini.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}
