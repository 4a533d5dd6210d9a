package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAI embeds text with the Gemini embedding models.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates a Gemini embedder. An empty baseURL uses the SDK's
// endpoint.
func NewGenAI(ctx context.Context, baseURL, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embeddings: API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("genai embeddings: create client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

func (e *GenAI) Kind() string { return "genai" }

// Embed uses the native batch call.
func (e *GenAI) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: expected %d vectors, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float64, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		v := make([]float64, len(emb.Values))
		for j, f := range emb.Values {
			v[j] = float64(f)
		}
		vectors[i] = v
	}
	return vectors, nil
}
