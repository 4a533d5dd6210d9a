package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// Gemini uses the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini backend. An empty baseURL uses the SDK's
// endpoint; httpClient may be nil.
func NewGemini(ctx context.Context, baseURL, apiKey, model string, httpClient *http.Client) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) contents(req *models.GenerateRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case "user":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return append(contents, genai.NewContentFromText(userContent(req), genai.RoleUser))
}

func (g *Gemini) config(req *models.GenerateRequest) *genai.GenerateContentConfig {
	if req.System == "" {
		return nil
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
	}
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func (g *Gemini) usage(meta *genai.GenerateContentResponseUsageMetadata) (models.TokenUsage, bool) {
	if meta == nil {
		return models.TokenUsage{}, false
	}
	return usageFor(g.model, int64(meta.PromptTokenCount), int64(meta.CandidatesTokenCount)), true
}

func (g *Gemini) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, g.contents(req), g.config(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	text := responseText(resp)
	usage, ok := g.usage(resp.UsageMetadata)
	if !ok {
		usage = usageFor(g.model, EstimateTokens(promptText(req)), EstimateTokens(text))
	}
	return &models.GenerateResult{
		Text:                 text,
		Backend:              g.Name(),
		Model:                g.model,
		Usage:                usage,
		RequiresApprovalHint: approvalHint(text),
		LatencyMs:            since(start),
	}, nil
}

func (g *Gemini) Stream(ctx context.Context, req *models.GenerateRequest, fn contracts.ChunkFunc) (*models.TokenUsage, error) {
	var (
		delivered strings.Builder
		reported  *models.TokenUsage
	)
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, g.contents(req), g.config(req)) {
		if err != nil {
			return abortedUsage(g.model, req, delivered.String()), fmt.Errorf("gemini: stream: %w", err)
		}
		if u, ok := g.usage(resp.UsageMetadata); ok {
			reported = &u
		}
		text := responseText(resp)
		if text == "" {
			continue
		}
		if err := fn(text); err != nil {
			// Breaking out of the range stops the SDK iterator.
			return abortedUsage(g.model, req, delivered.String()), err
		}
		delivered.WriteString(text)
	}
	if reported != nil {
		return reported, nil
	}
	return abortedUsage(g.model, req, delivered.String()), nil
}
