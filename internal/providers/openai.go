package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// OpenAI talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI itself, Ollama's /v1 shim, proxies).
type OpenAI struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend registered under name.
func NewOpenAI(name, baseURL, apiKey, model string, client *http.Client) *OpenAI {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAI{name: name, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, model: model, client: client}
}

func (o *OpenAI) Name() string { return o.name }

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []models.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (o *OpenAI) messages(req *models.GenerateRequest) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.History...)
	return append(msgs, models.ChatMessage{Role: "user", Content: userContent(req)})
}

func (o *OpenAI) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", o.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", o.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", o.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(o.name, resp)
	}
	return resp, nil
}

func (o *OpenAI) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	start := time.Now()
	resp, err := o.post(ctx, openAIRequest{Model: o.model, Messages: o.messages(req)})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", o.name, err)
	}
	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}

	return &models.GenerateResult{
		Text:                 content,
		Backend:              o.name,
		Model:                o.model,
		Usage:                usageFor(o.model, out.Usage.PromptTokens, out.Usage.CompletionTokens),
		RequiresApprovalHint: approvalHint(content),
		LatencyMs:            since(start),
	}, nil
}

func (o *OpenAI) Stream(ctx context.Context, req *models.GenerateRequest, fn contracts.ChunkFunc) (*models.TokenUsage, error) {
	resp, err := o.post(ctx, openAIRequest{
		Model:         o.model,
		Messages:      o.messages(req),
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		delivered strings.Builder
		reported  *openAIUsage
	)
	err = readSSE(ctx, resp.Body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		if chunk.Usage != nil {
			reported = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			return false, nil
		}
		text := chunk.Choices[0].Delta.Content
		if err := fn(text); err != nil {
			return true, err
		}
		delivered.WriteString(text)
		return false, nil
	})
	if err != nil {
		return abortedUsage(o.model, req, delivered.String()), err
	}
	if reported != nil {
		u := usageFor(o.model, reported.PromptTokens, reported.CompletionTokens)
		return &u, nil
	}
	return abortedUsage(o.model, req, delivered.String()), nil
}
