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

// Anthropic talks to the Messages API.
type Anthropic struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(baseURL, apiKey, model string, client *http.Client) *Anthropic {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, model: model, maxTokens: 4096, client: client}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
	Stream    bool                 `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) messages(req *models.GenerateRequest) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		// System turns go in the top-level field.
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: userContent(req)})
}

func (a *Anthropic) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("anthropic", resp)
	}
	return resp, nil
}

func (a *Anthropic) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	start := time.Now()
	resp, err := a.post(ctx, anthropicRequest{Model: a.model, System: req.System, Messages: a.messages(req), MaxTokens: a.maxTokens})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	var content strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	return &models.GenerateResult{
		Text:                 content.String(),
		Backend:              a.Name(),
		Model:                a.model,
		Usage:                usageFor(a.model, out.Usage.InputTokens, out.Usage.OutputTokens),
		RequiresApprovalHint: approvalHint(content.String()),
		LatencyMs:            since(start),
	}, nil
}

func (a *Anthropic) Stream(ctx context.Context, req *models.GenerateRequest, fn contracts.ChunkFunc) (*models.TokenUsage, error) {
	resp, err := a.post(ctx, anthropicRequest{Model: a.model, System: req.System, Messages: a.messages(req), MaxTokens: a.maxTokens, Stream: true})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		delivered strings.Builder
		usage     anthropicUsage
		finished  bool
	)
	err = readSSE(ctx, resp.Body, func(data string) (bool, error) {
		var evt anthropicEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return false, nil
		}
		switch evt.Type {
		case "error":
			msg := "stream error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return true, fmt.Errorf("anthropic: %s", msg)
		case "message_start":
			if evt.Message != nil {
				usage.InputTokens = evt.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if evt.Delta == nil || evt.Delta.Text == "" {
				return false, nil
			}
			if err := fn(evt.Delta.Text); err != nil {
				return true, err
			}
			delivered.WriteString(evt.Delta.Text)
		case "message_delta":
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
		case "message_stop":
			finished = true
			return true, nil
		}
		return false, nil
	})
	if err != nil || !finished {
		return abortedUsage(a.model, req, delivered.String()), err
	}
	u := usageFor(a.model, usage.InputTokens, usage.OutputTokens)
	return &u, nil
}
