// Package providers implements the generative backend adapters behind a
// single call/stream interface (contracts.Backend).
package providers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// Build returns every backend whose feature flag is on and whose
// credentials are present. Evaluated once per process lifetime.
func Build(ctx context.Context, cfg config.ProvidersConfig) []contracts.Backend {
	client := &http.Client{Timeout: cfg.Timeout}
	var backends []contracts.Backend

	if cfg.OpenAI.Enabled && cfg.OpenAI.APIKey != "" {
		backends = append(backends, NewOpenAI("openai", cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, client))
	}
	if cfg.Anthropic.Enabled && cfg.Anthropic.APIKey != "" {
		backends = append(backends, NewAnthropic(cfg.Anthropic.BaseURL, cfg.Anthropic.APIKey, cfg.Anthropic.Model, client))
	}
	if cfg.Gemini.Enabled && cfg.Gemini.APIKey != "" {
		g, err := NewGemini(ctx, cfg.Gemini.BaseURL, cfg.Gemini.APIKey, cfg.Gemini.Model, client)
		if err != nil {
			log.Warn().Err(err).Msg("Gemini backend disabled")
		} else {
			backends = append(backends, g)
		}
	}
	if cfg.Ollama.Enabled && cfg.Ollama.BaseURL != "" {
		// Ollama speaks the OpenAI chat-completions dialect under /v1.
		backends = append(backends, NewOpenAI("ollama", strings.TrimRight(cfg.Ollama.BaseURL, "/")+"/v1", "", cfg.Ollama.Model, client))
	}

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	log.Info().Strs("backends", names).Msg("🔌 Generative backends configured")
	return backends
}

// ── Cost Helpers ────────────────────────────────────────────

// Known cost per 1K tokens (USD).
var defaultCosts = map[string]map[string]float64{
	"gpt-4o":                  {"input": 0.0025, "output": 0.01},
	"gpt-4o-mini":             {"input": 0.00015, "output": 0.0006},
	"claude-3-5-haiku-latest": {"input": 0.0008, "output": 0.004},
	"claude-sonnet-4-0":       {"input": 0.003, "output": 0.015},
	"gemini-2.0-flash":        {"input": 0.0001, "output": 0.0004},
	"gemini-2.5-flash":        {"input": 0.0003, "output": 0.0025},
}

func modelCost(model, direction string) float64 {
	if costs, ok := defaultCosts[model]; ok {
		return costs[direction]
	}
	return 0.001
}

func usageFor(model string, in, out int64) models.TokenUsage {
	return models.TokenUsage{
		InputTokens:   in,
		OutputTokens:  out,
		TotalTokens:   in + out,
		EstimatedCost: float64(in)/1000*modelCost(model, "input") + float64(out)/1000*modelCost(model, "output"),
	}
}

// EstimateTokens approximates a token count as one token per four runes.
// Used when a stream is aborted before the provider reports usage.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

// ── Prompt Assembly ─────────────────────────────────────────

// userContent joins the prompt with optional retrieved context.
func userContent(req *models.GenerateRequest) string {
	if req.Context == "" {
		return req.Prompt
	}
	return req.Prompt + "\n\nContext:\n" + req.Context
}

func promptText(req *models.GenerateRequest) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.History {
		b.WriteString(m.Content)
	}
	b.WriteString(userContent(req))
	return b.String()
}

// approvalHint reports whether the model flagged a side-effecting action.
// System prompts ask models to put proposed actions on a line starting
// with "ACTION:".
func approvalHint(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(strings.ToUpper(line)), "ACTION:") {
			return true
		}
	}
	return false
}

// ── HTTP / SSE Helpers ──────────────────────────────────────

func statusError(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: status %d: %s", backend, resp.StatusCode, strings.TrimSpace(string(body)))
}

// readSSE calls onData with the payload of every "data:" line until the
// body ends, onData returns an error, or ctx is done.
func readSSE(ctx context.Context, body io.Reader, onData func(data string) (stop bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		stop, err := onData(data)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// abortedUsage accounts only for what was actually delivered.
func abortedUsage(model string, req *models.GenerateRequest, delivered string) *models.TokenUsage {
	u := usageFor(model, EstimateTokens(promptText(req)), EstimateTokens(delivered))
	return &u
}

func since(start time.Time) int64 { return time.Since(start).Milliseconds() }
