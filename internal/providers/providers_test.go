package providers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/providers"
	"github.com/resonancehq/control-plane/pkg/models"
)

var errStop = errors.New("consumer went away")

func openAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, piece := range []string{"Hola", " mundo", "!"} {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Draft ready.\nACTION: publish post"}}],"usage":{"prompt_tokens":100,"completion_tokens":20}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Generate(t *testing.T) {
	srv := openAIServer(t)
	b := providers.NewOpenAI("openai", srv.URL+"/v1", "sk-test", "gpt-4o-mini", srv.Client())

	res, err := b.Generate(context.Background(), &models.GenerateRequest{TaskKind: models.TaskChat, System: "be brief", Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "openai", res.Backend)
	assert.Equal(t, int64(120), res.Usage.TotalTokens)
	assert.Greater(t, res.Usage.EstimatedCost, 0.0)
	assert.True(t, res.RequiresApprovalHint, "ACTION: line should set the approval hint")
}

func TestOpenAI_StreamFull(t *testing.T) {
	srv := openAIServer(t)
	b := providers.NewOpenAI("openai", srv.URL+"/v1", "sk-test", "gpt-4o-mini", srv.Client())

	var chunks []string
	usage, err := b.Stream(context.Background(), &models.GenerateRequest{Prompt: "hi"}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola", " mundo", "!"}, chunks)
	assert.Equal(t, int64(15), usage.TotalTokens, "provider-reported usage wins on a full stream")
}

func TestOpenAI_StreamAbortStopsAndAccountsDeliveredOnly(t *testing.T) {
	srv := openAIServer(t)
	b := providers.NewOpenAI("openai", srv.URL+"/v1", "sk-test", "gpt-4o-mini", srv.Client())

	var chunks []string
	usage, err := b.Stream(context.Background(), &models.GenerateRequest{Prompt: "hi"}, func(c string) error {
		if len(chunks) == 1 {
			return errStop
		}
		chunks = append(chunks, c)
		return nil
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, []string{"Hola"}, chunks, "no chunks after abort")
	require.NotNil(t, usage)
	assert.Equal(t, providers.EstimateTokens("Hola"), usage.OutputTokens)
}

func TestOpenAI_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := providers.NewOpenAI("openai", srv.URL, "sk", "gpt-4o-mini", srv.Client())
	_, err := b.Generate(context.Background(), &models.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func anthropicServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body struct {
			System string `json:"system"`
			Stream bool   `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "persona", body.System)

		if body.Stream {
			events := []string{
				`{"type":"message_start","message":{"usage":{"input_tokens":30}}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Uno"}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":" dos"}}`,
				`{"type":"message_delta","usage":{"output_tokens":4}}`,
				`{"type":"message_stop"}`,
			}
			for _, e := range events {
				fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
			}
			return
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Plan listo"}],"usage":{"input_tokens":50,"output_tokens":10}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropic_GenerateAndStream(t *testing.T) {
	srv := anthropicServer(t)
	b := providers.NewAnthropic(srv.URL, "ak-test", "claude-3-5-haiku-latest", srv.Client())

	res, err := b.Generate(context.Background(), &models.GenerateRequest{System: "persona", Prompt: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "Plan listo", res.Text)
	assert.Equal(t, int64(60), res.Usage.TotalTokens)
	assert.False(t, res.RequiresApprovalHint)

	var sb strings.Builder
	usage, err := b.Stream(context.Background(), &models.GenerateRequest{System: "persona", Prompt: "plan"}, func(c string) error {
		sb.WriteString(c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Uno dos", sb.String())
	assert.Equal(t, int64(34), usage.TotalTokens)
}

// geminiServer speaks the Gemini API REST dialect used by the genai SDK.
func geminiServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gk-test", r.Header.Get("x-goog-api-key"))
		assert.Contains(t, r.URL.Path, "models/gemini-2.0-flash")

		var body struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.NotNil(t, body.SystemInstruction) && assert.NotEmpty(t, body.SystemInstruction.Parts) {
			assert.Equal(t, "persona", body.SystemInstruction.Parts[0].Text)
		}
		if assert.Len(t, body.Contents, 2, "history turn plus prompt") {
			assert.Equal(t, "model", body.Contents[0].Role)
			assert.Equal(t, "user", body.Contents[1].Role)
		}

		switch {
		case strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
			assert.Equal(t, "sse", r.URL.Query().Get("alt"))
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, piece := range []string{"Hola", " mundo", "!"} {
				fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":%q}]}}]}\n\n", piece)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: {\"candidates\":[],\"usageMetadata\":{\"promptTokenCount\":12,\"candidatesTokenCount\":3,\"totalTokenCount\":15}}\n\n")
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Draft ready.\nACTION: publish post"}]}}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":20,"totalTokenCount":120}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func geminiRequest() *models.GenerateRequest {
	return &models.GenerateRequest{
		TaskKind: models.TaskChat,
		System:   "persona",
		Prompt:   "hi",
		History:  []models.ChatMessage{{Role: "assistant", Content: "¿En qué te ayudo?"}},
	}
}

func newGemini(t *testing.T, srv *httptest.Server) *providers.Gemini {
	t.Helper()
	g, err := providers.NewGemini(context.Background(), srv.URL, "gk-test", "gemini-2.0-flash", srv.Client())
	require.NoError(t, err)
	return g
}

func TestGemini_Generate(t *testing.T) {
	g := newGemini(t, geminiServer(t))

	res, err := g.Generate(context.Background(), geminiRequest())
	require.NoError(t, err)
	assert.Equal(t, "gemini", res.Backend)
	assert.Equal(t, "Draft ready.\nACTION: publish post", res.Text)
	assert.Equal(t, int64(100), res.Usage.InputTokens)
	assert.Equal(t, int64(120), res.Usage.TotalTokens)
	assert.True(t, res.RequiresApprovalHint)
}

func TestGemini_StreamFull(t *testing.T) {
	g := newGemini(t, geminiServer(t))

	var chunks []string
	usage, err := g.Stream(context.Background(), geminiRequest(), func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola", " mundo", "!"}, chunks)
	assert.Equal(t, int64(15), usage.TotalTokens, "provider-reported usage wins on a full stream")
}

func TestGemini_StreamAbortAccountsDeliveredOnly(t *testing.T) {
	g := newGemini(t, geminiServer(t))

	var chunks []string
	usage, err := g.Stream(context.Background(), geminiRequest(), func(c string) error {
		if len(chunks) == 1 {
			return errStop
		}
		chunks = append(chunks, c)
		return nil
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, []string{"Hola"}, chunks)
	require.NotNil(t, usage)
	assert.Equal(t, providers.EstimateTokens("Hola"), usage.OutputTokens)
}

func TestGemini_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exhausted","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	g := newGemini(t, srv)
	_, err := g.Generate(context.Background(), &models.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini: generate")
	assert.Contains(t, err.Error(), "429")
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := providers.NewGemini(context.Background(), "", "", "", nil)
	assert.Error(t, err)
}

func TestBuild_RespectsFlagsAndCredentials(t *testing.T) {
	cfg := config.ProvidersConfig{
		OpenAI:    config.BackendConfig{Enabled: true, APIKey: "sk", BaseURL: "http://x", Model: "gpt-4o-mini"},
		Anthropic: config.BackendConfig{Enabled: true, APIKey: ""}, // no credentials
		Gemini:    config.BackendConfig{Enabled: false, APIKey: "g"},
		Ollama:    config.BackendConfig{Enabled: true, BaseURL: "http://localhost:11434", Model: "llama3.2"},
	}
	backends := providers.Build(context.Background(), cfg)

	var names []string
	for _, b := range backends {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"openai", "ollama"}, names)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), providers.EstimateTokens(""))
	assert.Equal(t, int64(1), providers.EstimateTokens("abc"))
	assert.Equal(t, int64(2), providers.EstimateTokens("ñandú!!"))
}
