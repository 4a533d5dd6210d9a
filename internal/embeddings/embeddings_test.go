package embeddings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/embeddings"
)

func TestOpenAI_EmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body.Model)
		assert.Len(t, body.Input, 2)
		// Returned out of order on purpose.
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := embeddings.NewOpenAI("openai", srv.URL+"/v1", "sk", "", srv.Client())
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, vecs)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := embeddings.NewOpenAI("openai", srv.URL, "bad", "", srv.Client())
	_, err := e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestGenAI_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gk-test", r.Header.Get("x-goog-api-key"))
		assert.Contains(t, r.URL.Path, "models/gemini-embedding-001")
		assert.True(t, strings.HasSuffix(r.URL.Path, "EmbedContents") || strings.HasSuffix(r.URL.Path, "embedContent"), r.URL.Path)

		var body struct {
			Requests []json.RawMessage `json:"requests"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Requests, 2)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[1,0]},{"values":[0,0.5]}]}`))
	}))
	defer srv.Close()

	e, err := embeddings.NewGenAI(context.Background(), srv.URL, "gk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "genai", e.Kind())

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 0.5}}, vecs)

	none, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGenAI_CountMismatchIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := embeddings.NewGenAI(context.Background(), srv.URL, "gk-test", "")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"first", "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 vectors")
}

func TestNew_Selection(t *testing.T) {
	ctx := context.Background()
	providers := config.ProvidersConfig{Ollama: config.BackendConfig{BaseURL: "http://localhost:11434"}}

	e, err := embeddings.New(ctx, config.EmbeddingsConfig{Provider: "none"}, providers)
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = embeddings.New(ctx, config.EmbeddingsConfig{Provider: "ollama"}, providers)
	require.NoError(t, err)
	assert.Equal(t, "ollama", e.Kind())

	_, err = embeddings.New(ctx, config.EmbeddingsConfig{Provider: "word2vec"}, providers)
	assert.Error(t, err)
}
