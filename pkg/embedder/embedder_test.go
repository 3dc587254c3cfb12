package embedder_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmbedder struct {
	mu     sync.Mutex
	inputs [][]string
	fail   bool
}

func (r *recordingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("provider down")
	}
	r.inputs = append(r.inputs, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (r *recordingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, err := r.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (r *recordingEmbedder) Dimensions() int { return 1 }
func (r *recordingEmbedder) Close() error    { return nil }

func TestGenerateEmbeddingCollapsesNewlines(t *testing.T) {
	rec := &recordingEmbedder{}
	_, err := embedder.GenerateEmbedding(context.Background(), rec, "Alice works\nat Acme\r\nsince 2020")
	require.NoError(t, err)
	require.Len(t, rec.inputs, 1)
	assert.Equal(t, []string{"Alice works at Acme since 2020"}, rec.inputs[0])
}

func TestCollapseNewlines(t *testing.T) {
	assert.Equal(t, "a b", embedder.CollapseNewlines("a\nb"))
	assert.Equal(t, "a  b", embedder.CollapseNewlines("a\n\nb"))
	assert.Equal(t, "  leading", embedder.CollapseNewlines("\n leading"))
	assert.Equal(t, "untouched\ttabs", embedder.CollapseNewlines("untouched\ttabs"))
}

func TestGenerateEmbeddingsKeepsOrderAcrossBatches(t *testing.T) {
	rec := &recordingEmbedder{}
	texts := []string{"a", "bb", "ccc", "dd\nd", "e"}

	vecs, err := embedder.GenerateEmbeddings(context.Background(), rec, texts, 2, 3)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, want := range []float32{1, 2, 3, 4, 1} {
		assert.Equal(t, want, vecs[i][0], "index %d", i)
	}
	assert.Len(t, rec.inputs, 3)
}

func TestGenerateEmbeddingsPropagatesErrors(t *testing.T) {
	rec := &recordingEmbedder{fail: true}
	_, err := embedder.GenerateEmbeddings(context.Background(), rec, []string{"a", "b"}, 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
}

func TestOpenAIEmbedderDimensions(t *testing.T) {
	tests := []struct {
		model string
		dims  int
		want  int
	}{
		{"text-embedding-ada-002", 0, 1536},
		{"text-embedding-3-large", 0, 3072},
		{"text-embedding-3-small", 256, 256},
		{"custom-model", 0, 1536},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			client := embedder.NewOpenAIEmbedder("test-key", embedder.Config{Model: tt.model, Dimensions: tt.dims})
			assert.Equal(t, tt.want, client.Dimensions())
		})
	}
}

func TestOpenAIEmbedderEmbed(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req.Input...)

		// return out of order to check index sorting
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 0.5},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer server.Close()

	client := embedder.NewOpenAIEmbedder("test-key", embedder.Config{
		Model:     "text-embedding-3-small",
		BaseURL:   server.URL,
		BatchSize: 2,
	})
	defer client.Close()

	vecs, err := client.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 0.5}, vecs[0])
	assert.Equal(t, []float32{1, 0.5}, vecs[1])
	assert.Equal(t, []float32{0, 0.5}, vecs[2])
	assert.Equal(t, []string{"one", "two", "three"}, seen)

	single, err := embedder.GenerateEmbedding(context.Background(), client, "multi\nline")
	require.NoError(t, err)
	assert.Len(t, single, 2)
	assert.Equal(t, "multi line", seen[len(seen)-1])
}

func TestOpenAIEmbedderImplementsClient(t *testing.T) {
	var _ embedder.Client = (*embedder.OpenAIEmbedder)(nil)
	var _ embedder.Client = (*embedder.EmbedEverythingClient)(nil)
}
