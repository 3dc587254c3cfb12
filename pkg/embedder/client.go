package embedder

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Client generates vector embeddings for text.
type Client interface {
	// Embed generates embeddings for the given texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle generates an embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the number of dimensions in the embeddings.
	Dimensions() int
	// Close cleans up any resources.
	Close() error
}

// Config holds configuration shared by embedding clients.
type Config struct {
	Model      string
	BaseURL    string
	BatchSize  int
	Dimensions int
}

// CollapseNewlines replaces every newline run inside text with a single space.
func CollapseNewlines(text string) string {
	if !strings.ContainsAny(text, "\r\n") {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\n", " ")
}

// GenerateEmbedding embeds a single text after collapsing its newlines.
func GenerateEmbedding(ctx context.Context, client Client, text string) ([]float32, error) {
	return client.EmbedSingle(ctx, CollapseNewlines(text))
}

// GenerateEmbeddings embeds many texts, splitting them into batches of
// batchSize and running at most concurrency batches at once. Results keep
// the order of texts.
func GenerateEmbeddings(ctx context.Context, client Client, texts []string, batchSize, concurrency int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = CollapseNewlines(t)
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for start := 0; start < len(cleaned); start += batchSize {
		end := min(start+batchSize, len(cleaned))
		g.Go(func() error {
			vecs, err := client.Embed(gctx, cleaned[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding batch %d-%d: got %d vectors", start, end, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
