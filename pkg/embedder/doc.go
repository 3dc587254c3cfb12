// Package embedder provides text embedding clients.
//
// Implementations:
//   - OpenAIEmbedder: OpenAI and OpenAI-compatible embedding endpoints
//   - EmbedEverythingClient: local models through go-embedeverything
//
// GenerateEmbedding is the entry point used by the pipeline. It collapses
// internal newlines to spaces before the text reaches the provider; no other
// preprocessing is applied.
//
//	client := embedder.NewOpenAIEmbedder(apiKey, embedder.Config{Model: "text-embedding-3-small"})
//	vec, err := embedder.GenerateEmbedding(ctx, client, "Alice works at Acme\nsince 2020")
package embedder
