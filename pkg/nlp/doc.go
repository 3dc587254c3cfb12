// Package nlp provides the language model adapter used by the extraction
// and resolution pipeline.
//
// The Client interface is implemented by provider clients for OpenAI (and
// OpenAI-compatible services such as Ollama or vLLM) and Anthropic.
//
// # Client Wrappers
//
// Wrappers compose around any Client:
//   - RetryClient: retry with exponential backoff and jitter
//   - CircuitBreakerClient: stop calling a provider that keeps failing
//   - LimitedClient: cap the number of in-flight calls
//   - RouterClient: pick a provider by pipeline stage (see WithStage)
//   - TokenTrackingClient: record token usage to parquet files
//
// # Structured Output
//
// GenerateStructured sends a system+user prompt pair and decodes the reply
// into a typed schema. It never turns a failure into an empty result: every
// failure comes back as an *OracleError carrying a types.FailureKind.
//
//	client, err := nlp.NewOpenAIClient(apiKey, nlp.Config{Model: "gpt-4o-mini"})
//	llm := nlp.NewRetryClient(client, nlp.DefaultRetryConfig())
//
//	ctx = nlp.WithStage(ctx, "extract_nodes")
//	out, err := nlp.GenerateStructured[prompts.ExtractedEntities](ctx, llm, msgs, "ExtractedEntities", nil)
//
// # Error Handling
//
// Classify maps any error returned by a Client into a types.FailureKind.
// RateLimitError, RefusalError and EmptyResponseError support errors.Is().
package nlp
