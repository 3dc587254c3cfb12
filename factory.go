package chronograph

import (
	"context"
	"fmt"
	"time"

	"github.com/soundprediction/chronograph/pkg/alert"
	"github.com/soundprediction/chronograph/pkg/checkpoint"
	"github.com/soundprediction/chronograph/pkg/config"
	"github.com/soundprediction/chronograph/pkg/driver"
	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/logger"
	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/search"
)

// NewFromConfig builds a Client and everything it depends on from
// configuration: logger, language model stack, embedder, graph driver and
// checkpoint store. Close on the returned client releases all of them.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*Client, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	log, err := logger.New(cfg.Log, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	closers = append(closers, log.Close)

	nlpClient, err := NewLanguageModel(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, nlpClient.Close)

	embedderClient, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		return fail(err)
	}
	dimensions := 0
	if embedderClient != nil {
		closers = append(closers, embedderClient.Close)
		dimensions = embedderClient.Dimensions()
	}

	graph, err := driver.New(ctx, cfg.Database, cfg.Vector, dimensions, log.Logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create graph driver: %w", err))
	}
	closers = append(closers, graph.Close)

	store, err := NewCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return fail(err)
	}
	if store != nil {
		closers = append(closers, store.Close)
	}

	pipeline := cfg.Pipeline
	client, err := NewClient(graph, nlpClient, embedderClient, &Config{
		Search: search.Config{
			Limit:       pipeline.CandidateLimit,
			Concurrency: pipeline.Concurrency,
		},
		NodeReflexionRounds: pipeline.NodeReflexionRounds,
		EdgeReflexionRounds: pipeline.EdgeReflexionRounds,
		ClassifyNodes:       pipeline.ClassifyNodes,
		ResolutionVotes:     pipeline.ResolutionVotes,
		Concurrency:         pipeline.Concurrency,
		LenientParsing:      pipeline.LenientParsing,
		GenerateEmbeddings:  pipeline.GenerateEmbeddings,
		EmbeddingBatchSize:  cfg.Embedding.BatchSize,
		Checkpoints:         store,
	}, log.Logger)
	if err != nil {
		return fail(err)
	}
	client.closers = closers
	return client, nil
}

// NewLanguageModel builds the language model stack: one provider client per
// configured model, each wrapped with retries, an optional circuit breaker
// and an in-flight limit, routed by pipeline stage and optionally recorded
// in a token usage ledger.
func NewLanguageModel(cfg *config.Config) (nlp.Client, error) {
	alerter := alert.New(cfg.Alert)
	retry := &nlp.RetryConfig{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}

	providers := make(map[string]nlp.Client, len(cfg.NLP.Models))
	closeAll := func() {
		for _, p := range providers {
			_ = p.Close()
		}
	}
	for id, model := range cfg.NLP.Models {
		base, err := newProviderClient(model)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("nlp model %q: %w", id, err)
		}
		var client nlp.Client = nlp.NewRetryClient(base, retry)
		if cfg.CircuitBreaker.Enabled {
			client = nlp.NewCircuitBreakerClient(client, cfg.CircuitBreaker, alerter, id)
		}
		if cfg.NLP.MaxInFlight > 0 {
			client = nlp.NewLimitedClient(client, cfg.NLP.MaxInFlight)
		}
		providers[id] = client
	}

	router, err := nlp.NewRouterClient(providers, cfg.NLP.RouterRules)
	if err != nil {
		closeAll()
		return nil, err
	}
	if cfg.NLP.TokenLedgerPath == "" {
		return router, nil
	}
	tracker, err := nlp.NewTokenTracker(cfg.NLP.TokenLedgerPath, 0)
	if err != nil {
		_ = router.Close()
		return nil, fmt.Errorf("failed to create token tracker: %w", err)
	}
	return nlp.NewTokenTrackingClient(router, tracker), nil
}

func newProviderClient(model config.NLPModelConfig) (nlp.Client, error) {
	clientConfig := nlp.Config{
		Model:   model.Model,
		BaseURL: model.BaseURL,
	}
	temperature := model.Temperature
	clientConfig.Temperature = &temperature
	if model.MaxTokens > 0 {
		maxTokens := model.MaxTokens
		clientConfig.MaxTokens = &maxTokens
	}

	switch model.Provider {
	case "", "openai":
		return nlp.NewOpenAIClient(model.APIKey, clientConfig)
	case "anthropic":
		return nlp.NewAnthropicClient(model.APIKey, clientConfig)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", model.Provider)
	}
}

// NewEmbedder builds the configured embedder. Provider "none" returns nil,
// which limits candidate search to lexical matching.
func NewEmbedder(cfg config.EmbeddingConfig) (embedder.Client, error) {
	embedderConfig := embedder.Config{
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		BatchSize:  cfg.BatchSize,
		Dimensions: cfg.Dimensions,
	}
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "", "openai":
		return embedder.NewOpenAIEmbedder(cfg.APIKey, embedderConfig), nil
	case "embedeverything":
		client, err := embedder.NewEmbedEverythingClient(embedderConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// NewCheckpointStore opens the configured checkpoint backend. Backend
// "none" returns nil and disables checkpoints.
func NewCheckpointStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint directory: %w", err)
		}
		return store, nil
	case "badger":
		store, err := checkpoint.NewBadgerStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}
