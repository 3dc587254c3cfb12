package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soundprediction/chronograph/pkg/config"
	"github.com/soundprediction/chronograph/pkg/types"
)

// RouterClient routes requests to specific LLM providers based on the
// pipeline stage tagged on the context (see WithStage).
type RouterClient struct {
	providers     map[string]Client
	rules         []config.RouterRule
	defaultClient Client
}

// NewRouterClient creates a new router client. The provider keyed "default"
// serves every stage without a matching rule.
func NewRouterClient(providers map[string]Client, rules []config.RouterRule) (*RouterClient, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	defaultClient, ok := providers["default"]
	if !ok {
		return nil, fmt.Errorf("no default provider configured")
	}
	for _, rule := range rules {
		if _, ok := providers[rule.Provider]; !ok {
			return nil, fmt.Errorf("router rule for stage %q references unknown provider %q", rule.Stage, rule.Provider)
		}
		if rule.Fallback != "" {
			if _, ok := providers[rule.Fallback]; !ok {
				return nil, fmt.Errorf("router rule for stage %q references unknown fallback %q", rule.Stage, rule.Fallback)
			}
		}
	}

	return &RouterClient{
		providers:     providers,
		rules:         rules,
		defaultClient: defaultClient,
	}, nil
}

// clientsFor determines which client and fallback serve the context's stage.
func (r *RouterClient) clientsFor(ctx context.Context) (Client, Client) {
	stage := StageFromContext(ctx)
	if stage == "" {
		return r.defaultClient, nil
	}
	for _, rule := range r.rules {
		if strings.EqualFold(rule.Stage, stage) {
			var fallback Client
			if rule.Fallback != "" {
				fallback = r.providers[rule.Fallback]
			}
			return r.providers[rule.Provider], fallback
		}
	}
	return r.defaultClient, nil
}

// Chat implements Client with routing and fallback
func (r *RouterClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	primary, fallback := r.clientsFor(ctx)

	resp, err := primary.Chat(ctx, messages)
	if err != nil && fallback != nil && ctx.Err() == nil {
		slog.Warn("Routing fallback triggered", "stage", StageFromContext(ctx), "error", err)
		return fallback.Chat(ctx, messages)
	}
	return resp, err
}

// ChatWithStructuredOutput implements Client with routing and fallback
func (r *RouterClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	primary, fallback := r.clientsFor(ctx)

	resp, err := primary.ChatWithStructuredOutput(ctx, messages, schema)
	if err != nil && fallback != nil && ctx.Err() == nil {
		slog.Warn("Routing fallback triggered", "stage", StageFromContext(ctx), "error", err)
		return fallback.ChatWithStructuredOutput(ctx, messages, schema)
	}
	return resp, err
}

// Close closes all providers
func (r *RouterClient) Close() error {
	var errs []string
	for id, provider := range r.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
