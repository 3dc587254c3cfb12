package nlp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/soundprediction/chronograph/pkg/types"
)

// DefaultAnthropicModel is used when Config.Model is empty.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicClient implements the Client interface for Anthropic's Claude models.
type AnthropicClient struct {
	client *anthropic.Client
	config Config
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, config Config) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	var opts []anthropic.ClientOption
	if config.BaseURL != "" {
		if err := validateBaseURL(config.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		opts = append(opts, anthropic.WithBaseURL(config.BaseURL))
	}
	if config.Model == "" {
		config.Model = DefaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(apiKey, opts...),
		config: config,
	}, nil
}

// Chat sends a messages request. System messages are joined into the
// request's system prompt.
func (c *AnthropicClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return c.complete(ctx, c.buildRequest(messages, false))
}

// ChatWithStructuredOutput sends a messages request and primes the assistant
// turn with "{" so the reply continues a JSON object.
func (c *AnthropicClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	resp, err := c.complete(ctx, c.buildRequest(messages, true))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.TrimSpace(resp.Content), "{") {
		resp.Content = "{" + resp.Content
	}
	return resp, nil
}

// Close cleans up resources (no-op for Anthropic client).
func (c *AnthropicClient) Close() error {
	return nil
}

func (c *AnthropicClient) complete(ctx context.Context, req anthropic.MessagesRequest) (*types.Response, error) {
	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	var sb strings.Builder
	for _, content := range resp.Content {
		if content.Text != nil {
			sb.WriteString(*content.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, NewEmptyResponseError("anthropic returned no text content")
	}

	return &types.Response{
		Content:      sb.String(),
		FinishReason: string(resp.StopReason),
		Model:        string(resp.Model),
		TokensUsed: &types.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (c *AnthropicClient) buildRequest(messages []types.Message, structuredOutput bool) anthropic.MessagesRequest {
	var system []string
	var msgs []anthropic.Message
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		default:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		}
	}
	if structuredOutput {
		msgs = append(msgs, anthropic.Message{
			Role:    anthropic.RoleAssistant,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent("{")},
		})
	}

	maxTokens := DefaultMaxTokens
	if c.config.MaxTokens != nil {
		maxTokens = *c.config.MaxTokens
	}

	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.config.Model),
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if c.config.Temperature != nil {
		req.Temperature = c.config.Temperature
	}
	if c.config.TopP != nil {
		req.TopP = c.config.TopP
	}
	if len(c.config.Stop) > 0 {
		req.StopSequences = c.config.Stop
	}
	return req
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) && apiErr.IsRateLimitErr() {
		return fmt.Errorf("anthropic messages request failed: %w", NewRateLimitError(apiErr.Error()))
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		return fmt.Errorf("anthropic messages request failed: %w", &statusError{status: reqErr.StatusCode, err: err})
	}
	return fmt.Errorf("anthropic messages request failed: %w", err)
}
