package nlp

import (
	"context"
	"fmt"

	"github.com/soundprediction/chronograph/pkg/types"
	"golang.org/x/sync/semaphore"
)

// LimitedClient bounds the number of in-flight calls to the wrapped client.
// Share one LimitedClient across every stage that talks to the same provider.
type LimitedClient struct {
	client Client
	sem    *semaphore.Weighted
	limit  int64
}

// NewLimitedClient creates a client allowing at most maxInFlight concurrent calls.
func NewLimitedClient(client Client, maxInFlight int) *LimitedClient {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &LimitedClient{
		client: client,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
		limit:  int64(maxInFlight),
	}
}

// Chat implements Client
func (l *LimitedClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for LLM slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.client.Chat(ctx, messages)
}

// ChatWithStructuredOutput implements Client
func (l *LimitedClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for LLM slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.client.ChatWithStructuredOutput(ctx, messages, schema)
}

// Limit returns the configured maximum number of in-flight calls.
func (l *LimitedClient) Limit() int {
	return int(l.limit)
}

// Close implements Client
func (l *LimitedClient) Close() error {
	return l.client.Close()
}
