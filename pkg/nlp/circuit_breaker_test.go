package nlp

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/soundprediction/chronograph/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	subjects []string
}

func (r *recordingAlerter) Alert(subject, message string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

func TestCircuitBreakerClientOpensAndAlerts(t *testing.T) {
	mock := &mockClient{failUntilCall: 100, errorToReturn: errors.New("503 service unavailable")}
	alerter := &recordingAlerter{}
	cb := NewCircuitBreakerClient(mock, config.CircuitBreakerConfig{
		MaxRequests:      1,
		MinRequests:      2,
		Interval:         60,
		Timeout:          60,
		ReadyToTripRatio: 0.5,
	}, alerter, "default")

	for i := 0; i < 2; i++ {
		_, err := cb.Chat(context.Background(), nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())
	require.Len(t, alerter.subjects, 1)

	_, err := cb.Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, mock.calls(), "open breaker must not reach the provider")
	assert.False(t, isRetryableError(err))
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	mock := &mockClient{failUntilCall: 100, errorToReturn: context.Canceled}
	cb := NewCircuitBreakerClient(mock, config.CircuitBreakerConfig{
		MaxRequests:      1,
		MinRequests:      1,
		Interval:         60,
		Timeout:          60,
		ReadyToTripRatio: 0.1,
	}, nil, "default")

	for i := 0; i < 3; i++ {
		_, err := cb.ChatWithStructuredOutput(context.Background(), nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
