package nlp

import (
	"context"
	"errors"
	"fmt"

	"github.com/soundprediction/chronograph/pkg/jsonutil"
	"github.com/soundprediction/chronograph/pkg/types"
)

// Common LLM client errors
var (
	// ErrRateLimit indicates the rate limit has been exceeded
	ErrRateLimit = errors.New("rate limit exceeded. Please try again later")

	// ErrRefusal indicates the LLM refused to respond to the prompt
	ErrRefusal = errors.New("the LLM refused to respond to this prompt")

	// ErrEmptyResponse indicates the LLM returned an empty response
	ErrEmptyResponse = errors.New("the LLM returned an empty response")

	// ErrInvalidModel indicates an invalid model was specified
	ErrInvalidModel = errors.New("invalid model specified")

	// ErrPromptShape indicates a prompt did not consist of exactly one system
	// message followed by one user message.
	ErrPromptShape = errors.New("prompt must contain exactly one system and one user message")

	// ErrCircuitOpen indicates the circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// RateLimitError represents a rate limit error with optional custom message
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit exceeded. Please try again later"
	}
	return e.Message
}

// Is implements errors.Is support for RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new rate limit error with optional custom message
func NewRateLimitError(message ...string) *RateLimitError {
	err := &RateLimitError{}
	if len(message) > 0 {
		err.Message = message[0]
	}
	return err
}

// RefusalError represents an LLM refusal error
type RefusalError struct {
	Message string
}

func (e *RefusalError) Error() string {
	return e.Message
}

// Is implements errors.Is support for RefusalError.
func (e *RefusalError) Is(target error) bool {
	_, ok := target.(*RefusalError)
	return ok
}

// NewRefusalError creates a new refusal error (message is required)
func NewRefusalError(message string) *RefusalError {
	return &RefusalError{Message: message}
}

// EmptyResponseError represents an empty response error
type EmptyResponseError struct {
	Message string
}

func (e *EmptyResponseError) Error() string {
	return e.Message
}

// Is implements errors.Is support for EmptyResponseError.
func (e *EmptyResponseError) Is(target error) bool {
	_, ok := target.(*EmptyResponseError)
	return ok
}

// NewEmptyResponseError creates a new empty response error (message is required)
func NewEmptyResponseError(message string) *EmptyResponseError {
	return &EmptyResponseError{Message: message}
}

// SchemaError reports a response that decoded but did not satisfy the
// expected response schema.
type SchemaError struct {
	Schema string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response does not match schema %s: %s", e.Schema, e.Reason)
}

// OracleError is the classified failure of one structured call.
type OracleError struct {
	Kind   types.FailureKind
	Schema string
	Err    error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle call for %s failed (%s): %v", e.Schema, e.Kind, e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

// Is makes every OracleError match types.ErrOracleFailure.
func (e *OracleError) Is(target error) bool {
	return target == types.ErrOracleFailure
}

// Classify maps an error returned by a Client or by response decoding to a
// failure kind.
func Classify(err error) types.FailureKind {
	var oracleErr *OracleError
	if errors.As(err, &oracleErr) {
		return oracleErr.Kind
	}
	var decodeErr *jsonutil.DecodeError
	var schemaErr *SchemaError
	switch {
	case errors.Is(err, context.Canceled):
		return types.FailureCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.FailureOracleTimeout
	case errors.As(err, &decodeErr):
		return types.FailureMalformed
	case errors.As(err, &schemaErr), errors.Is(err, &RefusalError{}), errors.Is(err, ErrRefusal):
		return types.FailureOracleSchema
	case errors.Is(err, &EmptyResponseError{}), errors.Is(err, ErrEmptyResponse):
		return types.FailureOracleSchema
	}
	return types.FailureOracleTransport
}
