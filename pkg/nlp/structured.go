package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundprediction/chronograph/pkg/jsonutil"
	"github.com/soundprediction/chronograph/pkg/types"
)

// Validator is implemented by response schemas that check their own constraints.
type Validator interface {
	Validate() error
}

// StructuredOptions tunes GenerateStructured.
type StructuredOptions struct {
	// MaxAttempts bounds how many times a malformed or schema violating
	// response is re-requested (default 2). Transport failures are not
	// re-requested here; wrap the client in a RetryClient for that.
	MaxAttempts int
	// Lenient enables jsonrepair salvage after both strict parses fail.
	Lenient bool
	Logger  *slog.Logger
}

func (o *StructuredOptions) withDefaults() StructuredOptions {
	out := StructuredOptions{MaxAttempts: 2, Logger: slog.Default()}
	if o == nil {
		return out
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	out.Lenient = o.Lenient
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	return out
}

// GenerateStructured sends a system+user prompt and decodes the reply into T.
// It either returns a populated *T or an *OracleError whose Kind tells the
// caller why no usable result was produced; it never returns a zero value
// in place of a failure.
func GenerateStructured[T any](ctx context.Context, client Client, messages []types.Message, schemaName string, opts *StructuredOptions) (*T, error) {
	if err := checkPromptShape(messages); err != nil {
		return nil, fmt.Errorf("%s: %w", schemaName, err)
	}
	o := opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		result := new(T)
		resp, err := client.ChatWithStructuredOutput(ctx, messages, result)
		if err != nil {
			return nil, &OracleError{Kind: Classify(err), Schema: schemaName, Err: err}
		}

		if err := decode(resp.Content, result, o.Lenient); err != nil {
			lastErr = err
			o.Logger.Warn("Discarding malformed LLM response",
				"schema", schemaName,
				"attempt", attempt,
				"stage", StageFromContext(ctx),
				"error", err)
			continue
		}

		if v, ok := any(result).(Validator); ok {
			if err := v.Validate(); err != nil {
				lastErr = &SchemaError{Schema: schemaName, Reason: err.Error()}
				o.Logger.Warn("Discarding LLM response that violates schema",
					"schema", schemaName,
					"attempt", attempt,
					"error", err)
				continue
			}
		}

		return result, nil
	}

	kind := types.FailureOracleSchema
	var decodeErr *jsonutil.DecodeError
	if errors.As(lastErr, &decodeErr) {
		kind = types.FailureMalformed
	}
	return nil, &OracleError{Kind: kind, Schema: schemaName, Err: lastErr}
}

func decode(content string, v any, lenient bool) error {
	if lenient {
		return jsonutil.ParseIntoLenient(content, v)
	}
	return jsonutil.ParseInto(content, v)
}

func checkPromptShape(messages []types.Message) error {
	if len(messages) != 2 || messages[0].Role != RoleSystem || messages[1].Role != RoleUser {
		return ErrPromptShape
	}
	return nil
}
