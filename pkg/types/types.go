package types

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrEmptyName          = errors.New("name cannot be empty")
	ErrEmptyUUID          = errors.New("uuid cannot be empty")
	ErrEmptyContent       = errors.New("content cannot be empty")
	ErrEmptyFact          = errors.New("fact cannot be empty")
	ErrMissingReference   = errors.New("reference time cannot be zero")
	ErrUnknownEpisodeType = errors.New("unknown episode type")
	ErrSelfLoop           = errors.New("source and target entity must differ")
	ErrEndpointOutOfRange = errors.New("entity id is not in the supplied entity set")
	ErrTemporalOrder      = errors.New("valid_at must not be after invalid_at")
)

// Role identifies the author of a message in a language model conversation.
type Role string

// Message is a single role tagged entry of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenUsage records the token accounting reported by a provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the raw completion returned by a language model.
type Response struct {
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Model        string      `json:"model,omitempty"`
	TokensUsed   *TokenUsage `json:"tokens_used,omitempty"`
}

// contextKey is the type used for values stored on a context.Context by this module.
type contextKey string

const (
	// ContextKeyStage carries the pipeline stage issuing a language model call.
	ContextKeyStage contextKey = "chronograph.stage"
	// ContextKeyEpisodeID carries the episode being processed.
	ContextKeyEpisodeID contextKey = "chronograph.episode_id"
	// ContextKeyGroupID carries the graph partition being processed.
	ContextKeyGroupID contextKey = "chronograph.group_id"
)

// EpisodeType represents the shape of an episode's content.
type EpisodeType string

const (
	// MessageEpisodeType is conversational content, one "speaker: text" line per turn.
	MessageEpisodeType EpisodeType = "message"
	// TextEpisodeType is role free prose.
	TextEpisodeType EpisodeType = "text"
	// JSONEpisodeType is a JSON payload.
	JSONEpisodeType EpisodeType = "json"
)

// ParseEpisodeType converts a string to an EpisodeType.
func ParseEpisodeType(s string) (EpisodeType, error) {
	switch EpisodeType(s) {
	case MessageEpisodeType, TextEpisodeType, JSONEpisodeType:
		return EpisodeType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEpisodeType, s)
}

// Episode is a unit of source content processed by the pipeline.
type Episode struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Content           string      `json:"content"`
	Type              EpisodeType `json:"type"`
	SourceDescription string      `json:"source_description,omitempty"`
	// Reference is the instant against which relative time expressions resolve.
	Reference time.Time `json:"reference"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the Episode has all required fields set.
func (e *Episode) Validate() error {
	if e.Content == "" {
		return ErrEmptyContent
	}
	if e.Reference.IsZero() {
		return ErrMissingReference
	}
	if _, err := ParseEpisodeType(string(e.Type)); err != nil {
		return err
	}
	return nil
}

// ReferenceUTC returns the reference time normalised to UTC.
func (e *Episode) ReferenceUTC() time.Time {
	return e.Reference.UTC()
}
