// Package prompts builds the language model prompts used by the extraction
// and resolution engines.
//
// Every prompt takes a typed context, validates it and returns exactly one
// system message followed by one user message. Prompts are grouped by task
// and reachable through a Library:
//
//	lib := prompts.NewLibrary()
//	msgs, err := lib.ExtractNodes().ExtractText().Call(prompts.ExtractNodesContext{...})
package prompts

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/types"
)

// ErrMissingField is returned when a prompt context lacks a required field.
// It indicates a programming error in the caller, not an oracle failure.
var ErrMissingField = errors.New("prompt context missing required field")

func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

const unicodeInstruction = "\nDo not escape unicode characters.\n"

// Context is implemented by every prompt context.
type Context interface {
	Validate() error
}

// PromptFunction renders a context into messages.
type PromptFunction[C Context] func(C) ([]types.Message, error)

// PromptVersion is a callable prompt.
type PromptVersion[C Context] interface {
	Call(ctx C) ([]types.Message, error)
}

type promptVersion[C Context] struct {
	name string
	fn   PromptFunction[C]
}

// NewPromptVersion wraps fn with context validation and the unicode
// preservation instruction.
func NewPromptVersion[C Context](name string, fn PromptFunction[C]) PromptVersion[C] {
	return &promptVersion[C]{name: name, fn: fn}
}

// Call executes the prompt function with the given context.
func (p *promptVersion[C]) Call(ctx C) ([]types.Message, error) {
	if err := ctx.Validate(); err != nil {
		return nil, fmt.Errorf("prompt %s: %w", p.name, err)
	}
	msgs, err := p.fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", p.name, err)
	}

	for i, msg := range msgs {
		if msg.Role == nlp.RoleSystem {
			msgs[i].Content += unicodeInstruction
		}
	}

	if len(msgs) == 2 {
		logPrompts(slog.Default(), p.name, msgs[0].Content, msgs[1].Content)
	}
	return msgs, nil
}

// Library groups every prompt family used by the engines.
type Library interface {
	ExtractNodes() ExtractNodesPrompt
	DedupeNodes() DedupeNodesPrompt
	ExtractEdges() ExtractEdgesPrompt
	DedupeEdges() DedupeEdgesPrompt
	InvalidateEdges() InvalidateEdgesPrompt
	ExtractEdgeDates() ExtractEdgeDatesPrompt
}

type library struct {
	extractNodes     *ExtractNodesVersions
	dedupeNodes      *DedupeNodesVersions
	extractEdges     *ExtractEdgesVersions
	dedupeEdges      *DedupeEdgesVersions
	invalidateEdges  *InvalidateEdgesVersions
	extractEdgeDates *ExtractEdgeDatesVersions
}

// NewLibrary returns the default prompt library.
func NewLibrary() Library {
	return &library{
		extractNodes:     NewExtractNodesVersions(),
		dedupeNodes:      NewDedupeNodesVersions(),
		extractEdges:     NewExtractEdgesVersions(),
		dedupeEdges:      NewDedupeEdgesVersions(),
		invalidateEdges:  NewInvalidateEdgesVersions(),
		extractEdgeDates: NewExtractEdgeDatesVersions(),
	}
}

func (l *library) ExtractNodes() ExtractNodesPrompt         { return l.extractNodes }
func (l *library) DedupeNodes() DedupeNodesPrompt           { return l.dedupeNodes }
func (l *library) ExtractEdges() ExtractEdgesPrompt         { return l.extractEdges }
func (l *library) DedupeEdges() DedupeEdgesPrompt           { return l.dedupeEdges }
func (l *library) InvalidateEdges() InvalidateEdgesPrompt   { return l.invalidateEdges }
func (l *library) ExtractEdgeDates() ExtractEdgeDatesPrompt { return l.extractEdgeDates }

func messages(sys, user string) []types.Message {
	return []types.Message{nlp.NewSystemMessage(sys), nlp.NewUserMessage(user)}
}
