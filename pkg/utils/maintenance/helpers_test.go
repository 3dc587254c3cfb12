package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
)

var (
	ref2024  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

// scriptedOracle replies to structured calls in order and records every
// prompt it receives.
type scriptedOracle struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   [][]types.Message
}

func (s *scriptedOracle) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return s.ChatWithStructuredOutput(ctx, messages, nil)
}

func (s *scriptedOracle) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.prompts)
	s.prompts = append(s.prompts, messages)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	return &types.Response{Content: s.responses[i]}, nil
}

func (s *scriptedOracle) Close() error { return nil }

func (s *scriptedOracle) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// promptText joins the messages of the i-th call.
func (s *scriptedOracle) promptText(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for _, m := range s.prompts[i] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// routedOracle answers by matching a marker in the user prompt, for calls
// whose order is not deterministic.
type routedOracle struct {
	mu     sync.Mutex
	routes map[string]string
	calls  int
}

func (r *routedOracle) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return r.ChatWithStructuredOutput(ctx, messages, nil)
}

func (r *routedOracle) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, m := range messages {
		for marker, reply := range r.routes {
			if m.Role == nlp.RoleUser && strings.Contains(m.Content, marker) {
				return &types.Response{Content: reply}, nil
			}
		}
	}
	return nil, errors.New("no route")
}

func (r *routedOracle) Close() error { return nil }

func textEpisode(content string) *types.Episode {
	return &types.Episode{ID: "ep1", Content: content, Type: types.TextEpisodeType, Reference: ref2024, GroupID: "g1"}
}

func messageEpisode(content string) *types.Episode {
	return &types.Episode{ID: "ep1", Content: content, Type: types.MessageEpisodeType, Reference: ref2024, GroupID: "g1"}
}

func at(year int) *time.Time {
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return &t
}

func fact(uuid, src, tgt, text string) *types.Edge {
	return &types.Edge{
		Uuid:           uuid,
		GroupID:        "g1",
		SourceNodeUUID: src,
		TargetNodeUUID: tgt,
		Name:           "RELATES_TO",
		Fact:           text,
		Episodes:       []string{"ep0"},
		CreatedAt:      ref2024.Add(-time.Hour),
	}
}

func entity(uuid, name string) *types.Node {
	return &types.Node{Uuid: uuid, Name: name, GroupID: "g1", EntityType: types.DefaultEntityTypeName}
}

func newNodeOps(oracle *scriptedOracle) *NodeOperations {
	no := NewNodeOperations(oracle, prompts.NewLibrary())
	no.ReflexionRounds = 0
	return no
}

func newEdgeOps(oracle *scriptedOracle) *EdgeOperations {
	eo := NewEdgeOperations(oracle, prompts.NewLibrary())
	eo.ReflexionRounds = 0
	eo.temporal.clock = func() time.Time { return fixedNow }
	return eo
}

func requireUnitError(t *testing.T, err error, unit types.Unit, stage string) *types.UnitError {
	t.Helper()
	ue, ok := types.AsUnitError(err)
	if !ok {
		t.Fatalf("expected a UnitError, got %T: %v", err, err)
	}
	if ue.Unit != unit || ue.Stage != stage {
		t.Fatalf("expected %s error at %s, got %s at %s", unit, stage, ue.Unit, ue.Stage)
	}
	return ue
}
