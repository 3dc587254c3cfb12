package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// InvalidationEdge is a fact rendered for the invalidation prompts.
type InvalidationEdge struct {
	ID        int
	UUID      string
	Source    string
	Name      string
	Target    string
	Fact      string
	ValidAt   *time.Time
	InvalidAt *time.Time
}

// Line renders the edge as "id | source - NAME - target (fact: ...), start (end)".
func (e InvalidationEdge) Line() string {
	start := "unknown"
	if e.ValidAt != nil {
		start = FormatReferenceTime(*e.ValidAt)
	}
	line := fmt.Sprintf("%d | %s - %s - %s (fact: %s), %s", e.ID, e.Source, e.Name, e.Target, e.Fact, start)
	if e.InvalidAt != nil {
		line += fmt.Sprintf(" (%s)", FormatReferenceTime(*e.InvalidAt))
	}
	return line
}

// InvalidateEdgesContext is shared by both invalidation prompt versions.
// V1 uses the episodes and every new edge; V2 compares ExistingEdges
// against the first new edge only.
type InvalidateEdgesContext struct {
	PreviousEpisodes []string
	CurrentEpisode   string
	// ExistingEdges must be sorted newest first.
	ExistingEdges []InvalidationEdge
	NewEdges      []InvalidationEdge
}

func (c InvalidateEdgesContext) Validate() error {
	if len(c.NewEdges) == 0 {
		return missingField("new_edges")
	}
	return nil
}

// InvalidateEdgesPrompt defines the interface for invalidate edges prompts.
type InvalidateEdgesPrompt interface {
	V1() PromptVersion[InvalidateEdgesContext]
	V2() PromptVersion[InvalidateEdgesContext]
}

// InvalidateEdgesVersions holds all versions of invalidate edges prompts.
type InvalidateEdgesVersions struct {
	V1Prompt PromptVersion[InvalidateEdgesContext]
	V2Prompt PromptVersion[InvalidateEdgesContext]
}

func (i *InvalidateEdgesVersions) V1() PromptVersion[InvalidateEdgesContext] { return i.V1Prompt }
func (i *InvalidateEdgesVersions) V2() PromptVersion[InvalidateEdgesContext] { return i.V2Prompt }

func edgeLines(edges []InvalidationEdge) string {
	if len(edges) == 0 {
		return "(none)"
	}
	lines := make([]string, len(edges))
	for i, e := range edges {
		lines[i] = e.Line()
	}
	return strings.Join(lines, "\n")
}

// invalidateV1Prompt decides which existing relationships newer edges expire.
func invalidateV1Prompt(c InvalidateEdgesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that helps determine which relationships in a knowledge graph should be invalidated based solely on explicit contradictions in newer information.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`Based on the provided existing edges and new edges with their timestamps, determine which relationships, if any, should be marked as expired due to contradictions or updates in the newer edges.
Use the start and end dates of the edges to determine which edges are to be marked expired.
Only mark a relationship as invalid if there is clear evidence from other edges that the relationship is no longer true.
Do not invalidate relationships merely because they weren't mentioned in the episodes. You may use the current episode and previous episodes as well as the facts of each edge to understand the context of the relationships.

Previous Episodes:
%s

Current Episode:
%s

Existing Edges (sorted by timestamp, newest first):
%s

New Edges:
%s

Each edge is formatted as: "ID | SOURCE_NODE - EDGE_NAME - TARGET_NODE (fact: EDGE_FACT), START_DATE (END_DATE, OPTIONAL)"

Respond with a JSON object of the form:
{"contradicted_facts": [existing edge ID]}`,
		previous, c.CurrentEpisode, edgeLines(c.ExistingEdges), edgeLines(c.NewEdges))

	return messages(sysPrompt, userPrompt), nil
}

// invalidateV2Prompt lists the existing facts contradicted by one new fact.
func invalidateV2Prompt(c InvalidateEdgesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that determines which facts contradict each other.`

	existing := make([]IndexedFact, len(c.ExistingEdges))
	for i, e := range c.ExistingEdges {
		existing[i] = IndexedFact{Idx: e.ID, Fact: e.Fact}
	}
	existingJSON, err := promptJSON(existing)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`Based on the provided EXISTING FACTS and a NEW FACT, determine which existing facts the new fact contradicts.
Return a list containing the idx of every fact the NEW FACT contradicts.
Only count explicit contradictions. If there are no contradicted facts, return an empty list.

<EXISTING FACTS>
%s
</EXISTING FACTS>

<NEW FACT>
%s
</NEW FACT>

Respond with a JSON object of the form:
{"contradicted_facts": []}`, existingJSON, c.NewEdges[0].Fact)

	return messages(sysPrompt, userPrompt), nil
}

// NewInvalidateEdgesVersions creates a new InvalidateEdgesVersions instance.
func NewInvalidateEdgesVersions() *InvalidateEdgesVersions {
	return &InvalidateEdgesVersions{
		V1Prompt: NewPromptVersion("invalidate_edges.v1", invalidateV1Prompt),
		V2Prompt: NewPromptVersion("invalidate_edges.v2", invalidateV2Prompt),
	}
}
