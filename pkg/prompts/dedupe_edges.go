package prompts

import (
	"fmt"
	"strings"

	"github.com/soundprediction/chronograph/pkg/types"
)

// IndexedFact is a fact presented to the oracle under an integer idx.
type IndexedFact struct {
	Idx  int    `json:"idx"`
	Fact string `json:"fact"`
}

// FactEntry is a fact identified by uuid.
type FactEntry struct {
	UUID string `json:"uuid"`
	Fact string `json:"fact"`
}

// FactTypeEntry is a fact type offered for classification during resolution.
type FactTypeEntry struct {
	Name        string `json:"fact_type_name"`
	Description string `json:"fact_type_description"`
}

// DedupeEdgeContext checks one new fact against related facts.
type DedupeEdgeContext struct {
	RelatedEdges  []IndexedFact
	ExtractedEdge string
}

func (c DedupeEdgeContext) Validate() error {
	if strings.TrimSpace(c.ExtractedEdge) == "" {
		return missingField("extracted_edge")
	}
	return nil
}

// DedupeEdgeListContext collapses duplicate facts inside a single list.
type DedupeEdgeListContext struct {
	Edges []FactEntry
}

func (c DedupeEdgeListContext) Validate() error {
	if len(c.Edges) == 0 {
		return missingField("edges")
	}
	return nil
}

// ResolveEdgeContext resolves a new fact against duplicate candidates and
// invalidation candidates in one call. Indices are continuous: existing
// facts are numbered first, invalidation candidates follow.
type ResolveEdgeContext struct {
	NewEdge                string
	ExistingEdges          []IndexedFact
	InvalidationCandidates []IndexedFact
	EdgeTypes              []FactTypeEntry
}

func (c ResolveEdgeContext) Validate() error {
	if strings.TrimSpace(c.NewEdge) == "" {
		return missingField("new_edge")
	}
	return nil
}

// DedupeEdgesPrompt defines the interface for dedupe edges prompts.
type DedupeEdgesPrompt interface {
	Edge() PromptVersion[DedupeEdgeContext]
	EdgeList() PromptVersion[DedupeEdgeListContext]
	ResolveEdge() PromptVersion[ResolveEdgeContext]
}

// DedupeEdgesVersions holds all versions of dedupe edges prompts.
type DedupeEdgesVersions struct {
	EdgePrompt        PromptVersion[DedupeEdgeContext]
	EdgeListPrompt    PromptVersion[DedupeEdgeListContext]
	ResolveEdgePrompt PromptVersion[ResolveEdgeContext]
}

func (d *DedupeEdgesVersions) Edge() PromptVersion[DedupeEdgeContext]         { return d.EdgePrompt }
func (d *DedupeEdgesVersions) EdgeList() PromptVersion[DedupeEdgeListContext] { return d.EdgeListPrompt }
func (d *DedupeEdgesVersions) ResolveEdge() PromptVersion[ResolveEdgeContext] {
	return d.ResolveEdgePrompt
}

const keyDifferenceRule = `Some facts may be very similar but will have key differences, particularly around numeric values in the facts.
Do not mark these facts as duplicates.`

// dedupeEdgePrompt determines whether a new fact duplicates related facts.
func dedupeEdgePrompt(c DedupeEdgeContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that de-duplicates facts from fact lists.`

	related, err := promptJSON(c.RelatedEdges)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`Given the following context, determine whether the NEW FACT represents any of the facts in the list of EXISTING FACTS.

<EXISTING FACTS>
%s
</EXISTING FACTS>

<NEW FACT>
%s
</NEW FACT>

Task:
If the NEW FACT represents the same factual information as any fact in EXISTING FACTS, return the idx of each duplicate fact in duplicate_facts.
If the NEW FACT is not a duplicate of any of the EXISTING FACTS, return an empty list.

Guidelines:
1. Facts do not need to be identical to be duplicates; they need to express the same information.
2. %s

Respond with a JSON object of the form:
{"duplicate_facts": [], "contradicted_facts": [], "fact_type": "DEFAULT"}`, related, c.ExtractedEdge, keyDifferenceRule)

	return messages(sysPrompt, userPrompt), nil
}

// dedupeEdgeListPrompt collapses duplicate facts inside one list.
func dedupeEdgeListPrompt(c DedupeEdgeListContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that de-duplicates facts from fact lists.`

	edges, err := promptJSON(c.Edges)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`Given the following context, find all of the duplicates in a list of facts:

Facts:
%s

Task:
If any fact in Facts is a duplicate of another fact, return a single fact carrying one of their uuids and list the uuids of the facts merged into it in duplicates.

Guidelines:
1. Identical or near identical facts are duplicates.
2. Facts are also duplicates if they are represented by similar sentences.
3. Facts will often discuss the same or similar relation between identical entities.
4. The final list should contain only unique facts. If 3 facts are all duplicates of each other, only one of them should be in the response.
5. %s

Respond with a JSON object of the form:
{"unique_facts": [{"uuid": "...", "fact": "...", "duplicates": ["uuid of a merged fact"]}]}`, edges, keyDifferenceRule)

	return messages(sysPrompt, userPrompt), nil
}

// resolveEdgePrompt finds duplicates, contradictions and the fact type of a new fact.
func resolveEdgePrompt(c ResolveEdgeContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that de-duplicates facts from fact lists and determines which existing facts are contradicted by the new fact.`

	existing, err := promptJSON(c.ExistingEdges)
	if err != nil {
		return nil, err
	}
	candidates, err := promptJSON(c.InvalidationCandidates)
	if err != nil {
		return nil, err
	}
	edgeTypes, err := promptJSON(c.EdgeTypes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<NEW FACT>
%s
</NEW FACT>

<EXISTING FACTS>
%s
</EXISTING FACTS>

<FACT INVALIDATION CANDIDATES>
%s
</FACT INVALIDATION CANDIDATES>

<FACT TYPES>
%s
</FACT TYPES>

Task:
If the NEW FACT represents identical factual information to one or more facts in EXISTING FACTS, return the idx of the duplicate facts in duplicate_facts.
Facts with similar information that contain key differences should not be marked as duplicates.
If the NEW FACT is not a duplicate of any of the EXISTING FACTS, return an empty list.

Given the predefined FACT TYPES, determine if the NEW FACT should be classified as one of these types.
Return the fact type as fact_type, or DEFAULT if the NEW FACT is not one of the FACT TYPES.

Based on the provided FACT INVALIDATION CANDIDATES and the NEW FACT, determine which existing facts the new fact contradicts.
Return the idx of every contradicted fact in contradicted_facts. Only use idx values from FACT INVALIDATION CANDIDATES.
Only mark a fact as contradicted when the NEW FACT gives explicit evidence that it is no longer true. Do not infer contradictions from facts merely being different.
If there are no contradicted facts, return an empty list.

Guidelines:
1. %s

Respond with a JSON object of the form:
{"duplicate_facts": [], "contradicted_facts": [], "fact_type": "DEFAULT"}`,
		c.NewEdge, existing, candidates, edgeTypes, keyDifferenceRule)

	return messages(sysPrompt, userPrompt), nil
}

// NewDedupeEdgesVersions creates a new DedupeEdgesVersions instance.
func NewDedupeEdgesVersions() *DedupeEdgesVersions {
	return &DedupeEdgesVersions{
		EdgePrompt:        NewPromptVersion("dedupe_edges.edge", dedupeEdgePrompt),
		EdgeListPrompt:    NewPromptVersion("dedupe_edges.edge_list", dedupeEdgeListPrompt),
		ResolveEdgePrompt: NewPromptVersion("dedupe_edges.resolve_edge", resolveEdgePrompt),
	}
}
