package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// IndexedEntity is an entity presented to edge extraction under an integer id.
type IndexedEntity struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	EntityTypes []string `json:"entity_types"`
}

// FactTypeSignature describes a fact type hint.
type FactTypeSignature struct {
	Name        string `json:"fact_type_name"`
	Signature   string `json:"fact_type_signature,omitempty"`
	Description string `json:"fact_type_description"`
}

// FactTypeSignatures converts edge type definitions into prompt hints.
func FactTypeSignatures(defs []types.EdgeTypeDefinition) []FactTypeSignature {
	out := make([]FactTypeSignature, 0, len(defs))
	for _, def := range defs {
		sig := FactTypeSignature{Name: def.Name, Description: def.Description}
		if len(def.SourceTypes) > 0 || len(def.TargetTypes) > 0 {
			sig.Signature = fmt.Sprintf("(%s, %s)", joinOrAny(def.SourceTypes), joinOrAny(def.TargetTypes))
		}
		out = append(out, sig)
	}
	return out
}

func joinOrAny(names []string) string {
	if len(names) == 0 {
		return types.DefaultEntityTypeName
	}
	return strings.Join(names, "|")
}

// ExtractEdgesContext is the input for fact extraction.
type ExtractEdgesContext struct {
	EpisodeContent   string
	PreviousEpisodes []string
	Nodes            []IndexedEntity
	EdgeTypes        []FactTypeSignature
	ReferenceTime    time.Time
	CustomPrompt     string
}

func (c ExtractEdgesContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	if len(c.Nodes) == 0 {
		return missingField("nodes")
	}
	if c.ReferenceTime.IsZero() {
		return missingField("reference_time")
	}
	return nil
}

// EdgeReflexionContext asks which facts a previous extraction missed.
type EdgeReflexionContext struct {
	EpisodeContent   string
	PreviousEpisodes []string
	Nodes            []string
	ExtractedFacts   []string
}

func (c EdgeReflexionContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	return nil
}

// AttributeFact is the fact shown to the attribute backfill prompt.
type AttributeFact struct {
	Fact       string         `json:"fact"`
	Name       string         `json:"relation_type"`
	Attributes map[string]any `json:"attributes"`
}

// EdgeAttributesContext asks for attribute values of a fact.
type EdgeAttributesContext struct {
	EpisodeContent        string
	ReferenceTime         time.Time
	Fact                  AttributeFact
	AttributeDescriptions map[string]string
}

func (c EdgeAttributesContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	if strings.TrimSpace(c.Fact.Fact) == "" {
		return missingField("fact")
	}
	if len(c.AttributeDescriptions) == 0 {
		return missingField("attribute_descriptions")
	}
	return nil
}

// ExtractEdgesPrompt defines the interface for extract edges prompts.
type ExtractEdgesPrompt interface {
	Edge() PromptVersion[ExtractEdgesContext]
	Reflexion() PromptVersion[EdgeReflexionContext]
	ExtractAttributes() PromptVersion[EdgeAttributesContext]
}

// ExtractEdgesVersions holds all versions of extract edges prompts.
type ExtractEdgesVersions struct {
	EdgePrompt              PromptVersion[ExtractEdgesContext]
	ReflexionPrompt         PromptVersion[EdgeReflexionContext]
	ExtractAttributesPrompt PromptVersion[EdgeAttributesContext]
}

func (e *ExtractEdgesVersions) Edge() PromptVersion[ExtractEdgesContext] { return e.EdgePrompt }
func (e *ExtractEdgesVersions) Reflexion() PromptVersion[EdgeReflexionContext] {
	return e.ReflexionPrompt
}
func (e *ExtractEdgesVersions) ExtractAttributes() PromptVersion[EdgeAttributesContext] {
	return e.ExtractAttributesPrompt
}

// FormatReferenceTime renders a reference time the way every prompt expects it.
func FormatReferenceTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// edgePrompt extracts facts between the supplied entities.
func edgePrompt(c ExtractEdgesContext) ([]types.Message, error) {
	sysPrompt := `You are an expert fact extractor that extracts fact triples from text.
1. Extracted fact triples should also be extracted with relevant date information.
2. Treat the CURRENT TIME as the time the CURRENT MESSAGE was sent. All temporal information should be extracted relative to this time.`

	edgeTypes, err := promptJSON(c.EdgeTypes)
	if err != nil {
		return nil, err
	}
	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	nodes, err := promptJSON(c.Nodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<FACT TYPES>
%s
</FACT TYPES>

<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>

<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>

<ENTITIES>
%s
</ENTITIES>

<REFERENCE_TIME>
%s
</REFERENCE_TIME>

# TASK
Extract all factual relationships between the given ENTITIES based on the CURRENT MESSAGE.
Only extract facts that:
- involve two DISTINCT ENTITIES from the ENTITIES list,
- are clearly stated or unambiguously implied in the CURRENT MESSAGE,
  and can be represented as edges in a knowledge graph.
- FACT TYPES lists the most important types of facts; make sure to extract facts of these types.
- FACT TYPES is not exhaustive. Extract every fact in the message even if it does not fit one of them.
- Each fact type may include a fact_type_signature naming its source and target entity types.

You may use information from the PREVIOUS MESSAGES only to disambiguate references or support continuity.

%s

# EXTRACTION RULES

1. Only emit facts where both source_entity_id and target_entity_id match an id in ENTITIES.
2. Each fact must involve two **distinct** entities.
3. Use a SCREAMING_SNAKE_CASE string as the relation_type (e.g. FOUNDED, WORKS_AT).
4. Do not emit duplicate or semantically redundant facts.
5. The fact should quote or closely paraphrase the original source sentence.
6. Use REFERENCE_TIME to resolve vague or relative temporal expressions (e.g. "last week").
7. Do **not** hallucinate or infer temporal bounds from unrelated events.

# DATETIME RULES

The reference time is REFERENCE_TIME.
%s

Respond with a JSON object of the form:
{"edges": [{"relation_type": "WORKS_AT", "source_entity_id": 0, "target_entity_id": 1, "fact": "...", "valid_at": null, "invalid_at": null}]}`,
		edgeTypes, previous, c.EpisodeContent, nodes, FormatReferenceTime(c.ReferenceTime), c.CustomPrompt, datetimeRules)

	return messages(sysPrompt, userPrompt), nil
}

// extractEdgesReflexionPrompt asks which facts an extraction missed.
func extractEdgesReflexionPrompt(c EdgeReflexionContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that determines which facts have not been extracted from the given context.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	nodes, err := promptJSON(c.Nodes)
	if err != nil {
		return nil, err
	}
	facts, err := promptJSON(c.ExtractedFacts)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>
<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>

<EXTRACTED ENTITIES>
%s
</EXTRACTED ENTITIES>

<EXTRACTED FACTS>
%s
</EXTRACTED FACTS>

Given the above MESSAGES, list of EXTRACTED ENTITIES, and list of EXTRACTED FACTS, determine if any facts haven't been extracted.
Only report facts between the EXTRACTED ENTITIES. Return an empty list when nothing was missed.

Respond with a JSON object of the form:
{"missing_facts": ["fact text"]}`, previous, c.EpisodeContent, nodes, facts)

	return messages(sysPrompt, userPrompt), nil
}

// extractEdgesAttributesPrompt fills declared attributes of a fact.
func extractEdgesAttributesPrompt(c EdgeAttributesContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that extracts fact properties from the provided text.
Any information you extract must be returned in the same language it was written in.`

	fact, err := promptJSON(c.Fact)
	if err != nil {
		return nil, err
	}
	attributes, err := ToPromptYAML(c.AttributeDescriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attribute descriptions: %w", err)
	}

	userPrompt := fmt.Sprintf(`<MESSAGE>
%s
</MESSAGE>
<REFERENCE TIME>
%s
</REFERENCE TIME>

Given the above MESSAGE, its REFERENCE TIME, and the following FACT, update any of its attributes based on the information provided in the MESSAGE.
Use the provided attribute descriptions to better understand how each attribute should be determined.

Guidelines:
1. Do not hallucinate attribute values if they cannot be found in the current context. Use null for unknown values.
2. Only use the provided MESSAGE and FACT to set attribute values.
3. Only return the attributes listed in ATTRIBUTES.

<FACT>
%s
</FACT>

<ATTRIBUTES>
%s</ATTRIBUTES>

Respond with a JSON object of the form:
{"attributes": {"attribute_name": "value or null"}}`,
		c.EpisodeContent, FormatReferenceTime(c.ReferenceTime), fact, attributes)

	return messages(sysPrompt, userPrompt), nil
}

// NewExtractEdgesVersions creates a new ExtractEdgesVersions instance.
func NewExtractEdgesVersions() *ExtractEdgesVersions {
	return &ExtractEdgesVersions{
		EdgePrompt:              NewPromptVersion("extract_edges.edge", edgePrompt),
		ReflexionPrompt:         NewPromptVersion("extract_edges.reflexion", extractEdgesReflexionPrompt),
		ExtractAttributesPrompt: NewPromptVersion("extract_edges.extract_attributes", extractEdgesAttributesPrompt),
	}
}
