package prompts

import (
	"fmt"
	"strings"

	"github.com/soundprediction/chronograph/pkg/types"
)

// ExtractNodesContext is the input for the three entity extraction prompts.
type ExtractNodesContext struct {
	EpisodeContent    string
	SourceDescription string
	PreviousEpisodes  []string
	EntityTypes       []types.EntityTypeDefinition
	CustomPrompt      string
}

func (c ExtractNodesContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	if len(c.EntityTypes) == 0 {
		return missingField("entity_types")
	}
	return nil
}

// NodeReflexionContext asks which entities a previous extraction missed.
type NodeReflexionContext struct {
	EpisodeContent    string
	PreviousEpisodes  []string
	ExtractedEntities []string
}

func (c NodeReflexionContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	return nil
}

// ClassifiableEntity is an extracted entity awaiting classification.
type ClassifiableEntity struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ClassifyNodesContext asks the oracle to assign entity types after extraction.
type ClassifyNodesContext struct {
	EpisodeContent    string
	PreviousEpisodes  []string
	ExtractedEntities []ClassifiableEntity
	EntityTypes       []types.EntityTypeDefinition
}

func (c ClassifyNodesContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	if len(c.ExtractedEntities) == 0 {
		return missingField("extracted_entities")
	}
	if len(c.EntityTypes) == 0 {
		return missingField("entity_types")
	}
	return nil
}

// AttributeNode is the entity shown to the attribute backfill prompt.
type AttributeNode struct {
	Name        string         `json:"name"`
	EntityTypes []string       `json:"entity_types"`
	Summary     string         `json:"summary"`
	Attributes  map[string]any `json:"attributes"`
}

// NodeAttributesContext asks for attribute values and an updated summary.
type NodeAttributesContext struct {
	EpisodeContent   string
	PreviousEpisodes []string
	Node             AttributeNode
	// AttributeDescriptions maps each declared attribute to its description.
	AttributeDescriptions map[string]string
	SummaryWordLimit      int
}

func (c NodeAttributesContext) Validate() error {
	if strings.TrimSpace(c.EpisodeContent) == "" {
		return missingField("episode_content")
	}
	if strings.TrimSpace(c.Node.Name) == "" {
		return missingField("node.name")
	}
	if c.SummaryWordLimit <= 0 {
		return missingField("summary_word_limit")
	}
	return nil
}

// ExtractNodesPrompt defines the interface for extract nodes prompts.
type ExtractNodesPrompt interface {
	ExtractMessage() PromptVersion[ExtractNodesContext]
	ExtractJSON() PromptVersion[ExtractNodesContext]
	ExtractText() PromptVersion[ExtractNodesContext]
	Reflexion() PromptVersion[NodeReflexionContext]
	ClassifyNodes() PromptVersion[ClassifyNodesContext]
	ExtractAttributes() PromptVersion[NodeAttributesContext]
}

// ExtractNodesVersions holds all versions of extract nodes prompts.
type ExtractNodesVersions struct {
	extractMessagePrompt    PromptVersion[ExtractNodesContext]
	extractJSONPrompt       PromptVersion[ExtractNodesContext]
	extractTextPrompt       PromptVersion[ExtractNodesContext]
	reflexionPrompt         PromptVersion[NodeReflexionContext]
	classifyNodesPrompt     PromptVersion[ClassifyNodesContext]
	extractAttributesPrompt PromptVersion[NodeAttributesContext]
}

func (e *ExtractNodesVersions) ExtractMessage() PromptVersion[ExtractNodesContext] {
	return e.extractMessagePrompt
}
func (e *ExtractNodesVersions) ExtractJSON() PromptVersion[ExtractNodesContext] {
	return e.extractJSONPrompt
}
func (e *ExtractNodesVersions) ExtractText() PromptVersion[ExtractNodesContext] {
	return e.extractTextPrompt
}
func (e *ExtractNodesVersions) Reflexion() PromptVersion[NodeReflexionContext] {
	return e.reflexionPrompt
}
func (e *ExtractNodesVersions) ClassifyNodes() PromptVersion[ClassifyNodesContext] {
	return e.classifyNodesPrompt
}
func (e *ExtractNodesVersions) ExtractAttributes() PromptVersion[NodeAttributesContext] {
	return e.extractAttributesPrompt
}

const extractedEntitiesFormat = `Respond with a JSON object of the form:
{"extracted_entities": [{"name": "entity name", "entity_type_id": 0}]}`

// extractMessagePrompt extracts entity nodes from conversational messages.
func extractMessagePrompt(c ExtractNodesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that extracts entity nodes from conversational messages.
Your primary task is to extract and classify the speaker and other significant entities mentioned in the conversation.`

	entityTypes, err := promptJSON(c.EntityTypes)
	if err != nil {
		return nil, err
	}
	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<ENTITY TYPES>
%s
</ENTITY TYPES>

<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>

<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>

Instructions:

You are given a conversation context and a CURRENT MESSAGE. Extract the **entity nodes** mentioned **explicitly or implicitly** in the CURRENT MESSAGE.
Resolve pronoun references such as he/she/they or this/that/those to the names of the entities they refer to.
Do not extract pronouns like you, me, he/she/they, we/us as entities.

1. **Speaker Extraction**: Always extract the speaker (the part before the colon in each dialogue line) as the first entity node.
   - If the speaker is mentioned again in the message, treat both mentions as a **single entity**.

2. **Entity Identification**:
   - Extract all significant entities, concepts, or actors mentioned **explicitly or implicitly** in the CURRENT MESSAGE.
   - **Exclude** entities mentioned only in the PREVIOUS MESSAGES; they are context only.

3. **Entity Classification**:
   - Use the descriptions in ENTITY TYPES to classify each extracted entity.
   - Assign the appropriate entity_type_id to each one.

4. **Exclusions**:
   - Do NOT extract entities representing relationships or actions.
   - Do NOT extract dates, times, or other temporal information. These are handled separately.

5. **Formatting**:
   - Name entities **explicitly and unambiguously**, using full names when available.

%s

%s`, entityTypes, previous, c.EpisodeContent, c.CustomPrompt, extractedEntitiesFormat)

	return messages(sysPrompt, userPrompt), nil
}

// extractJSONPrompt extracts entity nodes from JSON documents.
func extractJSONPrompt(c ExtractNodesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that extracts entity nodes from JSON.
Your primary task is to extract and classify relevant entities from JSON files.`

	entityTypes, err := promptJSON(c.EntityTypes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<ENTITY TYPES>
%s
</ENTITY TYPES>

<SOURCE DESCRIPTION>
%s
</SOURCE DESCRIPTION>

<JSON>
%s
</JSON>

%s

Given the above source description and JSON, extract relevant entities from the provided JSON.
For each entity extracted, also determine its entity type based on the provided ENTITY TYPES and their descriptions.
Indicate the classified entity type by providing its entity_type_id.

Guidelines:
1. Always try to extract the entity the JSON represents. This is often something like a "name" or "user" field.
2. Do NOT extract any properties that contain dates.

%s`, entityTypes, c.SourceDescription, c.EpisodeContent, c.CustomPrompt, extractedEntitiesFormat)

	return messages(sysPrompt, userPrompt), nil
}

// extractTextPrompt extracts entity nodes from unstructured text.
func extractTextPrompt(c ExtractNodesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that extracts entity nodes from text.
Your primary task is to extract and classify the speaker and other significant entities mentioned in the provided text.`

	entityTypes, err := promptJSON(c.EntityTypes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<ENTITY TYPES>
%s
</ENTITY TYPES>

<TEXT>
%s
</TEXT>

Given the above text, extract the entities that are explicitly or implicitly mentioned in the TEXT.
For each entity extracted, also determine its entity type based on the provided ENTITY TYPES and their descriptions.
Indicate the classified entity type by providing its entity_type_id.

%s

Guidelines:
1. Extract significant entities, concepts, or actors mentioned in the text.
2. Avoid creating nodes for relationships or actions.
3. Avoid creating nodes for temporal information like dates, times or years. These are added to facts later.
4. Be as explicit as possible in node names, using full names and avoiding abbreviations.

%s`, entityTypes, c.EpisodeContent, c.CustomPrompt, extractedEntitiesFormat)

	return messages(sysPrompt, userPrompt), nil
}

// extractNodesReflexionPrompt asks which entities an extraction missed.
func extractNodesReflexionPrompt(c NodeReflexionContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that determines which entities have not been extracted from the given context.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	extracted, err := promptJSON(c.ExtractedEntities)
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

Given the above previous messages, current message, and list of extracted entities, determine if any entities haven't been extracted.
Only report entities mentioned in the CURRENT MESSAGE. Return an empty list when nothing was missed.

Respond with a JSON object of the form:
{"missed_entities": ["entity name"]}`, previous, c.EpisodeContent, extracted)

	return messages(sysPrompt, userPrompt), nil
}

// classifyNodesPrompt assigns entity types to already extracted entities.
func classifyNodesPrompt(c ClassifyNodesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that classifies entity nodes given the context from which they were extracted.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	extracted, err := promptJSON(c.ExtractedEntities)
	if err != nil {
		return nil, err
	}
	entityTypes, err := promptJSON(c.EntityTypes)
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

<ENTITY TYPES>
%s
</ENTITY TYPES>

Given the above conversation, extracted entities, and provided entity types with their descriptions, classify the extracted entities.

Guidelines:
1. Each entity must have exactly one type.
2. Only use the provided ENTITY TYPES (by entity_type_name). Do not invent additional types.
3. If none of the provided entity types accurately classifies an entity, set its type to null.

Respond with a JSON object of the form:
{"entity_classifications": [{"uuid": "...", "name": "...", "entity_type": "type name or null"}]}`,
		previous, c.EpisodeContent, extracted, entityTypes)

	return messages(sysPrompt, userPrompt), nil
}

// extractNodesAttributesPrompt fills declared attributes and refreshes the summary.
func extractNodesAttributesPrompt(c NodeAttributesContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that extracts entity properties from the provided text.
Any information you extract must be returned in the same language it was written in.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	node, err := promptJSON(c.Node)
	if err != nil {
		return nil, err
	}
	attributes, err := ToPromptYAML(c.AttributeDescriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attribute descriptions: %w", err)
	}
	if len(c.AttributeDescriptions) == 0 {
		attributes = "(none)\n"
	}

	userPrompt := fmt.Sprintf(`<MESSAGES>
%s
%s
</MESSAGES>

Given the above MESSAGES and the following ENTITY, update any of the entity's attributes based on the information in the messages.
Use the provided attribute descriptions to understand how each attribute should be determined.

Guidelines:
1. Do not hallucinate attribute values if they cannot be found in the current context. Use null for unknown values.
2. Only use the provided MESSAGES and ENTITY to set attribute values.
3. Only return the attributes listed in ATTRIBUTES.
4. The summary describes the entity. Update it with new information about the entity from the messages.
   The summary must not exceed %d words.

<ENTITY>
%s
</ENTITY>

<ATTRIBUTES>
%s</ATTRIBUTES>

Respond with a JSON object of the form:
{"summary": "...", "attributes": {"attribute_name": "value or null"}}`,
		previous, c.EpisodeContent, c.SummaryWordLimit, node, attributes)

	return messages(sysPrompt, userPrompt), nil
}

// NewExtractNodesVersions creates a new ExtractNodesVersions instance.
func NewExtractNodesVersions() *ExtractNodesVersions {
	return &ExtractNodesVersions{
		extractMessagePrompt:    NewPromptVersion("extract_nodes.extract_message", extractMessagePrompt),
		extractJSONPrompt:       NewPromptVersion("extract_nodes.extract_json", extractJSONPrompt),
		extractTextPrompt:       NewPromptVersion("extract_nodes.extract_text", extractTextPrompt),
		reflexionPrompt:         NewPromptVersion("extract_nodes.reflexion", extractNodesReflexionPrompt),
		classifyNodesPrompt:     NewPromptVersion("extract_nodes.classify_nodes", classifyNodesPrompt),
		extractAttributesPrompt: NewPromptVersion("extract_nodes.extract_attributes", extractNodesAttributesPrompt),
	}
}
