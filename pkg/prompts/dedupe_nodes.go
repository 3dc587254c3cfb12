package prompts

import (
	"fmt"
	"strings"

	"github.com/soundprediction/chronograph/pkg/types"
)

// CandidateEntity is an existing entity offered as a duplicate candidate.
// Idx is the integer the oracle answers with.
type CandidateEntity struct {
	Idx         int            `json:"idx"`
	Name        string         `json:"name"`
	EntityTypes []string       `json:"entity_types"`
	Summary     string         `json:"summary,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ResolvableEntity is a freshly extracted entity awaiting resolution.
type ResolvableEntity struct {
	ID                    int    `json:"id"`
	Name                  string `json:"name"`
	EntityType            string `json:"entity_type"`
	EntityTypeDescription string `json:"entity_type_description,omitempty"`
}

// DedupeNodeContext resolves a single extracted entity.
type DedupeNodeContext struct {
	EpisodeContent        string
	PreviousEpisodes      []string
	ExtractedNode         ResolvableEntity
	EntityTypeDescription string
	ExistingNodes         []CandidateEntity
}

func (c DedupeNodeContext) Validate() error {
	if strings.TrimSpace(c.ExtractedNode.Name) == "" {
		return missingField("extracted_node.name")
	}
	return nil
}

// DedupeNodesContext resolves a batch of extracted entities against a
// shared candidate list.
type DedupeNodesContext struct {
	EpisodeContent   string
	PreviousEpisodes []string
	ExtractedNodes   []ResolvableEntity
	ExistingNodes    []CandidateEntity
}

func (c DedupeNodesContext) Validate() error {
	if len(c.ExtractedNodes) == 0 {
		return missingField("extracted_nodes")
	}
	return nil
}

// ListedNode is an entity in a list level deduplication request.
type ListedNode struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// DedupeNodeListContext partitions a list of entities into duplicate groups.
type DedupeNodeListContext struct {
	Nodes            []ListedNode
	SummaryWordLimit int
}

func (c DedupeNodeListContext) Validate() error {
	if len(c.Nodes) == 0 {
		return missingField("nodes")
	}
	if c.SummaryWordLimit <= 0 {
		return missingField("summary_word_limit")
	}
	return nil
}

// DedupeNodesPrompt defines the interface for dedupe nodes prompts.
type DedupeNodesPrompt interface {
	Node() PromptVersion[DedupeNodeContext]
	Nodes() PromptVersion[DedupeNodesContext]
	NodeList() PromptVersion[DedupeNodeListContext]
}

// DedupeNodesVersions holds all versions of dedupe nodes prompts.
type DedupeNodesVersions struct {
	NodePrompt     PromptVersion[DedupeNodeContext]
	NodesPrompt    PromptVersion[DedupeNodesContext]
	NodeListPrompt PromptVersion[DedupeNodeListContext]
}

func (d *DedupeNodesVersions) Node() PromptVersion[DedupeNodeContext]   { return d.NodePrompt }
func (d *DedupeNodesVersions) Nodes() PromptVersion[DedupeNodesContext] { return d.NodesPrompt }
func (d *DedupeNodesVersions) NodeList() PromptVersion[DedupeNodeListContext] {
	return d.NodeListPrompt
}

const duplicateRules = `Entities should only be considered duplicates if they refer to the *same real-world object or concept*.
Treat a descriptive label in EXISTING ENTITIES as a duplicate when it clearly refers to a named entity in context.

Do NOT mark entities as duplicates if:
- They are related but distinct.
- They have similar names or purposes but refer to separate instances or concepts.`

// nodePrompt determines whether one new entity duplicates existing entities.
func nodePrompt(c DedupeNodeContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that determines whether or not a NEW ENTITY is a duplicate of any EXISTING ENTITIES.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	extracted, err := promptJSON(c.ExtractedNode)
	if err != nil {
		return nil, err
	}
	existing, err := promptJSON(c.ExistingNodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>
<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>
<NEW ENTITY>
%s
</NEW ENTITY>
<ENTITY TYPE DESCRIPTION>
%s
</ENTITY TYPE DESCRIPTION>

<EXISTING ENTITIES>
%s
</EXISTING ENTITIES>

Given the above EXISTING ENTITIES and their attributes, MESSAGE, and PREVIOUS MESSAGES, determine if the NEW ENTITY extracted from the conversation is a duplicate of one of the EXISTING ENTITIES.

%s

TASK:
1. Compare the NEW ENTITY against each item in EXISTING ENTITIES.
2. If it refers to the same real-world object or concept, collect its idx.
3. Let duplicate_idx be the first collected idx, or -1 if there is none.
4. Let duplicates be the list of all collected idx values (empty if none).

Also return the full name of the NEW ENTITY: its own name, the name of the entity it duplicates, or a combination of the two, whichever is most complete. Do not include any JSON formatting such as {} in the name.

Respond with a JSON object of the form:
{"id": %d, "duplicate_idx": -1, "name": "...", "duplicates": []}`,
		previous, c.EpisodeContent, extracted, c.EntityTypeDescription, existing, duplicateRules, c.ExtractedNode.ID)

	return messages(sysPrompt, userPrompt), nil
}

// nodesPrompt resolves every extracted entity in one call.
func nodesPrompt(c DedupeNodesContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that determines whether or not ENTITIES extracted from a conversation are duplicates of existing entities.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}
	extracted, err := promptJSON(c.ExtractedNodes)
	if err != nil {
		return nil, err
	}
	existing, err := promptJSON(c.ExistingNodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>
<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>

Each of the following ENTITIES was extracted from the CURRENT MESSAGE.
Each entity is a JSON object with an integer id, a name, its entity_type and a description of that type.

<ENTITIES>
%s
</ENTITIES>

<EXISTING ENTITIES>
%s
</EXISTING ENTITIES>

For each of the above ENTITIES, determine if the entity is a duplicate of any of the EXISTING ENTITIES.

%s

TASK:
Return a list called entity_resolutions with exactly one entry per entity in ENTITIES.
For each entity return its id, its best full name, duplicate_idx and duplicates.
- If the entity duplicates EXISTING ENTITIES, duplicate_idx is the idx of the best match and duplicates lists every matching idx.
- If it is not a duplicate, duplicate_idx is -1 and duplicates is empty.

Respond with a JSON object of the form:
{"entity_resolutions": [{"id": 0, "duplicate_idx": -1, "name": "...", "duplicates": []}]}`,
		previous, c.EpisodeContent, extracted, existing, duplicateRules)

	return messages(sysPrompt, userPrompt), nil
}

// nodeListPrompt partitions a list of entities into duplicate groups.
func nodeListPrompt(c DedupeNodeListContext) ([]types.Message, error) {
	sysPrompt := `You are a helpful assistant that de-duplicates nodes from node lists.`

	nodes, err := promptJSON(c.Nodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`Given the following context, deduplicate a list of nodes:

Nodes:
%s

Task:
1. Group nodes together such that all duplicate nodes are in the same list of uuids.
2. All duplicate uuids should be grouped together in the same list.
3. Also return a new summary that synthesizes the summaries of the grouped nodes into a short summary of at most %d words.

Guidelines:
1. Each uuid from the list of nodes should appear EXACTLY once in your response.
2. If a node has no duplicates, it should appear in the response in a list of only one uuid.

Respond with a JSON object of the form:
{"nodes": [{"uuids": ["uuid-1", "uuid of a node duplicating uuid-1"], "summary": "Brief summary of the grouped nodes."}]}`,
		nodes, c.SummaryWordLimit)

	return messages(sysPrompt, userPrompt), nil
}

// NewDedupeNodesVersions creates a new DedupeNodesVersions instance.
func NewDedupeNodesVersions() *DedupeNodesVersions {
	return &DedupeNodesVersions{
		NodePrompt:     NewPromptVersion("dedupe_nodes.node", nodePrompt),
		NodesPrompt:    NewPromptVersion("dedupe_nodes.nodes", nodesPrompt),
		NodeListPrompt: NewPromptVersion("dedupe_nodes.node_list", nodeListPrompt),
	}
}
