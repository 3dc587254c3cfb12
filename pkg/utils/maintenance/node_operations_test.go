package maintenance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph/pkg/types"
)

func nodeNames(nodes []*types.Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func TestSpeakers(t *testing.T) {
	content := "Alice: I joined Acme Corp in 2019.\nBob: congrats!\nalice: thanks\nsee http://acme.example: nothing\n10:30 am: meeting"
	assert.Equal(t, []string{"Alice", "Bob"}, Speakers(content))
	assert.Empty(t, Speakers("no speakers here"))
}

func TestExtractNodes(t *testing.T) {
	t.Run("message episode keeps speakers and drops temporal expressions", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Acme Corp", "entity_type_id": 0}, {"name": "2019", "entity_type_id": 0}, {"name": "acme corp", "entity_type_id": 0}]}`,
		}}
		no := newNodeOps(oracle)

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{
			Episode: messageEpisode("Alice: I joined Acme Corp in 2019."),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice", "Acme Corp"}, nodeNames(result.Nodes))
		assert.Equal(t, 1, oracle.calls())
		assert.False(t, result.ReflexionExhausted)

		seen := map[string]bool{}
		for _, node := range result.Nodes {
			assert.NotEmpty(t, node.Uuid)
			assert.False(t, seen[node.Uuid], "uuids are fresh")
			seen[node.Uuid] = true
			assert.Equal(t, "g1", node.GroupID)
			assert.Equal(t, types.DefaultEntityTypeName, node.EntityType)
			assert.Equal(t, []string{types.DefaultEntityTypeName}, node.Labels)
		}
	})

	t.Run("entity types are numbered after the default", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Jane Smith", "entity_type_id": 1}, {"name": "Acme Corp", "entity_type_id": 2}, {"name": "Jupiter", "entity_type_id": 7}]}`,
		}}
		no := newNodeOps(oracle)

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{
			Episode: textEpisode("Jane Smith is the CEO of Acme Corp. She grew up dreaming of Jupiter."),
			EntityTypes: []types.EntityTypeDefinition{
				{Name: "Person", Description: "A human being"},
				{Name: "Organization", Description: "A company or institution"},
			},
		})
		require.NoError(t, err)
		require.Len(t, result.Nodes, 3)
		assert.Equal(t, "Person", result.Nodes[0].EntityType)
		assert.Equal(t, []string{"Entity", "Person"}, result.Nodes[0].Labels)
		assert.Equal(t, "Organization", result.Nodes[1].EntityType)
		assert.Equal(t, types.DefaultEntityTypeName, result.Nodes[2].EntityType, "unknown type ids leave the entity unclassified")
		assert.Contains(t, oracle.promptText(0), "A human being")
	})

	t.Run("excluded types are filtered last", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Jane Smith", "entity_type_id": 1}, {"name": "Acme Corp", "entity_type_id": 0}]}`,
		}}
		no := newNodeOps(oracle)

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{
			Episode:             textEpisode("Jane Smith works at Acme Corp."),
			EntityTypes:         []types.EntityTypeDefinition{{Name: "Person"}},
			ExcludedEntityTypes: []string{"Person"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Acme Corp"}, nodeNames(result.Nodes))
		require.Len(t, result.Entities, 1)
	})

	t.Run("unknown excluded type is a validation failure", func(t *testing.T) {
		oracle := &scriptedOracle{}
		no := newNodeOps(oracle)

		_, err := no.ExtractNodes(context.Background(), ExtractNodesInput{
			Episode:             textEpisode("Jane Smith works at Acme Corp."),
			ExcludedEntityTypes: []string{"Starship"},
		})
		ue := requireUnitError(t, err, types.UnitEpisode, StageExtractNodes)
		assert.Equal(t, types.FailureValidation, ue.Kind)
		assert.Zero(t, oracle.calls())
	})

	t.Run("oracle failure fails the episode", func(t *testing.T) {
		oracle := &scriptedOracle{errs: []error{errors.New("connection reset")}}
		no := newNodeOps(oracle)

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Jane Smith works at Acme Corp.")})
		assert.Nil(t, result)
		ue := requireUnitError(t, err, types.UnitEpisode, StageExtractNodes)
		assert.Equal(t, "ep1", ue.ID)
		assert.Equal(t, types.FailureOracleTransport, ue.Kind)
		assert.True(t, errors.Is(err, types.ErrOracleFailure))
	})

	t.Run("malformed response is not coerced into an empty list", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{"not json", "still not json"}}
		no := newNodeOps(oracle)

		_, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Jane Smith works at Acme Corp.")})
		ue := requireUnitError(t, err, types.UnitEpisode, StageExtractNodes)
		assert.Equal(t, types.FailureMalformed, ue.Kind)
	})
}

func TestExtractNodesReflexion(t *testing.T) {
	t.Run("missed entities are fed back until reported complete", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`,
			`{"missed_entities": ["Bob"]}`,
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}, {"name": "Bob", "entity_type_id": 0}]}`,
			`{"missed_entities": []}`,
		}}
		no := newNodeOps(oracle)
		no.ReflexionRounds = 3

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Alice met Bob.")})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice", "Bob"}, nodeNames(result.Nodes))
		assert.Equal(t, 2, result.ReflexionRounds)
		assert.False(t, result.ReflexionExhausted)
		assert.Equal(t, 4, oracle.calls())
		assert.Contains(t, oracle.promptText(2), "Make sure that the following entities are extracted:\nBob")
	})

	t.Run("budget exhaustion is reported, not raised", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`,
			`{"missed_entities": ["Bob"]}`,
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`,
		}}
		no := newNodeOps(oracle)
		no.ReflexionRounds = 1

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Alice met Bob.")})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice"}, nodeNames(result.Nodes))
		assert.Equal(t, 1, result.ReflexionRounds)
		assert.True(t, result.ReflexionExhausted)
		assert.Equal(t, 3, oracle.calls())
	})

	t.Run("already extracted names do not count as missed", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`,
			`{"missed_entities": ["alice"]}`,
		}}
		no := newNodeOps(oracle)
		no.ReflexionRounds = 2

		result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Alice waved.")})
		require.NoError(t, err)
		assert.False(t, result.ReflexionExhausted)
		assert.Equal(t, 2, oracle.calls())
	})

	t.Run("reflexion reply without missed_entities fails the episode", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`,
			`{}`,
			`{"missed": ["Bob"]}`,
		}}
		no := newNodeOps(oracle)
		no.ReflexionRounds = 1

		_, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Alice met Bob.")})
		ue := requireUnitError(t, err, types.UnitEpisode, StageNodeReflexion)
		assert.Equal(t, types.FailureOracleSchema, ue.Kind)
	})

	t.Run("reflexion failure fails the episode", func(t *testing.T) {
		oracle := &scriptedOracle{
			responses: []string{`{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`},
			errs:      []error{nil, context.DeadlineExceeded},
		}
		no := newNodeOps(oracle)
		no.ReflexionRounds = 1

		_, err := no.ExtractNodes(context.Background(), ExtractNodesInput{Episode: textEpisode("Alice waved.")})
		ue := requireUnitError(t, err, types.UnitEpisode, StageNodeReflexion)
		assert.Equal(t, types.FailureOracleTimeout, ue.Kind)
	})
}

func TestExtractNodesClassification(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{
		`{"extracted_entities": [{"name": "Jane Smith", "entity_type_id": 0}, {"name": "Acme Corp", "entity_type_id": 2}, {"name": "Blue", "entity_type_id": 0}]}`,
		`{"entity_classifications": [{"uuid": "?", "name": "Jane Smith", "entity_type": "Person"}, {"uuid": "?", "name": "Blue", "entity_type": "Color"}]}`,
	}}
	no := newNodeOps(oracle)
	no.ClassifyNodes = true

	result, err := no.ExtractNodes(context.Background(), ExtractNodesInput{
		Episode:     textEpisode("Jane Smith painted the Acme Corp office blue."),
		EntityTypes: []types.EntityTypeDefinition{{Name: "Person"}, {Name: "Organization"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)
	assert.Equal(t, "Person", result.Nodes[0].EntityType)
	assert.Equal(t, "Organization", result.Nodes[1].EntityType, "entities the classifier skips keep their extracted type")
	assert.Equal(t, types.DefaultEntityTypeName, result.Nodes[2].EntityType, "unknown type names become unclassified")
}

func TestResolveNode(t *testing.T) {
	candidates := []*types.Node{entity("jane", "Jane Smith"), entity("bob", "Bob Jones")}

	t.Run("no candidates means no call", func(t *testing.T) {
		oracle := &scriptedOracle{}
		no := newNodeOps(oracle)

		res, err := no.ResolveNode(context.Background(), ResolveNodeInput{Node: entity("n1", "Jane")})
		require.NoError(t, err)
		assert.Equal(t, NoDuplicate, res.DuplicateIdx)
		assert.Equal(t, "Jane", res.Name)
		assert.Zero(t, oracle.calls())
	})

	t.Run("out of range indices are dropped", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{`{"id": 0, "duplicate_idx": 7, "name": "Jane Smith", "duplicates": [7, 0, -3]}`}}
		no := newNodeOps(oracle)

		res, err := no.ResolveNode(context.Background(), ResolveNodeInput{
			Episode:    textEpisode("The CEO spoke."),
			Node:       entity("n1", "the CEO"),
			Candidates: candidates,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.DuplicateIdx, "primary is recomputed from the surviving duplicates")
		assert.Equal(t, []int{0}, res.Duplicates)
		assert.Equal(t, "Jane Smith", res.Name)
	})

	t.Run("strict majority of votes", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"id": 0, "duplicate_idx": 0, "name": "Jane Smith", "duplicates": [0]}`,
			`{"id": 0, "duplicate_idx": 1, "name": "Bob Jones", "duplicates": [1]}`,
			`{"id": 0, "duplicate_idx": 0, "name": "Jane Smith", "duplicates": [0]}`,
		}}
		no := newNodeOps(oracle)
		no.ResolutionVotes = 3

		res, err := no.ResolveNode(context.Background(), ResolveNodeInput{
			Episode:    textEpisode("Jane spoke."),
			Node:       entity("n1", "Jane"),
			Candidates: candidates,
		})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, res.Duplicates)
		assert.Equal(t, 3, oracle.calls())
	})

	t.Run("split vote resolves nothing", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"id": 0, "duplicate_idx": 0, "name": "Jane", "duplicates": []}`,
			`{"id": 0, "duplicate_idx": -1, "name": "Jane", "duplicates": []}`,
		}}
		no := newNodeOps(oracle)
		no.ResolutionVotes = 2

		res, err := no.ResolveNode(context.Background(), ResolveNodeInput{
			Episode:    textEpisode("Jane spoke."),
			Node:       entity("n1", "Jane"),
			Candidates: candidates,
		})
		require.NoError(t, err)
		assert.Equal(t, NoDuplicate, res.DuplicateIdx)
		assert.Empty(t, res.Duplicates)
	})

	t.Run("reply without duplicate_idx is a schema failure", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"id": 0, "name": "Bob"}`,
			`{"id": 0, "name": "Bob", "duplicates": []}`,
		}}
		no := newNodeOps(oracle)

		res, err := no.ResolveNode(context.Background(), ResolveNodeInput{
			Episode:    textEpisode("Bob spoke."),
			Node:       entity("n1", "Bob"),
			Candidates: candidates,
		})
		assert.Nil(t, res)
		ue := requireUnitError(t, err, types.UnitEntity, StageResolveNodes)
		assert.Equal(t, types.FailureOracleSchema, ue.Kind)
		assert.Equal(t, 2, oracle.calls(), "the reply is re-requested before failing")
	})

	t.Run("oracle failure is an entity error", func(t *testing.T) {
		oracle := &scriptedOracle{errs: []error{errors.New("503")}}
		no := newNodeOps(oracle)

		_, err := no.ResolveNode(context.Background(), ResolveNodeInput{
			Episode:    textEpisode("Jane spoke."),
			Node:       entity("n1", "Jane"),
			Candidates: candidates,
		})
		ue := requireUnitError(t, err, types.UnitEntity, StageResolveNodes)
		assert.Equal(t, "n1", ue.ID)
	})
}

func TestResolveNodes(t *testing.T) {
	t.Run("descriptive mention resolves to the existing person", func(t *testing.T) {
		jane := entity("jane", "Jane Smith")
		jane.Summary = "CEO of Acme Corp."
		oracle := &scriptedOracle{responses: []string{
			`{"entity_resolutions": [{"id": 0, "duplicate_idx": 0, "name": "Jane Smith", "duplicates": [0]}]}`,
		}}
		no := newNodeOps(oracle)

		ceo := entity("new-ceo", "the CEO")
		ceo.EntityType = "Person"
		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("The CEO announced layoffs."),
			Nodes:      []*types.Node{ceo},
			Candidates: [][]*types.Node{{jane}},
		})
		require.NoError(t, err)
		require.Len(t, result.Nodes, 1)
		assert.Equal(t, "jane", result.Nodes[0].Uuid)
		assert.Equal(t, "Jane Smith", result.Nodes[0].Name)
		assert.Equal(t, "Person", result.Nodes[0].EntityType, "a default typed node takes the extracted type")
		assert.Equal(t, map[string]string{"new-ceo": "jane"}, result.UUIDMap)
		require.Len(t, result.Duplicates, 1)
		assert.Same(t, jane, result.Duplicates[0].Existing)
		assert.Equal(t, types.DefaultEntityTypeName, jane.EntityType, "existing nodes are not mutated")
	})

	t.Run("exact names resolve without the oracle", func(t *testing.T) {
		oracle := &scriptedOracle{}
		no := newNodeOps(oracle)

		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("ACME corp hired Alice."),
			Nodes:      []*types.Node{entity("n1", "ACME  corp"), entity("n2", "acme corp")},
			Candidates: [][]*types.Node{{entity("acme", "Acme Corp")}, {entity("acme", "Acme Corp")}},
		})
		require.NoError(t, err)
		assert.Zero(t, oracle.calls())
		assert.Equal(t, "acme", result.UUIDMap["n1"])
		assert.Equal(t, "acme", result.UUIDMap["n2"])
		assert.Same(t, result.Nodes[0], result.Nodes[1])
	})

	t.Run("repeated new mentions collapse to the first", func(t *testing.T) {
		oracle := &scriptedOracle{}
		no := newNodeOps(oracle)

		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("Globex and globex."),
			Nodes:      []*types.Node{entity("n1", "Globex"), entity("n2", "globex")},
			Candidates: [][]*types.Node{nil, nil},
		})
		require.NoError(t, err)
		assert.Zero(t, oracle.calls(), "nothing to compare against")
		assert.Equal(t, "n1", result.UUIDMap["n1"])
		assert.Equal(t, "n1", result.UUIDMap["n2"])
	})

	t.Run("unknown resolution ids are ignored", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"entity_resolutions": [{"id": 5, "duplicate_idx": 0, "name": "Jane Smith", "duplicates": [0]}]}`,
		}}
		no := newNodeOps(oracle)

		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("Someone spoke."),
			Nodes:      []*types.Node{entity("n1", "Someone")},
			Candidates: [][]*types.Node{{entity("jane", "Jane Smith")}},
		})
		require.NoError(t, err)
		assert.Equal(t, "n1", result.UUIDMap["n1"])
		assert.Empty(t, result.Duplicates)
	})

	t.Run("names differing in a numeral go to the oracle", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"entity_resolutions": [{"id": 0, "duplicate_idx": -1, "name": "Apollo Global Management Fund VIII", "duplicates": []}]}`,
		}}
		no := newNodeOps(oracle)

		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("Apollo Global Management Fund VIII closed."),
			Nodes:      []*types.Node{entity("n1", "Apollo Global Management Fund VIII")},
			Candidates: [][]*types.Node{{entity("c0", "Apollo Global Management Fund VII")}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, oracle.calls())
		assert.Equal(t, "n1", result.UUIDMap["n1"])
		assert.Empty(t, result.Duplicates)
	})

	t.Run("batch reply without duplicate_idx fails the episode", func(t *testing.T) {
		reply := `{"entity_resolutions": [{"id": 0, "name": "Someone", "duplicates": []}]}`
		oracle := &scriptedOracle{responses: []string{reply, reply}}
		no := newNodeOps(oracle)

		result, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("Someone spoke."),
			Nodes:      []*types.Node{entity("n1", "Someone")},
			Candidates: [][]*types.Node{{entity("c0", "Jane Smith")}},
		})
		assert.Nil(t, result)
		ue := requireUnitError(t, err, types.UnitEpisode, StageResolveNodes)
		assert.Equal(t, types.FailureOracleSchema, ue.Kind)
	})

	t.Run("batch oracle failure fails the episode", func(t *testing.T) {
		oracle := &scriptedOracle{errs: []error{context.Canceled}}
		no := newNodeOps(oracle)

		_, err := no.ResolveNodes(context.Background(), ResolveNodesInput{
			Episode:    textEpisode("Someone spoke."),
			Nodes:      []*types.Node{entity("n1", "Someone")},
			Candidates: [][]*types.Node{{entity("jane", "Jane Smith")}},
		})
		ue := requireUnitError(t, err, types.UnitEpisode, StageResolveNodes)
		assert.Equal(t, types.FailureCancelled, ue.Kind)
	})
}

func TestDedupeNodeList(t *testing.T) {
	nodes := []*types.Node{
		entity("a", "Jane Smith"),
		entity("b", "J. Smith"),
		entity("c", "Acme Corp"),
		entity("d", "Acme"),
		entity("e", "Bob"),
	}
	nodes[4].Summary = "Bob works in sales."

	oracle := &scriptedOracle{responses: []string{`{"nodes": [
		{"uuids": ["a", "b", "ghost"], "summary": "Jane Smith is the CEO."},
		{"uuids": ["c"], "summary": "Acme Corp is a company."},
		{"uuids": ["d", "c"], "summary": "ignored, c already has a group"}
	]}`}}
	no := newNodeOps(oracle)

	groups, err := no.DedupeNodeList(context.Background(), nodes)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, g := range groups {
		for _, uuid := range g.UUIDs {
			seen[uuid]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, seen, "every uuid lands in exactly one group")

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"a", "b"}, groups[0].UUIDs)
	assert.Equal(t, "Jane Smith is the CEO.", groups[0].Summary)
	assert.ElementsMatch(t, []string{"c", "d"}, groups[1].UUIDs)
	assert.Equal(t, "Acme Corp is a company.", groups[1].Summary)
	assert.Equal(t, []string{"e"}, groups[2].UUIDs)
	assert.Equal(t, "Bob works in sales.", groups[2].Summary, "omitted nodes keep their own summary")

	t.Run("single node needs no call", func(t *testing.T) {
		oracle := &scriptedOracle{}
		groups, err := newNodeOps(oracle).DedupeNodeList(context.Background(), nodes[:1])
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Zero(t, oracle.calls())
	})
}
