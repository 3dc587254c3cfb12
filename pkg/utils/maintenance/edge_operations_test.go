package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
)

func resolvedPair() []*types.Node {
	alice := entity("alice", "Alice")
	alice.EntityType = "Person"
	acme := entity("acme", "Acme Corp")
	acme.EntityType = "Organization"
	return []*types.Node{alice, acme}
}

func TestExtractEdges(t *testing.T) {
	t.Run("facts carry resolved endpoints and parsed dates", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{`{"edges": [
			{"relation_type": "works at", "source_entity_id": 0, "target_entity_id": 1, "fact": "Alice joined Acme Corp in 2019", "valid_at": "2019", "invalid_at": null},
			{"relation_type": "IS", "source_entity_id": 0, "target_entity_id": 0, "fact": "Alice is Alice", "valid_at": null, "invalid_at": null},
			{"relation_type": "OWNS", "source_entity_id": 0, "target_entity_id": 5, "fact": "Alice owns something", "valid_at": null, "invalid_at": null},
			{"relation_type": "ADVISED", "source_entity_id": 1, "target_entity_id": 0, "fact": "Acme advised Alice", "valid_at": "2023-01-01", "invalid_at": "2020-01-01"},
			{"relation_type": "likes", "source_entity_id": 0, "target_entity_id": 1, "fact": "Alice likes Acme Corp", "valid_at": "xyzzy", "invalid_at": null}
		]}`}}
		eo := newEdgeOps(oracle)

		result, err := eo.ExtractEdges(context.Background(), ExtractEdgesInput{
			Episode: messageEpisode("Alice: I joined Acme Corp in 2019."),
			Nodes:   resolvedPair(),
			EdgeTypes: []types.EdgeTypeDefinition{
				{Name: "WORKS_AT", SourceTypes: []string{"Person"}, TargetTypes: []string{"Organization"}},
				{Name: "LIKES", SourceTypes: []string{"Organization"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Dropped, "self loop, unknown endpoint and inverted interval")
		require.Len(t, result.Edges, 2)

		joined := result.Edges[0]
		assert.NotEmpty(t, joined.Uuid)
		assert.Equal(t, "WORKS_AT", joined.Name)
		assert.Equal(t, "WORKS_AT", joined.FactType, "signature matches")
		assert.Equal(t, "alice", joined.SourceNodeUUID)
		assert.Equal(t, "acme", joined.TargetNodeUUID)
		assert.Equal(t, []string{"ep1"}, joined.Episodes)
		assert.Equal(t, "g1", joined.GroupID)
		require.NotNil(t, joined.ValidAt)
		assert.True(t, at(2019).Equal(*joined.ValidAt))
		assert.Nil(t, joined.InvalidAt)

		likes := result.Edges[1]
		assert.Equal(t, "LIKES", likes.Name)
		assert.Empty(t, likes.FactType, "source type outside the signature")
		assert.Nil(t, likes.ValidAt, "unparseable dates carry no evidence")
	})

	t.Run("fewer than two entities makes no call", func(t *testing.T) {
		oracle := &scriptedOracle{}
		eo := newEdgeOps(oracle)

		result, err := eo.ExtractEdges(context.Background(), ExtractEdgesInput{
			Episode: textEpisode("Alice waved."),
			Nodes:   []*types.Node{entity("alice", "Alice"), entity("alice", "Alice")},
		})
		require.NoError(t, err)
		assert.Empty(t, result.Edges)
		assert.Zero(t, oracle.calls())
	})

	t.Run("reflexion feeds missing facts back", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []string{
			`{"edges": [{"relation_type": "WORKS_AT", "source_entity_id": 0, "target_entity_id": 1, "fact": "Alice works at Acme Corp"}]}`,
			`{"missing_facts": ["Alice founded Acme Corp"]}`,
			`{"edges": [{"relation_type": "WORKS_AT", "source_entity_id": 0, "target_entity_id": 1, "fact": "Alice works at Acme Corp"}]}`,
		}}
		eo := newEdgeOps(oracle)
		eo.ReflexionRounds = 1

		result, err := eo.ExtractEdges(context.Background(), ExtractEdgesInput{
			Episode: textEpisode("Alice founded Acme Corp and works there."),
			Nodes:   resolvedPair(),
		})
		require.NoError(t, err)
		assert.Len(t, result.Edges, 1, "repeated facts collapse")
		assert.True(t, result.ReflexionExhausted)
		assert.Equal(t, 1, result.ReflexionRounds)
		assert.Contains(t, oracle.promptText(2), "Make sure that the following facts are extracted:\nAlice founded Acme Corp")
	})

	t.Run("oracle failure fails the episode", func(t *testing.T) {
		oracle := &scriptedOracle{errs: []error{errors.New("boom")}}
		eo := newEdgeOps(oracle)

		_, err := eo.ExtractEdges(context.Background(), ExtractEdgesInput{Episode: textEpisode("Alice works at Acme."), Nodes: resolvedPair()})
		requireUnitError(t, err, types.UnitEpisode, StageExtractEdges)
	})
}

func TestResolveEdgeFastPath(t *testing.T) {
	oracle := &scriptedOracle{}
	eo := newEdgeOps(oracle)

	existing := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	newEdge := fact("new", "alice", "acme", "alice works at  ACME corp")
	newEdge.Episodes = []string{"ep1"}

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:                newEdge,
		ExistingEdges:          []*types.Edge{existing},
		InvalidationCandidates: []*types.Edge{existing},
	})
	require.NoError(t, err)
	assert.Zero(t, oracle.calls())
	assert.Equal(t, "e1", res.Resolved.Uuid)
	assert.Equal(t, []string{"ep0", "ep1"}, res.Resolved.Episodes)
	assert.Equal(t, []string{"ep0"}, existing.Episodes, "inputs are not mutated")
	assert.Equal(t, types.DefaultFactType, res.FactType)
	assert.Empty(t, res.Invalidated)
}

func TestResolveEdgeWithoutCandidates(t *testing.T) {
	oracle := &scriptedOracle{}
	eo := newEdgeOps(oracle)

	newEdge := fact("new", "alice", "acme", "Alice works at Acme Corp")
	newEdge.FactType = "works_at"
	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:   newEdge,
		FactTypes: []types.EdgeTypeDefinition{{Name: "WORKS_AT"}},
	})
	require.NoError(t, err)
	assert.Zero(t, oracle.calls())
	assert.Equal(t, "new", res.Resolved.Uuid)
	assert.Equal(t, "WORKS_AT", res.FactType)
	assert.NotSame(t, newEdge, res.Resolved)
}

func TestResolveEdgeCessationInheritsStart(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [], "contradicted_facts": [1], "fact_type": "DEFAULT"}`}}
	eo := newEdgeOps(oracle)

	worked := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	worked.ValidAt = at(2019)
	left := fact("new", "alice", "acme", "Alice left Acme Corp in 2022")
	left.InvalidAt = at(2022)

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:                left,
		ExistingEdges:          []*types.Edge{worked},
		InvalidationCandidates: []*types.Edge{worked},
	})
	require.NoError(t, err)

	require.NotNil(t, res.Resolved.ValidAt)
	assert.True(t, at(2019).Equal(*res.Resolved.ValidAt))
	assert.True(t, at(2022).Equal(*res.Resolved.InvalidAt))
	require.NotNil(t, res.Resolved.ExpiredAt)

	require.Len(t, res.Invalidated, 1)
	closed := res.Invalidated[0]
	assert.Equal(t, "e1", closed.Uuid)
	assert.True(t, at(2022).Equal(*closed.InvalidAt))
	assert.True(t, fixedNow.Equal(*closed.ExpiredAt))
	assert.Nil(t, worked.InvalidAt, "the candidate itself is untouched")
	assert.Nil(t, left.ValidAt)
	assert.Equal(t, []int{1}, res.Verdict.ContradictedFacts)
	assert.Equal(t, []*types.Edge{worked}, res.Contradicted)
}

func TestResolveEdgeCessationWithStatedStart(t *testing.T) {
	tests := []struct {
		name       string
		start      *time.Time
		wantClosed *time.Time
	}{
		{name: "same start ends at the cessation", start: at(2019), wantClosed: at(2022)},
		{name: "later start ends at the cessation", start: at(2020), wantClosed: at(2022)},
		{name: "earlier start ends when the new fact starts", start: at(2015), wantClosed: at(2019)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [], "contradicted_facts": [1], "fact_type": "DEFAULT"}`}}
			eo := newEdgeOps(oracle)

			worked := fact("e1", "alice", "acme", "Alice works at Acme Corp")
			worked.ValidAt = tt.start
			left := fact("new", "alice", "acme", "Alice left Acme Corp in 2022")
			left.ValidAt = at(2019)
			left.InvalidAt = at(2022)

			res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
				NewEdge:                left,
				ExistingEdges:          []*types.Edge{worked},
				InvalidationCandidates: []*types.Edge{worked},
			})
			require.NoError(t, err)
			require.Len(t, res.Contradicted, 1)
			require.Len(t, res.Invalidated, 1)
			closed := res.Invalidated[0]
			assert.Equal(t, "e1", closed.Uuid)
			require.NotNil(t, closed.InvalidAt)
			assert.True(t, tt.wantClosed.Equal(*closed.InvalidAt), "closed at %s", closed.InvalidAt)
			assert.True(t, fixedNow.Equal(*closed.ExpiredAt))
			assert.True(t, at(2019).Equal(*res.Resolved.ValidAt))
		})
	}
}

func TestResolveEdgeRejectsIncompleteVerdict(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "empty object", reply: `{}`},
		{name: "missing contradictions", reply: `{"duplicate_facts": [], "fact_type": "DEFAULT"}`},
		{name: "missing duplicates", reply: `{"contradicted_facts": [0], "fact_type": "DEFAULT"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{responses: []string{tt.reply, tt.reply}}
			eo := newEdgeOps(oracle)

			res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
				NewEdge:                fact("new", "alice", "acme", "Alice works at Acme Corp"),
				InvalidationCandidates: []*types.Edge{fact("e1", "alice", "acme", "Alice is unemployed")},
			})
			assert.Nil(t, res)
			ue := requireUnitError(t, err, types.UnitFact, StageResolveEdge)
			assert.Equal(t, types.FailureOracleSchema, ue.Kind)
			assert.Equal(t, 2, oracle.calls())
		})
	}
}

func TestResolveEdgeSkipsNilCandidates(t *testing.T) {
	oracle := &scriptedOracle{}
	eo := newEdgeOps(oracle)

	existing := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:       fact("new", "alice", "acme", "alice works at  Acme Corp"),
		ExistingEdges: []*types.Edge{nil, existing},
	})
	require.NoError(t, err)
	assert.Zero(t, oracle.calls())
	assert.Equal(t, "e1", res.Resolved.Uuid)
	assert.Equal(t, []int{0}, res.Verdict.DuplicateFacts)
}

func TestResolveEdgeContradiction(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [], "contradicted_facts": [0], "fact_type": "EMPLOYMENT"}`}}
	eo := newEdgeOps(oracle)

	acme := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	acme.ValidAt = at(2019)
	globex := fact("new", "alice", "globex", "Alice works at Globex")
	globex.ValidAt = at(2022)

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:                globex,
		InvalidationCandidates: []*types.Edge{acme},
		FactTypes:              []types.EdgeTypeDefinition{{Name: "Employment"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Employment", res.FactType)
	assert.Nil(t, res.Resolved.ExpiredAt)
	require.Len(t, res.Invalidated, 1)
	assert.True(t, at(2022).Equal(*res.Invalidated[0].InvalidAt))
	assert.Contains(t, oracle.promptText(0), `"idx": 0`)
}

func TestResolveEdgeContradictionRequiresEvidence(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [1, 9], "contradicted_facts": [0, 5, -1], "fact_type": "NOT_LISTED"}`}}
	eo := newEdgeOps(oracle)

	between := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	between.ValidAt = at(2019)
	related := fact("e2", "alice", "bob", "Alice manages Bob")
	related.ValidAt = at(2020)
	newEdge := fact("new", "alice", "acme", "Alice is an engineer at Acme Corp")
	newEdge.ValidAt = at(2021)

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:                newEdge,
		ExistingEdges:          []*types.Edge{between},
		InvalidationCandidates: []*types.Edge{related},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Duplicates, "index 1 belongs to the invalidation range")
	assert.Empty(t, res.Invalidated, "index 0 belongs to the duplicate range")
	assert.Empty(t, res.Verdict.DuplicateFacts)
	assert.Empty(t, res.Verdict.ContradictedFacts)
	assert.Equal(t, "new", res.Resolved.Uuid)
	assert.Equal(t, types.DefaultFactType, res.FactType)
}

func TestResolveEdgeNumericDifferenceIsNotUpgraded(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [], "contradicted_facts": [], "fact_type": "DEFAULT"}`}}
	eo := newEdgeOps(oracle)

	five := fact("e1", "alice", "acme", "Alice owns 5 shares of Acme Corp")
	six := fact("new", "alice", "acme", "Alice owns 6 shares of Acme Corp")

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
		NewEdge:       six,
		ExistingEdges: []*types.Edge{five},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", res.Resolved.Uuid)
	assert.Empty(t, res.Duplicates)
	assert.Contains(t, oracle.promptText(0), "numeric values")
}

func TestResolveEdgeDuplicateAppendsEpisode(t *testing.T) {
	oracle := &scriptedOracle{responses: []string{`{"duplicate_facts": [0], "contradicted_facts": [], "fact_type": "DEFAULT"}`}}
	eo := newEdgeOps(oracle)

	existing := fact("e1", "alice", "acme", "Alice is employed by Acme Corp")
	newEdge := fact("new", "alice", "acme", "Alice works at Acme Corp")
	newEdge.Episodes = []string{"ep1"}
	newEdge.ValidAt = at(2019)

	res, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{NewEdge: newEdge, ExistingEdges: []*types.Edge{existing}})
	require.NoError(t, err)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "e1", res.Resolved.Uuid)
	assert.Equal(t, []string{"ep0", "ep1"}, res.Resolved.Episodes)
	assert.True(t, at(2019).Equal(*res.Resolved.ValidAt), "a missing start is filled from the duplicate")
}

func TestResolveEdgeFailures(t *testing.T) {
	t.Run("self loop", func(t *testing.T) {
		eo := newEdgeOps(&scriptedOracle{})
		_, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{NewEdge: fact("new", "alice", "alice", "Alice is Alice")})
		ue := requireUnitError(t, err, types.UnitFact, StageResolveEdge)
		assert.Equal(t, types.FailureValidation, ue.Kind)
		assert.ErrorIs(t, err, types.ErrSelfLoop)
	})

	t.Run("oracle failure", func(t *testing.T) {
		eo := newEdgeOps(&scriptedOracle{errs: []error{errors.New("reset")}})
		_, err := eo.ResolveEdge(context.Background(), ResolveEdgeInput{
			NewEdge:       fact("new", "alice", "acme", "Alice works at Acme Corp"),
			ExistingEdges: []*types.Edge{fact("e1", "alice", "acme", "Alice joined Acme")},
		})
		ue := requireUnitError(t, err, types.UnitFact, StageResolveEdge)
		assert.Equal(t, "new", ue.ID)
		assert.ErrorIs(t, err, types.ErrOracleFailure)
	})
}

func TestResolveEdgesIsolatesFailures(t *testing.T) {
	oracle := &routedOracle{routes: map[string]string{
		"Alice left Acme Corp": `{"duplicate_facts": [], "contradicted_facts": [1], "fact_type": "DEFAULT"}`,
	}}
	eo := NewEdgeOperations(oracle, prompts.NewLibrary())
	eo.Concurrency = 2

	worked := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	worked.ValidAt = at(2019)
	left := fact("new-1", "alice", "acme", "Alice left Acme Corp")
	left.InvalidAt = at(2022)
	broken := fact("new-2", "bob", "acme", "Bob consults for Acme Corp")

	resolutions, errs := eo.ResolveEdges(context.Background(), []ResolveEdgeInput{
		{NewEdge: left, ExistingEdges: []*types.Edge{worked}, InvalidationCandidates: []*types.Edge{worked}},
		{NewEdge: broken, ExistingEdges: []*types.Edge{fact("e9", "bob", "acme", "Bob visited Acme Corp")}},
		{NewEdge: fact("new-3", "carol", "acme", "Carol founded Acme Corp")},
	})
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	requireUnitError(t, errs[1], types.UnitFact, StageResolveEdge)
	assert.NoError(t, errs[2])

	edges, invalidated := MergeEdgeResolutions(resolutions)
	require.Len(t, edges, 2)
	assert.Equal(t, "new-1", edges[0].Uuid)
	assert.Equal(t, "new-3", edges[1].Uuid)
	require.Len(t, invalidated, 1)
	assert.Equal(t, "e1", invalidated[0].Uuid)
}

func TestMergeEdgeResolutions(t *testing.T) {
	e1 := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	e1.Episodes = []string{"ep0", "ep1"}
	e1again := e1.Clone()
	e1again.Episodes = []string{"ep0", "ep2"}

	closed := fact("e1", "alice", "acme", "Alice works at Acme Corp")
	closed.InvalidAt = at(2022)
	closed.ExpiredAt = &fixedNow

	other := fact("e7", "alice", "bob", "Alice manages Bob")
	other.ExpiredAt = &fixedNow

	edges, invalidated := MergeEdgeResolutions([]*EdgeResolution{
		{Resolved: e1},
		nil,
		{Resolved: e1again, Invalidated: []*types.Edge{other}},
		{Resolved: fact("n1", "alice", "globex", "Alice works at Globex"), Invalidated: []*types.Edge{closed, other}},
	})

	require.Len(t, edges, 2)
	assert.Equal(t, []string{"ep0", "ep1", "ep2"}, edges[0].Episodes)
	assert.True(t, at(2022).Equal(*edges[0].InvalidAt), "a stored fact that is also invalidated is closed in place")
	require.Len(t, invalidated, 1)
	assert.Equal(t, "e7", invalidated[0].Uuid)
}

func TestDedupeExactEdges(t *testing.T) {
	a := fact("a", "alice", "acme", "Alice works at Acme Corp")
	b := fact("b", "alice", "acme", "alice works at acme corp")
	b.Episodes = []string{"ep1"}
	c := fact("c", "acme", "alice", "Alice works at Acme Corp")

	out := DedupeExactEdges([]*types.Edge{a, b, c})
	require.Len(t, out, 2, "direction matters")
	assert.Equal(t, []string{"ep0", "ep1"}, out[0].Episodes)
}

func TestDedupeEdgeList(t *testing.T) {
	edges := []*types.Edge{
		fact("f1", "alice", "acme", "Alice works at Acme Corp"),
		fact("f2", "alice", "acme", "Alice works at Acme Corp"),
		fact("f3", "alice", "acme", "Alice is employed by Acme Corp"),
		fact("f4", "alice", "bob", "Alice manages Bob"),
	}
	oracle := &scriptedOracle{responses: []string{`{"unique_facts": [
		{"uuid": "f3", "fact": "Alice is employed by Acme Corp", "duplicates": ["f1", "ghost"]}
	]}`}}
	eo := newEdgeOps(oracle)

	clusters, err := eo.DedupeEdgeList(context.Background(), edges)
	require.NoError(t, err)
	assert.NotContains(t, oracle.promptText(0), `"f2"`, "exact duplicates are merged before the call")

	require.Len(t, clusters, 2)
	assert.Equal(t, "f3", clusters[0].UUID)
	assert.Equal(t, "Alice is employed by Acme Corp", clusters[0].Fact)
	assert.Equal(t, []string{"f1", "f2", "f3"}, clusters[0].MergedFrom)
	assert.Equal(t, "f4", clusters[1].UUID)
	assert.Equal(t, []string{"f4"}, clusters[1].MergedFrom)

	total := 0
	for _, c := range clusters {
		total += len(c.MergedFrom)
	}
	assert.Equal(t, len(edges), total, "every fact lands in exactly one cluster")
}
