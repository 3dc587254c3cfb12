package chronograph_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph"
	"github.com/soundprediction/chronograph/pkg/checkpoint"
	"github.com/soundprediction/chronograph/pkg/driver"
	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils/maintenance"
)

// stageOracle answers each call through reply, keyed by the pipeline stage
// carried on the context.
type stageOracle struct {
	mu      sync.Mutex
	reply   func(stage, prompt string) (string, error)
	calls   map[string]int
	prompts map[string][]string
}

func newStageOracle(reply func(stage, prompt string) (string, error)) *stageOracle {
	return &stageOracle{reply: reply, calls: map[string]int{}, prompts: map[string][]string{}}
}

func (o *stageOracle) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	stage := nlp.StageFromContext(ctx)
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	prompt := strings.Join(parts, "\n")

	o.mu.Lock()
	o.calls[stage]++
	o.prompts[stage] = append(o.prompts[stage], prompt)
	o.mu.Unlock()

	content, err := o.reply(stage, prompt)
	if err != nil {
		return nil, err
	}
	return &types.Response{Content: content}, nil
}

func (o *stageOracle) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	return o.Chat(ctx, messages)
}

func (o *stageOracle) Close() error { return nil }

func (o *stageOracle) count(stage string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[stage]
}

func (o *stageOracle) prompt(stage string, i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompts[stage][i]
}

// keywordEmbedder maps texts mentioning the CEO or Jane to one direction and
// everything else to another.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "CEO") || strings.Contains(text, "Jane") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (e keywordEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (keywordEmbedder) Dimensions() int { return 2 }
func (keywordEmbedder) Close() error    { return nil }

const summaryReply = `{"summary": "Mentioned in the episode.", "attributes": {}}`

func date(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func episode(id, content string, reference time.Time) types.Episode {
	return types.Episode{
		ID:        id,
		Content:   content,
		Type:      types.TextEpisodeType,
		Reference: reference,
		GroupID:   "g1",
	}
}

func nodeNamed(t *testing.T, nodes []*types.Node, name string) *types.Node {
	t.Helper()
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	t.Fatalf("no node named %q", name)
	return nil
}

func newTestClient(t *testing.T, graph driver.GraphDriver, oracle nlp.Client, config *chronograph.Config) *chronograph.Client {
	t.Helper()
	client, err := chronograph.NewClient(graph, oracle, nil, config, nil)
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresDependencies(t *testing.T) {
	_, err := chronograph.NewClient(nil, newStageOracle(nil), nil, nil, nil)
	assert.ErrorIs(t, err, chronograph.ErrNoDriver)

	_, err = chronograph.NewClient(driver.NewMemoryDriver(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, chronograph.ErrNoLanguageModel)
}

func TestProcessEpisodeRejectsInvalidEpisode(t *testing.T) {
	client := newTestClient(t, driver.NewMemoryDriver(), newStageOracle(nil), nil)

	_, err := client.ProcessEpisode(context.Background(), types.Episode{ID: "ep", Type: types.TextEpisodeType, Reference: date(2024, 1)}, nil)
	ue, ok := types.AsUnitError(err)
	require.True(t, ok)
	assert.Equal(t, types.UnitEpisode, ue.Unit)
	assert.Equal(t, types.FailureValidation, ue.Kind)
	assert.ErrorIs(t, err, types.ErrEmptyContent)
}

func TestProcessEpisodeEmploymentTimeline(t *testing.T) {
	ctx := context.Background()
	graph := driver.NewMemoryDriver()
	oracle := newStageOracle(func(stage, prompt string) (string, error) {
		switch stage {
		case maintenance.StageExtractNodes:
			return `{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}, {"name": "Acme Corp", "entity_type_id": 0}]}`, nil
		case maintenance.StageExtractEdges:
			if strings.Contains(prompt, "She left") {
				return `{"edges": [{"relation_type": "LEFT", "source_entity_id": 0, "target_entity_id": 1,
					"fact": "Alice left Acme Corp", "valid_at": null, "invalid_at": "2022-01-01T00:00:00Z"}]}`, nil
			}
			return `{"edges": [{"relation_type": "WORKS_AT", "source_entity_id": 0, "target_entity_id": 1,
				"fact": "Alice works at Acme Corp", "valid_at": "2019-01-01T00:00:00Z", "invalid_at": null}]}`, nil
		case maintenance.StageResolveEdge:
			// idx 0 is the duplicate candidate, idx 1 the same fact as invalidation candidate
			return `{"duplicate_facts": [], "contradicted_facts": [1], "fact_type": ""}`, nil
		case maintenance.StageNodeAttributes:
			return summaryReply, nil
		}
		return "", errors.New("unexpected stage " + stage)
	})
	client := newTestClient(t, graph, oracle, nil)

	first, err := client.ProcessEpisode(ctx, episode("ep1", "Alice joined Acme Corp in 2019.", date(2024, 1)), nil)
	require.NoError(t, err)
	require.True(t, first.Committed)
	require.Len(t, first.Results.Nodes, 2)
	require.Len(t, first.Results.Edges, 1)
	assert.Zero(t, oracle.count(maintenance.StageResolveNodes), "an empty graph needs no resolution")
	assert.Zero(t, oracle.count(maintenance.StageResolveEdge))

	alice := nodeNamed(t, first.Results.Nodes, "Alice")
	acme := nodeNamed(t, first.Results.Nodes, "Acme Corp")
	employment := first.Results.Edges[0]
	assert.Equal(t, "Mentioned in the episode.", alice.Summary)

	second, err := client.ProcessEpisode(ctx, episode("ep2", "She left Acme Corp in 2022.", date(2024, 6)), nil)
	require.NoError(t, err)
	assert.Equal(t, alice.Uuid, nodeNamed(t, second.Results.Nodes, "Alice").Uuid, "exact names resolve to the stored entity")
	assert.Equal(t, acme.Uuid, nodeNamed(t, second.Results.Nodes, "Acme Corp").Uuid)
	assert.Contains(t, oracle.prompt(maintenance.StageExtractEdges, 1), "Alice joined Acme Corp in 2019.", "earlier episodes are context")

	require.Len(t, second.Results.Edges, 1)
	departure := second.Results.Edges[0]
	require.NotNil(t, departure.ValidAt)
	assert.True(t, date(2019, 1).Equal(*departure.ValidAt), "cessation inherits the start of the fact it ends")
	require.Len(t, second.Results.InvalidatedEdges, 1)

	stored, err := client.GetEdge(ctx, employment.Uuid)
	require.NoError(t, err)
	require.NotNil(t, stored.InvalidAt)
	assert.True(t, date(2022, 1).Equal(*stored.InvalidAt))
	assert.NotNil(t, stored.ExpiredAt)

	active, err := client.ActiveFacts(ctx, "g1", alice.Uuid, acme.Uuid, date(2020, 6))
	require.NoError(t, err)
	assert.Len(t, active, 2)
	active, err = client.ActiveFacts(ctx, "g1", alice.Uuid, acme.Uuid, date(2023, 1))
	require.NoError(t, err)
	assert.Empty(t, active)

	episodes, err := client.GetEpisodes(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, "ep1", episodes[0].ID)
	assert.Equal(t, int64(2), graph.Stats().NodeCount)
	assert.Equal(t, int64(2), graph.Stats().EdgeCount)
}

func TestProcessEpisodeResolvesDescriptiveMention(t *testing.T) {
	ctx := context.Background()
	graph := driver.NewMemoryDriver()
	now := time.Now().UTC()
	jane := &types.Node{Uuid: "jane", Name: "Jane Smith", GroupID: "g1", EntityType: "Entity",
		NameEmbedding: []float32{1, 0}, CreatedAt: now, UpdatedAt: now}
	acme := &types.Node{Uuid: "acme", Name: "Acme Corp", GroupID: "g1", EntityType: "Entity",
		NameEmbedding: []float32{0, 1}, CreatedAt: now, UpdatedAt: now}
	seed := episode("ep0", "Jane Smith became CEO of Acme Corp.", date(2023, 1))
	require.NoError(t, graph.SaveEpisodeResult(ctx, &driver.EpisodeCommit{Episode: &seed, Nodes: []*types.Node{jane, acme}}))

	oracle := newStageOracle(func(stage, prompt string) (string, error) {
		switch stage {
		case maintenance.StageExtractNodes:
			return `{"extracted_entities": [{"name": "the CEO", "entity_type_id": 0}, {"name": "Acme Corp", "entity_type_id": 0}]}`, nil
		case maintenance.StageResolveNodes:
			return `{"entity_resolutions": [{"id": 0, "duplicate_idx": 0, "name": "Jane Smith", "duplicates": [0]}]}`, nil
		case maintenance.StageExtractEdges:
			return `{"edges": [{"relation_type": "ANNOUNCED_PROFITS", "source_entity_id": 0, "target_entity_id": 1,
				"fact": "Jane Smith announced record profits at Acme Corp", "valid_at": null, "invalid_at": null}]}`, nil
		case maintenance.StageNodeAttributes:
			return summaryReply, nil
		}
		return "", errors.New("unexpected stage " + stage)
	})
	client, err := chronograph.NewClient(graph, oracle, keywordEmbedder{}, &chronograph.Config{GenerateEmbeddings: true}, nil)
	require.NoError(t, err)

	result, err := client.ProcessEpisode(ctx, episode("ep1", "The CEO of Acme Corp announced record profits.", date(2024, 1)), nil)
	require.NoError(t, err)

	require.Len(t, result.Results.Nodes, 2)
	resolved := nodeNamed(t, result.Results.Nodes, "Jane Smith")
	assert.Equal(t, "jane", resolved.Uuid)
	assert.Equal(t, 1, oracle.count(maintenance.StageResolveNodes), "only the descriptive mention needs the oracle")
	for extracted, canonical := range result.Results.UUIDMap {
		assert.Contains(t, []string{"jane", "acme"}, canonical, "extracted %s", extracted)
	}

	require.Len(t, result.Results.Edges, 1)
	edge := result.Results.Edges[0]
	assert.Equal(t, "jane", edge.SourceNodeUUID)
	assert.Equal(t, "acme", edge.TargetNodeUUID)
	assert.Equal(t, []float32{1, 0}, edge.FactEmbedding)
	assert.Equal(t, int64(2), graph.Stats().NodeCount, "no new entity for the mention")

	stored, err := client.GetNode(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith", stored.Name)

	_, err = client.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, chronograph.ErrNotFound)
	_, err = client.GetEdge(ctx, "missing")
	assert.ErrorIs(t, err, chronograph.ErrNotFound)
}

func TestProcessEpisodeIsolatesFactFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	seed := episode("ep0", "Alice works at Acme Corp.", date(2023, 1))
	existing := &types.Edge{Uuid: "e0", GroupID: "g1", SourceNodeUUID: "alice", TargetNodeUUID: "acme",
		Name: "WORKS_AT", Fact: "Alice works at Acme Corp", Episodes: []string{"ep0"}, CreatedAt: now}

	setup := func(t *testing.T) (*driver.MemoryDriver, *stageOracle) {
		graph := driver.NewMemoryDriver()
		require.NoError(t, graph.SaveEpisodeResult(ctx, &driver.EpisodeCommit{
			Episode: &seed,
			Nodes: []*types.Node{
				{Uuid: "alice", Name: "Alice", GroupID: "g1", CreatedAt: now, UpdatedAt: now},
				{Uuid: "acme", Name: "Acme Corp", GroupID: "g1", CreatedAt: now, UpdatedAt: now},
			},
			Edges: []*types.Edge{existing},
		}))
		oracle := newStageOracle(func(stage, prompt string) (string, error) {
			switch stage {
			case maintenance.StageExtractNodes:
				return `{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}, {"name": "Acme Corp", "entity_type_id": 0}]}`, nil
			case maintenance.StageExtractEdges:
				return `{"edges": [{"relation_type": "LEADS", "source_entity_id": 0, "target_entity_id": 1,
					"fact": "Alice leads the Acme Corp platform team", "valid_at": null, "invalid_at": null}]}`, nil
			case maintenance.StageResolveEdge:
				return "", errors.New("connection reset")
			case maintenance.StageNodeAttributes:
				return summaryReply, nil
			}
			return "", errors.New("unexpected stage " + stage)
		})
		return graph, oracle
	}

	t.Run("failed fact is dropped and reported", func(t *testing.T) {
		graph, oracle := setup(t)
		client := newTestClient(t, graph, oracle, nil)

		result, err := client.ProcessEpisode(ctx, episode("ep1", "Alice now leads the platform team.", date(2024, 1)), nil)
		require.NoError(t, err)
		assert.True(t, result.Committed)
		assert.Empty(t, result.Results.Edges)
		require.Len(t, result.Results.ItemErrors, 1)
		ue := result.Results.ItemErrors[0]
		assert.Equal(t, types.UnitFact, ue.Unit)
		assert.Equal(t, maintenance.StageResolveEdge, ue.Stage)
		assert.Equal(t, types.FailureOracleTransport, ue.Kind)
		assert.Equal(t, int64(1), graph.Stats().EdgeCount)
	})

	t.Run("all or nothing fails the episode", func(t *testing.T) {
		graph, oracle := setup(t)
		client := newTestClient(t, graph, oracle, nil)

		_, err := client.ProcessEpisode(ctx, episode("ep1", "Alice now leads the platform team.", date(2024, 1)),
			&chronograph.ProcessOptions{AllOrNothing: true})
		ue, ok := types.AsUnitError(err)
		require.True(t, ok)
		assert.Equal(t, types.UnitFact, ue.Unit)
		assert.ErrorIs(t, err, types.ErrOracleFailure)
		assert.Equal(t, int64(1), graph.Stats().EpisodeCount, "nothing of the failed episode is stored")
	})
}

func TestProcessEpisodeResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	graph := driver.NewMemoryDriver()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	edgesDown := true
	oracle := newStageOracle(func(stage, prompt string) (string, error) {
		switch stage {
		case maintenance.StageExtractNodes:
			return `{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}, {"name": "Acme Corp", "entity_type_id": 0}]}`, nil
		case maintenance.StageExtractEdges:
			if edgesDown {
				return "", errors.New("service unavailable")
			}
			return `{"edges": [{"relation_type": "WORKS_AT", "source_entity_id": 0, "target_entity_id": 1,
				"fact": "Alice works at Acme Corp", "valid_at": null, "invalid_at": null}]}`, nil
		case maintenance.StageNodeAttributes:
			return summaryReply, nil
		}
		return "", errors.New("unexpected stage " + stage)
	})
	client := newTestClient(t, graph, oracle, &chronograph.Config{Checkpoints: store})
	ep := episode("ep1", "Alice works at Acme Corp.", date(2024, 1))

	_, err = client.ProcessEpisode(ctx, ep, nil)
	ue, ok := types.AsUnitError(err)
	require.True(t, ok)
	assert.Equal(t, maintenance.StageExtractEdges, ue.Stage)
	assert.Equal(t, types.UnitEpisode, ue.Unit)
	assert.Zero(t, graph.Stats().NodeCount, "a failed episode writes nothing")

	cp, err := store.Load(ctx, "ep1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StepResolvedNodes, cp.Step)
	assert.Equal(t, 1, cp.AttemptCount)
	assert.Equal(t, string(types.FailureOracleTransport), cp.LastErrorKind)

	edgesDown = false
	result, err := client.ProcessEpisode(ctx, ep, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StepResolvedNodes, result.ResumedFrom)
	assert.Equal(t, 1, oracle.count(maintenance.StageExtractNodes), "completed stages are not repeated")
	assert.Len(t, result.Results.Edges, 1)
	assert.Equal(t, int64(2), graph.Stats().NodeCount)

	cp, err = store.Load(ctx, "ep1")
	require.NoError(t, err)
	assert.Nil(t, cp, "committed episodes leave no checkpoint")
}

func TestDeferredCommit(t *testing.T) {
	ctx := context.Background()
	graph := driver.NewMemoryDriver()
	oracle := newStageOracle(func(stage, prompt string) (string, error) {
		switch stage {
		case maintenance.StageExtractNodes:
			return `{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`, nil
		case maintenance.StageNodeAttributes:
			return summaryReply, nil
		}
		return "", errors.New("unexpected stage " + stage)
	})
	client := newTestClient(t, graph, oracle, nil)

	result, err := client.ProcessEpisode(ctx, episode("ep1", "Alice said hello.", date(2024, 1)),
		&chronograph.ProcessOptions{DeferCommit: true})
	require.NoError(t, err)
	assert.False(t, result.Committed)
	assert.Zero(t, graph.Stats().EpisodeCount)
	assert.Zero(t, oracle.count(maintenance.StageExtractEdges), "a single entity has no facts to extract")

	require.NoError(t, client.Commit(ctx, result))
	assert.True(t, result.Committed)
	assert.Equal(t, int64(1), graph.Stats().NodeCount)
	require.NoError(t, client.Commit(ctx, result))
	assert.Equal(t, int64(1), graph.Stats().EpisodeCount)

	assert.ErrorIs(t, client.Commit(ctx, nil), driver.ErrNilCommit)
}

func TestCommitRejectsBrokenGraph(t *testing.T) {
	client := newTestClient(t, driver.NewMemoryDriver(), newStageOracle(nil), nil)
	now := time.Now().UTC()

	err := client.Commit(context.Background(), &chronograph.EpisodeResult{
		Episode: episode("ep1", "x", date(2024, 1)),
		Results: &types.ExtractionResults{
			Nodes: []*types.Node{{Uuid: "alice", Name: "Alice", GroupID: "g1", CreatedAt: now, UpdatedAt: now}},
			Edges: []*types.Edge{{Uuid: "e1", GroupID: "g1", SourceNodeUUID: "alice", TargetNodeUUID: "ghost",
				Name: "KNOWS", Fact: "Alice knows someone", CreatedAt: now}},
		},
	})
	ue, ok := types.AsUnitError(err)
	require.True(t, ok)
	assert.Equal(t, types.FailureValidation, ue.Kind)
	assert.Contains(t, err.Error(), "ghost")
}

func TestProcessEpisodesOrdersEachGroup(t *testing.T) {
	ctx := context.Background()
	graph := driver.NewMemoryDriver()
	oracle := newStageOracle(func(stage, prompt string) (string, error) {
		switch stage {
		case maintenance.StageExtractNodes:
			if strings.Contains(prompt, "broken") {
				return "", context.DeadlineExceeded
			}
			return `{"extracted_entities": [{"name": "Alice", "entity_type_id": 0}]}`, nil
		case maintenance.StageNodeAttributes:
			return summaryReply, nil
		}
		return "", errors.New("unexpected stage " + stage)
	})
	client := newTestClient(t, graph, oracle, &chronograph.Config{Concurrency: 2})

	later := episode("later", "Alice moved to Berlin.", date(2024, 3))
	earlier := episode("earlier", "Alice started a new job.", date(2024, 1))
	other := episode("other", "This one is broken.", date(2024, 2))
	other.GroupID = "g2"

	results, errs := client.ProcessEpisodes(ctx, []types.Episode{later, earlier, other}, nil)
	require.Len(t, results, 3)
	require.Len(t, errs, 3)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Nil(t, results[2])

	ue, ok := types.AsUnitError(errs[2])
	require.True(t, ok)
	assert.Equal(t, "other", ue.ID)
	assert.Equal(t, types.FailureOracleTimeout, ue.Kind)

	assert.Equal(t, results[1].Results.Nodes[0].Uuid, results[0].Results.Nodes[0].Uuid,
		"the later episode resolves against what the earlier one stored")
	assert.Equal(t, int64(1), graph.Stats().NodeCount)
}

func TestProcessEpisodesCancelled(t *testing.T) {
	graph := driver.NewMemoryDriver()
	oracle := newStageOracle(func(stage, _ string) (string, error) {
		return "", errors.New("unexpected stage " + stage)
	})
	client := newTestClient(t, graph, oracle, &chronograph.Config{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first := episode("first", "Alice started a new job.", date(2024, 1))
	second := episode("second", "Bob moved to Paris.", date(2024, 2))
	second.GroupID = "g2"

	results, errs := client.ProcessEpisodes(ctx, []types.Episode{first, second}, nil)
	require.Len(t, errs, 2)
	for i, err := range errs {
		assert.Nil(t, results[i])
		assert.ErrorIs(t, err, types.ErrCancelled)
	}
	assert.Equal(t, int64(0), graph.Stats().NodeCount)
}
