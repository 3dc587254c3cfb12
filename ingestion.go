package chronograph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/checkpoint"
	"github.com/soundprediction/chronograph/pkg/driver"
	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/search"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
	"github.com/soundprediction/chronograph/pkg/utils/maintenance"
)

// Stages owned by the orchestrator. Engine stages are named in maintenance.
const (
	stagePrepare    = "prepare_episode"
	stageContext    = "load_context"
	stageCandidates = "candidate_search"
	stageEmbed      = "embed"
	stageIntegrity  = "validate_graph"
	stageCommit     = "commit"
)

// episodeRun is the state of one ProcessEpisode call. Everything that must
// survive a restart lives in the checkpoint.
type episodeRun struct {
	episode    *types.Episode
	previous   []*types.Episode
	options    *ProcessOptions
	cp         *checkpoint.EpisodeCheckpoint
	itemErrors []*types.UnitError
}

// isolate records a failure of a single entity or fact. With AllOrNothing
// the failure is returned and ends the episode instead.
func (r *episodeRun) isolate(unit types.Unit, id, stage string, err error) error {
	ue, ok := types.AsUnitError(err)
	if !ok {
		ue = types.NewUnitError(unit, id, stage, contextFailureKind(err), err)
	}
	if r.options.AllOrNothing {
		return ue
	}
	r.itemErrors = append(r.itemErrors, ue)
	return nil
}

// ProcessEpisode extracts and resolves the entities and facts of one episode
// and, unless DeferCommit is set, writes them to the graph as a single unit.
// On failure nothing is written and the error names the failed stage.
func (c *Client) ProcessEpisode(ctx context.Context, episode types.Episode, options *ProcessOptions) (*EpisodeResult, error) {
	if options == nil {
		options = &ProcessOptions{}
	}
	start := time.Now()

	ep, err := c.prepareEpisode(episode)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, types.ContextKeyEpisodeID, ep.ID)
	ctx = context.WithValue(ctx, types.ContextKeyGroupID, ep.GroupID)

	r := &episodeRun{
		episode: &ep,
		options: options,
		cp:      c.loadCheckpoint(ctx, ep),
	}
	result := &EpisodeResult{Episode: ep}
	if r.cp.Step != checkpoint.StepInitial {
		result.ResumedFrom = r.cp.Step
		c.logger.Info("Resuming episode from checkpoint", "episode", ep.ID, "step", r.cp.Step, "progress", r.cp.GetProgress())
	}

	if err := c.runPipeline(ctx, r); err != nil {
		c.recordFailure(ctx, r.cp, err)
		c.logger.Error("Episode failed", "episode", ep.ID, "error", err, "duration", time.Since(start))
		return nil, err
	}

	result.Results = &types.ExtractionResults{
		EpisodeID:              ep.ID,
		Nodes:                  r.cp.ResolvedNodes,
		UUIDMap:                r.cp.UUIDMap,
		Edges:                  r.cp.ResolvedEdges,
		InvalidatedEdges:       r.cp.InvalidatedEdges,
		DroppedEdges:           r.cp.DroppedEdges,
		NodeReflexionExhausted: r.cp.NodeReflexionExhausted,
		EdgeReflexionExhausted: r.cp.EdgeReflexionExhausted,
		ItemErrors:             r.itemErrors,
		ExtractionTime:         time.Since(start),
	}

	if !options.DeferCommit {
		if err := c.Commit(ctx, result); err != nil {
			c.recordFailure(ctx, r.cp, err)
			return nil, err
		}
	}

	c.logger.Info("Episode processed",
		"episode", ep.ID,
		"nodes", result.Results.NodeCount(),
		"edges", result.Results.EdgeCount(),
		"invalidated", len(result.Results.InvalidatedEdges),
		"item_errors", len(r.itemErrors),
		"committed", result.Committed,
		"duration", time.Since(start))
	return result, nil
}

// Commit writes a processed episode to the graph. It is called by
// ProcessEpisode unless DeferCommit is set; a deferred result may be
// committed later, at most once.
func (c *Client) Commit(ctx context.Context, result *EpisodeResult) error {
	if result == nil || result.Results == nil {
		return driver.ErrNilCommit
	}
	if result.Committed {
		return nil
	}
	res := result.Results
	episodeID := result.Episode.ID

	if issues := maintenance.ValidateGraphIntegrity(res.Nodes, res.Edges, res.UUIDMap); len(issues) > 0 {
		return types.NewUnitError(types.UnitEpisode, episodeID, stageIntegrity, types.FailureValidation,
			errors.New(strings.Join(issues, "; ")))
	}

	episode := result.Episode
	err := c.driver.SaveEpisodeResult(ctx, &driver.EpisodeCommit{
		Episode:          &episode,
		Nodes:            res.Nodes,
		Edges:            res.Edges,
		InvalidatedEdges: res.InvalidatedEdges,
		UUIDMap:          res.UUIDMap,
	})
	if err != nil {
		return episodeFailure(episodeID, stageCommit, err)
	}
	result.Committed = true

	if c.checkpoints != nil {
		if err := c.checkpoints.Delete(ctx, episodeID); err != nil {
			c.logger.Warn("Failed to delete checkpoint", "episode", episodeID, "error", err)
		}
	}
	return nil
}

// ProcessEpisodes processes a batch of episodes. Episodes of the same group
// run one after another in reference time order so each sees the graph its
// predecessors produced; different groups run concurrently. Results and
// errors are aligned with episodes and one failure never stops the others.
func (c *Client) ProcessEpisodes(ctx context.Context, episodes []types.Episode, options *ProcessOptions) ([]*EpisodeResult, []error) {
	results := make([]*EpisodeResult, len(episodes))
	errs := make([]error, len(episodes))
	if len(episodes) == 0 {
		return results, errs
	}

	var groupOrder []string
	byGroup := make(map[string][]int)
	for i, ep := range episodes {
		group := ep.GroupID
		if group == "" {
			group = c.config.GroupID
		}
		if _, ok := byGroup[group]; !ok {
			groupOrder = append(groupOrder, group)
		}
		byGroup[group] = append(byGroup[group], i)
	}

	fns := make([]func() error, len(groupOrder))
	for g, group := range groupOrder {
		indices := byGroup[group]
		sort.SliceStable(indices, func(a, b int) bool {
			return episodes[indices[a]].Reference.Before(episodes[indices[b]].Reference)
		})
		fns[g] = func() error {
			for _, i := range indices {
				if err := ctx.Err(); err != nil {
					errs[i] = types.NewUnitError(types.UnitEpisode, episodes[i].ID, stagePrepare, contextFailureKind(err), err)
					continue
				}
				results[i], errs[i] = c.ProcessEpisode(ctx, episodes[i], options)
			}
			return nil
		}
	}

	groupErrs := utils.SemaphoreGather(ctx, c.config.Concurrency, fns...)
	for g, err := range groupErrs {
		if err == nil {
			continue
		}
		// the group never started or panicked part way
		for _, i := range byGroup[groupOrder[g]] {
			if results[i] == nil && errs[i] == nil {
				errs[i] = episodeFailure(episodes[i].ID, stagePrepare, err)
			}
		}
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	c.logger.Info("Processed episode batch", "episodes", len(episodes), "groups", len(groupOrder), "failed", failed)
	return results, errs
}

type pipelineStep struct {
	step checkpoint.Step
	run  func(context.Context, *episodeRun) error
}

func (c *Client) runPipeline(ctx context.Context, r *episodeRun) error {
	previous, err := c.searcher.PreviousEpisodes(ctx, r.episode, previousEpisodeCount(r.options))
	if err != nil {
		return episodeFailure(r.episode.ID, stageContext, err)
	}
	r.previous = previous

	steps := []pipelineStep{
		{checkpoint.StepExtractedNodes, c.extractNodes},
		{checkpoint.StepResolvedNodes, c.resolveNodes},
		{checkpoint.StepExtractedEdges, c.extractEdges},
		{checkpoint.StepResolvedEdges, c.resolveEdges},
		{checkpoint.StepBackfilled, c.backfillAttributes},
		{checkpoint.StepEmbedded, c.embed},
	}
	for _, s := range steps {
		if r.cp.Reached(s.step) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return episodeFailure(r.episode.ID, string(s.step), err)
		}
		if err := s.run(ctx, r); err != nil {
			return err
		}
		r.cp.Advance(s.step)
		c.saveCheckpoint(ctx, r.cp)
	}
	return nil
}

func (c *Client) extractNodes(ctx context.Context, r *episodeRun) error {
	res, err := c.nodeOps.ExtractNodes(ctx, maintenance.ExtractNodesInput{
		Episode:             r.episode,
		PreviousEpisodes:    r.previous,
		EntityTypes:         c.entityTypes(r.options),
		ExcludedEntityTypes: r.options.ExcludedEntityTypes,
		CustomPrompt:        r.options.CustomPrompt,
	})
	if err != nil {
		return err
	}
	r.cp.ExtractedNodes = res.Nodes
	r.cp.NodeReflexionExhausted = res.ReflexionExhausted
	return nil
}

func (c *Client) resolveNodes(ctx context.Context, r *episodeRun) error {
	candidates, err := c.searcher.NodeCandidates(ctx, r.episode.GroupID, r.cp.ExtractedNodes)
	if err != nil {
		return episodeFailure(r.episode.ID, stageCandidates, err)
	}
	res, err := c.nodeOps.ResolveNodes(ctx, maintenance.ResolveNodesInput{
		Episode:          r.episode,
		PreviousEpisodes: r.previous,
		Nodes:            r.cp.ExtractedNodes,
		Candidates:       candidates,
		EntityTypes:      c.entityTypes(r.options),
	})
	if err != nil {
		return err
	}
	r.cp.ResolvedNodes = uniqueNodes(res.Nodes)
	r.cp.UUIDMap = res.UUIDMap
	return nil
}

func (c *Client) extractEdges(ctx context.Context, r *episodeRun) error {
	res, err := c.edgeOps.ExtractEdges(ctx, maintenance.ExtractEdgesInput{
		Episode:          r.episode,
		PreviousEpisodes: r.previous,
		Nodes:            r.cp.ResolvedNodes,
		EdgeTypes:        c.edgeTypes(r.options),
		CustomPrompt:     r.options.CustomPrompt,
	})
	if err != nil {
		return err
	}
	r.cp.ExtractedEdges = maintenance.DedupeExactEdges(res.Edges)
	r.cp.DroppedEdges = res.Dropped
	r.cp.EdgeReflexionExhausted = res.ReflexionExhausted
	return nil
}

func (c *Client) resolveEdges(ctx context.Context, r *episodeRun) error {
	edges := r.cp.ExtractedEdges
	if len(edges) == 0 {
		r.cp.ResolvedEdges, r.cp.InvalidatedEdges = nil, nil
		return nil
	}

	lookups := make([]func() (*search.EdgeCandidates, error), len(edges))
	for i, edge := range edges {
		lookups[i] = func() (*search.EdgeCandidates, error) {
			return c.searcher.EdgeCandidates(ctx, edge)
		}
	}
	candidates, errs := utils.ExecuteWithResults(ctx, c.config.Concurrency, lookups...)
	for _, err := range errs {
		if err != nil {
			return episodeFailure(r.episode.ID, stageCandidates, err)
		}
	}

	factTypes := c.edgeTypes(r.options)
	inputs := make([]maintenance.ResolveEdgeInput, len(edges))
	for i, edge := range edges {
		inputs[i] = maintenance.ResolveEdgeInput{
			NewEdge:                edge,
			ExistingEdges:          candidates[i].Duplicates,
			InvalidationCandidates: candidates[i].Invalidation,
			FactTypes:              factTypes,
			Episode:                r.episode,
		}
	}

	resolutions, errs := c.edgeOps.ResolveEdges(ctx, inputs)
	if err := ctx.Err(); err != nil {
		return episodeFailure(r.episode.ID, maintenance.StageResolveEdge, err)
	}
	resolved := make([]*maintenance.EdgeResolution, 0, len(resolutions))
	for i, err := range errs {
		if err != nil {
			if err := r.isolate(types.UnitFact, edges[i].Uuid, maintenance.StageResolveEdge, err); err != nil {
				return err
			}
			c.logger.Warn("Dropping fact that failed resolution", "episode", r.episode.ID, "fact", edges[i].Uuid, "error", err)
			continue
		}
		resolved = append(resolved, resolutions[i])
	}
	r.cp.ResolvedEdges, r.cp.InvalidatedEdges = maintenance.MergeEdgeResolutions(resolved)
	return nil
}

func (c *Client) backfillAttributes(ctx context.Context, r *episodeRun) error {
	if r.options.SkipAttributes {
		return nil
	}
	nodes, nodeFailures := c.attributeOps.ExtractAttributesFromNodes(ctx, r.cp.ResolvedNodes, r.episode, r.previous, c.entityTypes(r.options))
	edges, edgeFailures := c.attributeOps.ExtractAttributesFromEdges(ctx, r.cp.ResolvedEdges, r.episode, c.edgeTypes(r.options))
	if err := ctx.Err(); err != nil {
		return episodeFailure(r.episode.ID, maintenance.StageNodeAttributes, err)
	}
	for _, ue := range append(nodeFailures, edgeFailures...) {
		if err := r.isolate(ue.Unit, ue.ID, ue.Stage, ue); err != nil {
			return err
		}
	}
	r.cp.ResolvedNodes = nodes
	r.cp.ResolvedEdges = edges
	return nil
}

// embed stores name and fact embeddings for everything the episode commits.
// Names may have changed during resolution, so every node is embedded again.
func (c *Client) embed(ctx context.Context, r *episodeRun) error {
	if !c.config.GenerateEmbeddings || c.embedder == nil {
		return nil
	}
	nodes, edges := r.cp.ResolvedNodes, r.cp.ResolvedEdges

	texts := make([]string, 0, len(nodes)+len(edges))
	for _, node := range nodes {
		texts = append(texts, node.Name)
	}
	for _, edge := range edges {
		texts = append(texts, edge.Fact)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := embedder.GenerateEmbeddings(ctx, c.embedder, texts, c.config.EmbeddingBatchSize, c.config.Concurrency)
	if err != nil {
		return episodeFailure(r.episode.ID, stageEmbed, err)
	}
	for i, node := range nodes {
		node.NameEmbedding = vectors[i]
	}
	for i, edge := range edges {
		edge.FactEmbedding = vectors[len(nodes)+i]
	}
	return nil
}

func (c *Client) loadCheckpoint(ctx context.Context, episode types.Episode) *checkpoint.EpisodeCheckpoint {
	if c.checkpoints == nil {
		return checkpoint.NewCheckpoint(episode)
	}
	cp, err := c.checkpoints.Load(ctx, episode.ID)
	if err != nil {
		c.logger.Warn("Failed to load checkpoint", "episode", episode.ID, "error", err)
		return checkpoint.NewCheckpoint(episode)
	}
	if cp == nil {
		return checkpoint.NewCheckpoint(episode)
	}
	if cp.Episode.Content != episode.Content || cp.GroupID != episode.GroupID {
		c.logger.Info("Discarding checkpoint for changed episode", "episode", episode.ID)
		return checkpoint.NewCheckpoint(episode)
	}
	return cp
}

func (c *Client) saveCheckpoint(ctx context.Context, cp *checkpoint.EpisodeCheckpoint) {
	if c.checkpoints == nil {
		return
	}
	cp.LastUpdatedAt = time.Now().UTC()
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		c.logger.Warn("Failed to save checkpoint", "episode", cp.EpisodeID, "step", cp.Step, "error", err)
	}
}

func (c *Client) recordFailure(ctx context.Context, cp *checkpoint.EpisodeCheckpoint, err error) {
	if c.checkpoints == nil {
		return
	}
	cp.RecordFailure(err)
	// the caller's context may already be done
	c.saveCheckpoint(context.WithoutCancel(ctx), cp)
}

// uniqueNodes drops repeated pointers, keeping first occurrences in order.
func uniqueNodes(nodes []*types.Node) []*types.Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]*types.Node, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || seen[node.Uuid] {
			continue
		}
		seen[node.Uuid] = true
		out = append(out, node)
	}
	return out
}

func contextFailureKind(err error) types.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.FailureOracleTimeout
	}
	if errors.Is(err, context.Canceled) {
		return types.FailureCancelled
	}
	return types.FailureOracleTransport
}

// episodeFailure classifies an error that ends an episode. Cancellation is a
// UnitError like engine failures; storage errors are wrapped as they are.
func episodeFailure(episodeID, stage string, err error) error {
	if _, ok := types.AsUnitError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewUnitError(types.UnitEpisode, episodeID, stage, contextFailureKind(err), err)
	}
	return fmt.Errorf("episode %s failed during %s: %w", episodeID, stage, err)
}
