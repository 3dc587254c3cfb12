package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// EdgeOperations extracts facts between resolved entities and resolves them
// against existing facts.
type EdgeOperations struct {
	nlProcessor nlp.Client
	prompts     prompts.Library
	temporal    *TemporalOperations
	logger      *slog.Logger

	// Specialized NLP clients for different steps
	ExtractionNLP nlp.Client
	ReflexionNLP  nlp.Client
	ResolutionNLP nlp.Client

	// ReflexionRounds bounds gap detection passes per episode.
	ReflexionRounds int
	// Concurrency bounds parallel fact resolution in ResolveEdges.
	Concurrency    int
	LenientParsing bool
}

// NewEdgeOperations creates a new EdgeOperations instance
func NewEdgeOperations(nlProcessor nlp.Client, prompts prompts.Library) *EdgeOperations {
	return &EdgeOperations{
		nlProcessor:     nlProcessor,
		prompts:         prompts,
		temporal:        NewTemporalOperations(nlProcessor, prompts, nil),
		logger:          slog.Default(),
		ReflexionRounds: utils.GetMaxReflexionIterations(),
		Concurrency:     utils.GetSemaphoreLimit(),
	}
}

// SetLogger sets a custom logger for the EdgeOperations
func (eo *EdgeOperations) SetLogger(logger *slog.Logger) {
	if logger != nil {
		eo.logger = logger
		eo.temporal.SetLogger(logger)
	}
}

// Temporal returns the temporal operations used to apply contradictions.
func (eo *EdgeOperations) Temporal() *TemporalOperations {
	return eo.temporal
}

func (eo *EdgeOperations) getExtractionNLP() nlp.Client {
	if eo.ExtractionNLP != nil {
		return eo.ExtractionNLP
	}
	return eo.nlProcessor
}

func (eo *EdgeOperations) getReflexionNLP() nlp.Client {
	if eo.ReflexionNLP != nil {
		return eo.ReflexionNLP
	}
	return eo.nlProcessor
}

func (eo *EdgeOperations) getResolutionNLP() nlp.Client {
	if eo.ResolutionNLP != nil {
		return eo.ResolutionNLP
	}
	return eo.nlProcessor
}

// ExtractEdgesInput is the input of ExtractEdges.
type ExtractEdgesInput struct {
	Episode          *types.Episode
	PreviousEpisodes []*types.Episode
	// Nodes are the resolved entities. They are presented to the oracle under
	// their index, after repeated uuids are removed.
	Nodes        []*types.Node
	EdgeTypes    []types.EdgeTypeDefinition
	CustomPrompt string
}

// ExtractEdgesResult holds the facts of one episode.
type ExtractEdgesResult struct {
	Edges []*types.Edge
	// Dropped counts extracted facts rejected for a self loop, an unknown
	// endpoint, a missing fact text or an inverted validity interval.
	Dropped            int
	ReflexionRounds    int
	ReflexionExhausted bool
}

// ExtractEdges extracts the facts an episode states between its resolved
// entities. Relation types are normalized to SCREAMING_SNAKE_CASE and
// timestamps are resolved against the episode's reference time. Invalid
// facts are dropped one by one; an oracle failure fails the episode.
func (eo *EdgeOperations) ExtractEdges(ctx context.Context, in ExtractEdgesInput) (*ExtractEdgesResult, error) {
	episode := in.Episode
	if episode == nil {
		return nil, types.NewUnitError(types.UnitEpisode, "", StageExtractEdges, types.FailureValidation, types.ErrEmptyContent)
	}
	if err := episode.Validate(); err != nil {
		return nil, unitFailure(types.UnitEpisode, episode.ID, StageExtractEdges, err)
	}

	result := &ExtractEdgesResult{}
	nodes := flattenCandidates([][]*types.Node{in.Nodes})
	if len(nodes) < 2 {
		return result, nil
	}

	start := time.Now()
	previous := episodeContents(in.PreviousEpisodes)
	indexed := make([]prompts.IndexedEntity, len(nodes))
	names := make([]string, len(nodes))
	for i, node := range nodes {
		indexed[i] = prompts.IndexedEntity{ID: i, Name: node.Name, EntityTypes: nodeLabels(node)}
		names[i] = node.Name
	}

	found := newFactSet()
	rounds := utils.ClampReflexionRounds(eo.ReflexionRounds)
	customPrompt := in.CustomPrompt
	var pending []string
	for {
		extracted, err := eo.extractFacts(ctx, episode, previous, indexed, in.EdgeTypes, customPrompt)
		if err != nil {
			return nil, unitFailure(types.UnitEpisode, episode.ID, StageExtractEdges, err)
		}
		for _, edge := range extracted.Edges {
			found.add(edge)
		}

		if result.ReflexionRounds >= rounds {
			break
		}
		missing, err := eo.extractEdgesReflexion(ctx, episode, previous, names, found.facts())
		if err != nil {
			return nil, unitFailure(types.UnitEpisode, episode.ID, StageEdgeReflexion, err)
		}
		result.ReflexionRounds++

		pending = found.missing(missing)
		if len(pending) == 0 {
			break
		}
		customPrompt = joinPrompts(in.CustomPrompt,
			"Make sure that the following facts are extracted:\n"+strings.Join(pending, "\n"))
	}
	result.ReflexionExhausted = len(found.missing(pending)) > 0
	if result.ReflexionExhausted {
		eo.logger.Warn("Fact reflexion budget exhausted",
			"episode", episode.ID,
			"rounds", result.ReflexionRounds,
			"missing", len(found.missing(pending)))
	}

	reference := episode.ReferenceUTC()
	now := time.Now().UTC()
	for _, raw := range found.edges {
		extracted := types.ExtractedEdge{
			RelationType:   utils.NormalizeRelationType(raw.RelationType),
			SourceEntityID: raw.SourceEntityID,
			TargetEntityID: raw.TargetEntityID,
			Fact:           strings.TrimSpace(raw.Fact),
			ValidAt:        eo.parseTimestamp(raw.ValidAt, reference, "valid_at"),
			InvalidAt:      eo.parseTimestamp(raw.InvalidAt, reference, "invalid_at"),
		}
		if err := extracted.Validate(len(nodes)); err != nil {
			result.Dropped++
			eo.logger.Warn("Dropping invalid fact",
				"episode", episode.ID,
				"fact", utils.TruncateWords(extracted.Fact, 12),
				"source", extracted.SourceEntityID,
				"target", extracted.TargetEntityID,
				"error", err)
			continue
		}

		source, target := nodes[extracted.SourceEntityID], nodes[extracted.TargetEntityID]
		edge := &types.Edge{
			Uuid:           utils.GenerateUUID(),
			GroupID:        episode.GroupID,
			SourceNodeUUID: source.Uuid,
			TargetNodeUUID: target.Uuid,
			Name:           extracted.RelationType,
			Fact:           extracted.Fact,
			Episodes:       []string{episode.ID},
			ValidAt:        extracted.ValidAt,
			InvalidAt:      extracted.InvalidAt,
			CreatedAt:      now,
		}
		if def := findEdgeType(in.EdgeTypes, edge.Name); def != nil && signatureMatches(def, source, target) {
			edge.FactType = def.Name
		}
		result.Edges = append(result.Edges, edge)
	}

	eo.logger.Info("Extracted facts",
		"episode", episode.ID,
		"count", len(result.Edges),
		"dropped", result.Dropped,
		"reflexion_rounds", result.ReflexionRounds,
		"duration", time.Since(start))
	return result, nil
}

func (eo *EdgeOperations) extractFacts(ctx context.Context, episode *types.Episode, previous []string, nodes []prompts.IndexedEntity, edgeTypes []types.EdgeTypeDefinition, customPrompt string) (*prompts.ExtractedEdges, error) {
	messages, err := eo.prompts.ExtractEdges().Edge().Call(prompts.ExtractEdgesContext{
		EpisodeContent:   episode.Content,
		PreviousEpisodes: previous,
		Nodes:            nodes,
		EdgeTypes:        prompts.FactTypeSignatures(edgeTypes),
		ReferenceTime:    episode.ReferenceUTC(),
		CustomPrompt:     customPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create edge extraction prompt: %w", err)
	}
	return generate[prompts.ExtractedEdges](ctx, eo.getExtractionNLP(), messages, "ExtractedEdges", StageExtractEdges, eo.LenientParsing, eo.logger)
}

// extractEdgesReflexion asks which facts the extraction so far missed.
func (eo *EdgeOperations) extractEdgesReflexion(ctx context.Context, episode *types.Episode, previous []string, nodes []string, facts []string) ([]string, error) {
	messages, err := eo.prompts.ExtractEdges().Reflexion().Call(prompts.EdgeReflexionContext{
		EpisodeContent:   episode.Content,
		PreviousEpisodes: previous,
		Nodes:            nodes,
		ExtractedFacts:   facts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reflexion prompt: %w", err)
	}
	missing, err := generate[prompts.MissingFacts](ctx, eo.getReflexionNLP(), messages, "MissingFacts", StageEdgeReflexion, eo.LenientParsing, eo.logger)
	if err != nil {
		return nil, err
	}
	return missing.MissingFacts, nil
}

// parseTimestamp resolves an oracle timestamp. Unparseable values carry no
// temporal evidence and become nil.
func (eo *EdgeOperations) parseTimestamp(value *string, reference time.Time, field string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := utils.ParseTemporal(*value, reference)
	if err != nil {
		eo.logger.Warn("Ignoring unparseable timestamp", "field", field, "value", *value, "error", err)
		return nil
	}
	return t
}

// signatureMatches reports whether source and target fit a fact type's
// entity type signature. Empty sides match any entity.
func signatureMatches(def *types.EdgeTypeDefinition, source, target *types.Node) bool {
	return typeAllowed(def.SourceTypes, source) && typeAllowed(def.TargetTypes, target)
}

func typeAllowed(allowed []string, node *types.Node) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, name := range allowed {
		if strings.EqualFold(name, types.DefaultEntityTypeName) || strings.EqualFold(name, entityTypeOf(node)) {
			return true
		}
	}
	return false
}

// factSet accumulates extracted facts across passes, keyed by endpoints and
// normalized fact text.
type factSet struct {
	edges []prompts.ExtractedEdge
	keys  map[string]bool
	texts map[string]bool
}

func newFactSet() *factSet {
	return &factSet{keys: make(map[string]bool), texts: make(map[string]bool)}
}

func (s *factSet) add(edge prompts.ExtractedEdge) {
	text := utils.NormalizeStringExact(edge.Fact)
	key := fmt.Sprintf("%d|%d|%s", edge.SourceEntityID, edge.TargetEntityID, text)
	if s.keys[key] {
		return
	}
	s.keys[key] = true
	s.texts[text] = true
	s.edges = append(s.edges, edge)
}

func (s *factSet) facts() []string {
	out := make([]string, len(s.edges))
	for i, edge := range s.edges {
		out[i] = edge.Fact
	}
	return out
}

func (s *factSet) missing(facts []string) []string {
	var out []string
	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if fact != "" && !s.texts[utils.NormalizeStringExact(fact)] {
			out = append(out, fact)
		}
	}
	return out
}

// ResolveEdgeInput resolves one new fact.
type ResolveEdgeInput struct {
	NewEdge *types.Edge
	// ExistingEdges are duplicate candidates between the same two entities.
	ExistingEdges []*types.Edge
	// InvalidationCandidates are facts the new fact may contradict.
	InvalidationCandidates []*types.Edge
	FactTypes              []types.EdgeTypeDefinition
	Episode                *types.Episode
}

// EdgeResolution is the outcome of resolving one new fact.
type EdgeResolution struct {
	// Resolved is the fact to store: the new fact, or the existing fact it
	// duplicates with the episode appended.
	Resolved   *types.Edge
	Duplicates []*types.Edge
	// Contradicted are the candidates the oracle judged contradicted, as
	// they were presented.
	Contradicted []*types.Edge
	// Invalidated are copies of contradicted facts with their validity closed.
	Invalidated []*types.Edge
	FactType    string
	// Verdict holds the accepted indices: duplicates into ExistingEdges,
	// contradictions into the invalidation range that follows them.
	Verdict types.FactResolution
}

// ResolveEdge resolves a new fact against duplicate and invalidation
// candidates in one oracle call. Existing facts are numbered first and
// invalidation candidates after them; a contradiction is only accepted from
// the invalidation range and a duplicate only from the existing range. A
// fact with identical text and endpoints is a duplicate without a call.
func (eo *EdgeOperations) ResolveEdge(ctx context.Context, in ResolveEdgeInput) (*EdgeResolution, error) {
	newEdge := in.NewEdge
	if newEdge == nil {
		return nil, types.NewUnitError(types.UnitFact, "", StageResolveEdge, types.FailureValidation, types.ErrEmptyFact)
	}
	if err := newEdge.Validate(); err != nil {
		return nil, unitFailure(types.UnitFact, newEdge.Uuid, StageResolveEdge, err)
	}

	existing := excludeEdge(in.ExistingEdges, newEdge.Uuid)
	for i, candidate := range existing {
		if sameFact(candidate, newEdge) {
			resolved := mergeDuplicateEdge(candidate, newEdge)
			resolved.FactType = canonicalFactType(resolved.FactType, in.FactTypes)
			eo.temporal.ApplyTemporalInvalidation(resolved, nil)
			return &EdgeResolution{
				Resolved:   resolved,
				Duplicates: []*types.Edge{candidate},
				FactType:   resolved.FactType,
				Verdict:    types.FactResolution{DuplicateFacts: []int{i}, FactType: resolved.FactType},
			}, nil
		}
	}

	candidates := sortNewestFirst(excludeEdge(in.InvalidationCandidates, newEdge.Uuid))
	if len(existing) == 0 && len(candidates) == 0 {
		resolved := newEdge.Clone()
		resolved.FactType = canonicalFactType(resolved.FactType, in.FactTypes)
		eo.temporal.ApplyTemporalInvalidation(resolved, nil)
		return &EdgeResolution{Resolved: resolved, FactType: resolved.FactType}, nil
	}

	promptContext := prompts.ResolveEdgeContext{
		NewEdge:                newEdge.Fact,
		ExistingEdges:          make([]prompts.IndexedFact, len(existing)),
		InvalidationCandidates: make([]prompts.IndexedFact, len(candidates)),
		EdgeTypes:              make([]prompts.FactTypeEntry, len(in.FactTypes)),
	}
	for i, edge := range existing {
		promptContext.ExistingEdges[i] = prompts.IndexedFact{Idx: i, Fact: edge.Fact}
	}
	for i, edge := range candidates {
		promptContext.InvalidationCandidates[i] = prompts.IndexedFact{Idx: len(existing) + i, Fact: edge.Fact}
	}
	for i, def := range in.FactTypes {
		promptContext.EdgeTypes[i] = prompts.FactTypeEntry{Name: def.Name, Description: def.Description}
	}

	messages, err := eo.prompts.DedupeEdges().ResolveEdge().Call(promptContext)
	if err != nil {
		return nil, unitFailure(types.UnitFact, newEdge.Uuid, StageResolveEdge, fmt.Errorf("failed to create edge resolution prompt: %w", err))
	}
	verdict, err := generate[prompts.EdgeDuplicate](ctx, eo.getResolutionNLP(), messages, "EdgeDuplicate", StageResolveEdge, eo.LenientParsing, eo.logger)
	if err != nil {
		return nil, unitFailure(types.UnitFact, newEdge.Uuid, StageResolveEdge, err)
	}

	resolution := &EdgeResolution{FactType: canonicalFactType(verdict.FactType, in.FactTypes)}
	resolution.Verdict.FactType = resolution.FactType
	seen := make(map[int]bool)
	for _, idx := range verdict.DuplicateFacts {
		if idx < 0 || idx >= len(existing) {
			eo.logger.Warn("Dropping duplicate index outside existing facts", "fact", newEdge.Uuid, "index", idx)
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			resolution.Duplicates = append(resolution.Duplicates, existing[idx])
			resolution.Verdict.DuplicateFacts = append(resolution.Verdict.DuplicateFacts, idx)
		}
	}
	for _, idx := range verdict.ContradictedFacts {
		if idx < len(existing) || idx >= len(existing)+len(candidates) {
			eo.logger.Warn("Dropping contradiction outside invalidation candidates", "fact", newEdge.Uuid, "index", idx)
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			resolution.Contradicted = append(resolution.Contradicted, candidates[idx-len(existing)])
			resolution.Verdict.ContradictedFacts = append(resolution.Verdict.ContradictedFacts, idx)
		}
	}

	if len(resolution.Duplicates) > 0 {
		resolution.Resolved = mergeDuplicateEdge(resolution.Duplicates[0], newEdge)
	} else {
		resolution.Resolved = newEdge.Clone()
	}
	resolution.Resolved.FactType = resolution.FactType
	resolution.Invalidated = eo.temporal.ApplyTemporalInvalidation(resolution.Resolved, resolution.Contradicted)

	eo.logger.Debug("Resolved fact",
		"fact", utils.TruncateWords(newEdge.Fact, 12),
		"duplicates", len(resolution.Duplicates),
		"contradicted", len(resolution.Contradicted),
		"invalidated", len(resolution.Invalidated),
		"fact_type", resolution.FactType)
	return resolution, nil
}

// ResolveEdges resolves independent facts concurrently. Results and errors
// are aligned with inputs; a failed fact does not affect the others.
func (eo *EdgeOperations) ResolveEdges(ctx context.Context, inputs []ResolveEdgeInput) ([]*EdgeResolution, []error) {
	fns := make([]func() (*EdgeResolution, error), len(inputs))
	for i, in := range inputs {
		fns[i] = func() (*EdgeResolution, error) {
			return eo.ResolveEdge(ctx, in)
		}
	}
	concurrency := eo.Concurrency
	if concurrency <= 0 {
		concurrency = utils.GetSemaphoreLimit()
	}
	return utils.ExecuteWithResults(ctx, concurrency, fns...)
}

// MergeEdgeResolutions folds per-fact resolutions into the facts to store
// and the existing facts to close. Each uuid appears once; when a stored
// fact was also invalidated its validity is closed in place.
func MergeEdgeResolutions(resolutions []*EdgeResolution) (edges []*types.Edge, invalidated []*types.Edge) {
	byUUID := make(map[string]*types.Edge)
	for _, res := range resolutions {
		if res == nil || res.Resolved == nil {
			continue
		}
		if prior, ok := byUUID[res.Resolved.Uuid]; ok {
			for _, ep := range res.Resolved.Episodes {
				prior.Episodes = appendUnique(prior.Episodes, ep)
			}
			continue
		}
		byUUID[res.Resolved.Uuid] = res.Resolved
		edges = append(edges, res.Resolved)
	}

	closed := make(map[string]bool)
	for _, res := range resolutions {
		if res == nil {
			continue
		}
		for _, edge := range res.Invalidated {
			if stored, ok := byUUID[edge.Uuid]; ok {
				closeValidity(stored, edge.InvalidAt, edge.ExpiredAt)
				continue
			}
			if closed[edge.Uuid] {
				continue
			}
			closed[edge.Uuid] = true
			invalidated = append(invalidated, edge)
		}
	}
	return edges, invalidated
}

// DedupeExactEdges collapses facts with the same endpoints and normalized
// text, merging their episodes into the first occurrence.
func DedupeExactEdges(edges []*types.Edge) []*types.Edge {
	var out []*types.Edge
	for _, edge := range edges {
		merged := false
		for _, kept := range out {
			if sameFact(kept, edge) {
				for _, ep := range edge.Episodes {
					kept.Episodes = appendUnique(kept.Episodes, ep)
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, edge)
		}
	}
	return out
}

// DedupeEdgeList clusters duplicate facts within one list. Each cluster has
// one surviving fact and the uuids merged into it; every input uuid lands in
// exactly one cluster.
func (eo *EdgeOperations) DedupeEdgeList(ctx context.Context, edges []*types.Edge) ([]types.FactCluster, error) {
	set := utils.NewDisjointSet()
	byUUID := make(map[string]*types.Edge, len(edges))
	var unique []*types.Edge
	for _, edge := range edges {
		if set.Has(edge.Uuid) {
			continue
		}
		set.Add(edge.Uuid)
		byUUID[edge.Uuid] = edge
		merged := false
		for _, kept := range unique {
			if sameFact(kept, edge) {
				set.Union(kept.Uuid, edge.Uuid)
				merged = true
				break
			}
		}
		if !merged {
			unique = append(unique, edge)
		}
	}

	survivors := make(map[string]string)
	texts := make(map[string]string)
	if len(unique) > 1 {
		entries := make([]prompts.FactEntry, len(unique))
		for i, edge := range unique {
			entries[i] = prompts.FactEntry{UUID: edge.Uuid, Fact: edge.Fact}
		}
		messages, err := eo.prompts.DedupeEdges().EdgeList().Call(prompts.DedupeEdgeListContext{Edges: entries})
		if err != nil {
			return nil, unitFailure(types.UnitFact, unique[0].Uuid, StageDedupeEdgeList, fmt.Errorf("failed to create fact list prompt: %w", err))
		}
		facts, err := generate[prompts.UniqueFacts](ctx, eo.getResolutionNLP(), messages, "UniqueFacts", StageDedupeEdgeList, eo.LenientParsing, eo.logger)
		if err != nil {
			return nil, unitFailure(types.UnitFact, unique[0].Uuid, StageDedupeEdgeList, err)
		}

		var kept []prompts.UniqueFact
		for _, fact := range facts.UniqueFacts {
			anchor := ""
			for _, uuid := range append([]string{fact.UUID}, fact.Duplicates...) {
				if !set.Has(uuid) {
					eo.logger.Warn("Dropping unknown uuid from fact cluster", "uuid", uuid)
					continue
				}
				if anchor == "" {
					anchor = uuid
					continue
				}
				set.Union(anchor, uuid)
			}
			if anchor != "" {
				fact.UUID = anchor
				kept = append(kept, fact)
			}
		}
		for _, fact := range kept {
			root := set.Find(fact.UUID)
			if _, ok := survivors[root]; !ok {
				survivors[root] = fact.UUID
				if text := strings.TrimSpace(fact.Fact); text != "" {
					texts[root] = text
				}
			}
		}
	}

	var clusters []types.FactCluster
	for _, members := range set.Groups() {
		root := set.Find(members[0])
		survivor, ok := survivors[root]
		if !ok {
			survivor = members[0]
		}
		text, ok := texts[root]
		if !ok {
			text = byUUID[survivor].Fact
		}
		clusters = append(clusters, types.FactCluster{UUID: survivor, Fact: text, MergedFrom: members})
	}
	return clusters, nil
}

func sameFact(a, b *types.Edge) bool {
	return a.SourceNodeUUID == b.SourceNodeUUID &&
		a.TargetNodeUUID == b.TargetNodeUUID &&
		utils.NormalizeStringExact(a.Fact) == utils.NormalizeStringExact(b.Fact)
}

// mergeDuplicateEdge returns a copy of existing that also cites the new
// fact's episodes. Validity bounds missing on existing are taken from the
// new fact when they keep the interval ordered.
func mergeDuplicateEdge(existing, newEdge *types.Edge) *types.Edge {
	merged := existing.Clone()
	for _, ep := range newEdge.Episodes {
		merged.Episodes = appendUnique(merged.Episodes, ep)
	}
	if merged.ValidAt == nil && newEdge.ValidAt != nil &&
		(merged.InvalidAt == nil || !newEdge.ValidAt.After(*merged.InvalidAt)) {
		merged.ValidAt = timePtr(*newEdge.ValidAt)
	}
	if merged.InvalidAt == nil && newEdge.InvalidAt != nil &&
		(merged.ValidAt == nil || !merged.ValidAt.After(*newEdge.InvalidAt)) {
		merged.InvalidAt = timePtr(*newEdge.InvalidAt)
	}
	return merged
}

func canonicalFactType(name string, defs []types.EdgeTypeDefinition) string {
	if def := findEdgeType(defs, name); def != nil {
		return def.Name
	}
	return types.DefaultFactType
}

func excludeEdge(edges []*types.Edge, uuid string) []*types.Edge {
	out := make([]*types.Edge, 0, len(edges))
	for _, edge := range edges {
		if edge != nil && edge.Uuid != uuid {
			out = append(out, edge)
		}
	}
	return out
}

// closeValidity narrows edge's interval to end at invalidAt, never before it
// starts, and records the expiry.
func closeValidity(edge *types.Edge, invalidAt, expiredAt *time.Time) {
	if invalidAt != nil && (edge.InvalidAt == nil || invalidAt.Before(*edge.InvalidAt)) &&
		(edge.ValidAt == nil || !edge.ValidAt.After(*invalidAt)) {
		edge.InvalidAt = timePtr(*invalidAt)
	}
	if edge.ExpiredAt == nil && expiredAt != nil {
		edge.ExpiredAt = timePtr(*expiredAt)
	}
}
