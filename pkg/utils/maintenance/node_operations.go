package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// NoDuplicate is the DuplicateIdx of an entity that matches no candidate.
const NoDuplicate = -1

const (
	maxSpeakerWords = 6
	maxSpeakerChars = 64
)

var speakerPrefix = regexp.MustCompile(`(?m)^[ \t]*([^:\r\n]+?)[ \t]*:(?:[ \t]|$)`)

// NodeOperations extracts entities from episodes and resolves them against
// existing nodes.
type NodeOperations struct {
	nlProcessor nlp.Client
	prompts     prompts.Library
	logger      *slog.Logger

	// Specialized NLP clients for different steps
	ExtractionNLP     nlp.Client
	ReflexionNLP      nlp.Client
	ClassificationNLP nlp.Client
	ResolutionNLP     nlp.Client

	// ReflexionRounds bounds gap detection passes per episode. It is clamped
	// to utils.MaxReflexionIterationsCeiling.
	ReflexionRounds int
	// ClassifyNodes runs a separate classification pass after extraction.
	ClassifyNodes bool
	// ResolutionVotes repeats each resolution call and keeps the duplicates
	// chosen by a strict majority.
	ResolutionVotes int
	LenientParsing  bool
}

// NewNodeOperations creates a new NodeOperations instance
func NewNodeOperations(nlProcessor nlp.Client, prompts prompts.Library) *NodeOperations {
	return &NodeOperations{
		nlProcessor:     nlProcessor,
		prompts:         prompts,
		logger:          slog.Default(),
		ReflexionRounds: utils.GetMaxReflexionIterations(),
		ResolutionVotes: 1,
	}
}

// SetLogger sets a custom logger for the NodeOperations
func (no *NodeOperations) SetLogger(logger *slog.Logger) {
	if logger != nil {
		no.logger = logger
	}
}

func (no *NodeOperations) getExtractionNLP() nlp.Client {
	if no.ExtractionNLP != nil {
		return no.ExtractionNLP
	}
	return no.nlProcessor
}

func (no *NodeOperations) getReflexionNLP() nlp.Client {
	if no.ReflexionNLP != nil {
		return no.ReflexionNLP
	}
	return no.nlProcessor
}

func (no *NodeOperations) getClassificationNLP() nlp.Client {
	if no.ClassificationNLP != nil {
		return no.ClassificationNLP
	}
	return no.nlProcessor
}

func (no *NodeOperations) getResolutionNLP() nlp.Client {
	if no.ResolutionNLP != nil {
		return no.ResolutionNLP
	}
	return no.nlProcessor
}

func (no *NodeOperations) votes() int {
	if no.ResolutionVotes < 1 {
		return 1
	}
	return no.ResolutionVotes
}

// ExtractNodesInput is the input of ExtractNodes.
type ExtractNodesInput struct {
	Episode             *types.Episode
	PreviousEpisodes    []*types.Episode
	EntityTypes         []types.EntityTypeDefinition
	ExcludedEntityTypes []string
	CustomPrompt        string
}

// ExtractNodesResult holds the entities of one episode. Entities and Nodes
// are aligned; every node carries a fresh uuid.
type ExtractNodesResult struct {
	Entities           []types.ExtractedEntity
	Nodes              []*types.Node
	ReflexionRounds    int
	ReflexionExhausted bool
}

// ExtractNodes extracts the entities mentioned in an episode. Speakers of a
// message episode are always present, temporal expressions never are, and
// entities of an excluded type are removed last. Any oracle failure fails the
// whole episode; no partial entity list is returned.
func (no *NodeOperations) ExtractNodes(ctx context.Context, in ExtractNodesInput) (*ExtractNodesResult, error) {
	episode := in.Episode
	if episode == nil {
		return nil, types.NewUnitError(types.UnitEpisode, "", StageExtractNodes, types.FailureValidation, types.ErrEmptyContent)
	}
	if err := episode.Validate(); err != nil {
		return nil, unitFailure(types.UnitEpisode, episode.ID, StageExtractNodes, err)
	}

	typeDefs := entityTypeContext(in.EntityTypes)
	typeNames := make([]string, len(typeDefs))
	for i, def := range typeDefs {
		typeNames[i] = def.Name
	}
	if err := utils.ValidateExcludedEntityTypes(in.ExcludedEntityTypes, typeNames); err != nil {
		return nil, unitFailure(types.UnitEpisode, episode.ID, StageExtractNodes, err)
	}

	start := time.Now()
	previous := episodeContents(in.PreviousEpisodes)
	found := newEntitySet(no.logger)
	if episode.Type == types.MessageEpisodeType {
		for _, speaker := range Speakers(episode.Content) {
			found.add(speaker, nil)
		}
	}

	result := &ExtractNodesResult{}
	rounds := utils.ClampReflexionRounds(no.ReflexionRounds)
	customPrompt := in.CustomPrompt
	var pending []string
	for {
		extracted, err := no.extractEntities(ctx, episode, previous, typeDefs, customPrompt)
		if err != nil {
			return nil, unitFailure(types.UnitEpisode, episode.ID, StageExtractNodes, err)
		}
		for _, entity := range extracted.ExtractedEntities {
			found.add(entity.Name, entityTypeID(entity.EntityTypeID, typeDefs))
		}

		if result.ReflexionRounds >= rounds {
			break
		}
		missed, err := no.extractNodesReflexion(ctx, episode, previous, found.names())
		if err != nil {
			return nil, unitFailure(types.UnitEpisode, episode.ID, StageNodeReflexion, err)
		}
		result.ReflexionRounds++

		pending = found.missing(missed)
		if len(pending) == 0 {
			break
		}
		customPrompt = joinPrompts(in.CustomPrompt,
			"Make sure that the following entities are extracted:\n"+strings.Join(pending, "\n"))
	}
	result.ReflexionExhausted = len(found.missing(pending)) > 0
	if result.ReflexionExhausted {
		no.logger.Warn("Entity reflexion budget exhausted",
			"episode", episode.ID,
			"rounds", result.ReflexionRounds,
			"missing", found.missing(pending))
	}

	nodes := make([]*types.Node, len(found.entities))
	now := time.Now().UTC()
	for i, entity := range found.entities {
		nodes[i] = &types.Node{
			Uuid:      utils.GenerateUUID(),
			Name:      entity.Name,
			GroupID:   episode.GroupID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if no.ClassifyNodes && len(typeDefs) > 1 && len(nodes) > 0 {
		if err := no.classifyNodes(ctx, episode, previous, typeDefs, found.entities, nodes); err != nil {
			return nil, unitFailure(types.UnitEpisode, episode.ID, StageClassifyNodes, err)
		}
	}

	excluded := make(map[string]bool, len(in.ExcludedEntityTypes))
	for _, name := range in.ExcludedEntityTypes {
		excluded[name] = true
	}
	for i, entity := range found.entities {
		typeName := entityTypeName(entity.EntityTypeID, typeDefs)
		if excluded[typeName] {
			no.logger.Debug("Excluding entity", "name", entity.Name, "entity_type", typeName)
			continue
		}
		node := nodes[i]
		node.EntityType = typeName
		node.Labels = nodeLabels(node)
		result.Entities = append(result.Entities, entity)
		result.Nodes = append(result.Nodes, node)
	}

	no.logger.Info("Extracted entities",
		"episode", episode.ID,
		"count", len(result.Nodes),
		"reflexion_rounds", result.ReflexionRounds,
		"duration", time.Since(start))
	return result, nil
}

func (no *NodeOperations) extractEntities(ctx context.Context, episode *types.Episode, previous []string, typeDefs []types.EntityTypeDefinition, customPrompt string) (*prompts.ExtractedEntities, error) {
	promptContext := prompts.ExtractNodesContext{
		EpisodeContent:    episode.Content,
		SourceDescription: episode.SourceDescription,
		PreviousEpisodes:  previous,
		EntityTypes:       typeDefs,
		CustomPrompt:      customPrompt,
	}

	var prompt prompts.PromptVersion[prompts.ExtractNodesContext]
	switch episode.Type {
	case types.MessageEpisodeType:
		prompt = no.prompts.ExtractNodes().ExtractMessage()
	case types.JSONEpisodeType:
		prompt = no.prompts.ExtractNodes().ExtractJSON()
	default:
		prompt = no.prompts.ExtractNodes().ExtractText()
	}

	messages, err := prompt.Call(promptContext)
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction prompt: %w", err)
	}
	return generate[prompts.ExtractedEntities](ctx, no.getExtractionNLP(), messages, "ExtractedEntities", StageExtractNodes, no.LenientParsing, no.logger)
}

// extractNodesReflexion asks which entities the extraction so far missed.
func (no *NodeOperations) extractNodesReflexion(ctx context.Context, episode *types.Episode, previous []string, extracted []string) ([]string, error) {
	messages, err := no.prompts.ExtractNodes().Reflexion().Call(prompts.NodeReflexionContext{
		EpisodeContent:    episode.Content,
		PreviousEpisodes:  previous,
		ExtractedEntities: extracted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reflexion prompt: %w", err)
	}

	missed, err := generate[prompts.MissedEntities](ctx, no.getReflexionNLP(), messages, "MissedEntities", StageNodeReflexion, no.LenientParsing, no.logger)
	if err != nil {
		return nil, err
	}
	return missed.MissedEntities, nil
}

// classifyNodes assigns entity types in a pass of its own. A null or unknown
// type leaves the entity unclassified; entities the oracle skips keep the
// type given during extraction.
func (no *NodeOperations) classifyNodes(ctx context.Context, episode *types.Episode, previous []string, typeDefs []types.EntityTypeDefinition, entities []types.ExtractedEntity, nodes []*types.Node) error {
	classifiable := make([]prompts.ClassifiableEntity, len(nodes))
	byUUID := make(map[string]int, len(nodes))
	byName := make(map[string]int, len(nodes))
	for i, node := range nodes {
		classifiable[i] = prompts.ClassifiableEntity{UUID: node.Uuid, Name: node.Name}
		byUUID[node.Uuid] = i
		byName[utils.NormalizeStringExact(node.Name)] = i
	}

	messages, err := no.prompts.ExtractNodes().ClassifyNodes().Call(prompts.ClassifyNodesContext{
		EpisodeContent:    episode.Content,
		PreviousEpisodes:  previous,
		ExtractedEntities: classifiable,
		EntityTypes:       typeDefs,
	})
	if err != nil {
		return fmt.Errorf("failed to create classification prompt: %w", err)
	}

	classification, err := generate[prompts.EntityClassification](ctx, no.getClassificationNLP(), messages, "EntityClassification", StageClassifyNodes, no.LenientParsing, no.logger)
	if err != nil {
		return err
	}

	for _, triple := range classification.EntityClassifications {
		i, ok := byUUID[triple.UUID]
		if !ok {
			i, ok = byName[utils.NormalizeStringExact(triple.Name)]
		}
		if !ok {
			no.logger.Debug("Ignoring classification for unknown entity", "uuid", triple.UUID, "name", triple.Name)
			continue
		}
		entities[i].EntityTypeID = nil
		if triple.EntityType == nil {
			continue
		}
		if def := findEntityType(typeDefs, *triple.EntityType); def != nil {
			id := def.ID
			entities[i].EntityTypeID = &id
		}
	}
	return nil
}

// Speakers returns the distinct "speaker:" line prefixes of a conversational
// episode in order of first appearance.
func Speakers(content string) []string {
	var speakers []string
	seen := make(map[string]bool)
	for _, match := range speakerPrefix.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(match[1])
		if name == "" || len(name) > maxSpeakerChars || utils.WordCount(name) > maxSpeakerWords {
			continue
		}
		if strings.Contains(name, "//") || utils.IsTemporalExpression(name) {
			continue
		}
		key := utils.NormalizeStringExact(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		speakers = append(speakers, name)
	}
	return speakers
}

// entitySet accumulates extracted entities across passes. Mentions that
// differ only in case or spacing collapse to the first one seen.
type entitySet struct {
	entities []types.ExtractedEntity
	index    map[string]int
	logger   *slog.Logger
}

func newEntitySet(logger *slog.Logger) *entitySet {
	return &entitySet{index: make(map[string]int), logger: logger}
}

func (s *entitySet) add(name string, typeID *int) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if utils.IsTemporalExpression(name) {
		s.logger.Debug("Dropping temporal expression extracted as entity", "name", name)
		return
	}
	key := utils.NormalizeStringExact(name)
	if i, ok := s.index[key]; ok {
		if s.entities[i].EntityTypeID == nil && typeID != nil {
			s.entities[i].EntityTypeID = typeID
		}
		return
	}
	s.index[key] = len(s.entities)
	s.entities = append(s.entities, types.ExtractedEntity{Name: name, EntityTypeID: typeID})
}

func (s *entitySet) names() []string {
	names := make([]string, len(s.entities))
	for i, entity := range s.entities {
		names[i] = entity.Name
	}
	return names
}

// missing filters names down to those not yet in the set.
func (s *entitySet) missing(names []string) []string {
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := s.index[utils.NormalizeStringExact(name)]; !ok {
			out = append(out, name)
		}
	}
	return out
}

func entityTypeID(id int, typeDefs []types.EntityTypeDefinition) *int {
	if id < 0 || id >= len(typeDefs) {
		return nil
	}
	return &id
}

func entityTypeName(id *int, typeDefs []types.EntityTypeDefinition) string {
	if id == nil || *id < 0 || *id >= len(typeDefs) {
		return types.DefaultEntityTypeName
	}
	return typeDefs[*id].Name
}

func joinPrompts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// ResolveNodeInput resolves one extracted entity against its candidates.
type ResolveNodeInput struct {
	Episode          *types.Episode
	PreviousEpisodes []*types.Episode
	Node             *types.Node
	EntityType       *types.EntityTypeDefinition
	Candidates       []*types.Node
}

// NodeResolution is the verdict for one entity. Indices refer to the
// candidate list; DuplicateIdx is NoDuplicate when nothing matched.
type NodeResolution struct {
	DuplicateIdx int
	Duplicates   []int
	Name         string
}

// ResolveNode decides which candidates duplicate a single extracted entity.
// Out of range indices in the oracle's answer are dropped and the primary
// duplicate is the first one that survives.
func (no *NodeOperations) ResolveNode(ctx context.Context, in ResolveNodeInput) (*NodeResolution, error) {
	node := in.Node
	if node == nil || strings.TrimSpace(node.Name) == "" {
		return nil, types.NewUnitError(types.UnitEntity, "", StageResolveNodes, types.FailureValidation, types.ErrEmptyName)
	}
	if len(in.Candidates) == 0 {
		return &NodeResolution{DuplicateIdx: NoDuplicate, Name: node.Name}, nil
	}

	description := ""
	if in.EntityType != nil {
		description = in.EntityType.Description
	}
	promptContext := prompts.DedupeNodeContext{
		PreviousEpisodes: episodeContents(in.PreviousEpisodes),
		ExtractedNode: prompts.ResolvableEntity{
			ID:                    0,
			Name:                  node.Name,
			EntityType:            entityTypeOf(node),
			EntityTypeDescription: description,
		},
		EntityTypeDescription: description,
		ExistingNodes:         candidateEntities(in.Candidates),
	}
	if in.Episode != nil {
		promptContext.EpisodeContent = in.Episode.Content
	}

	messages, err := no.prompts.DedupeNodes().Node().Call(promptContext)
	if err != nil {
		return nil, unitFailure(types.UnitEntity, node.Uuid, StageResolveNodes, fmt.Errorf("failed to create dedupe prompt: %w", err))
	}

	total := no.votes()
	ballots := make([][]int, 0, total)
	var oracleNames []string
	for v := 0; v < total; v++ {
		resp, err := generate[prompts.NodeDuplicate](ctx, no.getResolutionNLP(), messages, "NodeDuplicate", StageResolveNodes, no.LenientParsing, no.logger)
		if err != nil {
			return nil, unitFailure(types.UnitEntity, node.Uuid, StageResolveNodes, err)
		}
		ballots = append(ballots, no.validDuplicates(node.Uuid, *resp.DuplicateIdx, resp.Duplicates, len(in.Candidates)))
		if name := strings.TrimSpace(resp.Name); name != "" {
			oracleNames = append(oracleNames, name)
		}
	}

	duplicates := tallyVotes(ballots, total)
	resolution := &NodeResolution{DuplicateIdx: NoDuplicate, Duplicates: duplicates}
	names := []string{node.Name}
	if len(duplicates) > 0 {
		resolution.DuplicateIdx = duplicates[0]
		names = []string{in.Candidates[duplicates[0]].Name, node.Name}
		for _, idx := range duplicates[1:] {
			names = append(names, in.Candidates[idx].Name)
		}
	}
	resolution.Name = utils.ChooseCanonicalName(append(names, oracleNames...)...)
	return resolution, nil
}

// validDuplicates keeps in-range indices, primary first, without repeats.
func (no *NodeOperations) validDuplicates(id string, primary int, duplicates []int, n int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, idx := range append([]int{primary}, duplicates...) {
		if idx == NoDuplicate || seen[idx] {
			continue
		}
		if idx < 0 || idx >= n {
			no.logger.Warn("Dropping out of range duplicate index", "entity", id, "index", idx, "candidates", n)
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

// tallyVotes returns the indices chosen by a strict majority of total
// ballots, in order of first appearance.
func tallyVotes(ballots [][]int, total int) []int {
	counts := make(map[int]int)
	var order []int
	for _, ballot := range ballots {
		for _, idx := range ballot {
			if counts[idx] == 0 {
				order = append(order, idx)
			}
			counts[idx]++
		}
	}
	var out []int
	for _, idx := range order {
		if counts[idx]*2 > total {
			out = append(out, idx)
		}
	}
	return out
}

// ResolveNodesInput resolves a batch of extracted entities.
type ResolveNodesInput struct {
	Episode          *types.Episode
	PreviousEpisodes []*types.Episode
	Nodes            []*types.Node
	// Candidates[i] are the existing nodes Nodes[i] may duplicate.
	Candidates  [][]*types.Node
	EntityTypes []types.EntityTypeDefinition
}

// ResolveNodesResult maps extracted entities to canonical nodes.
type ResolveNodesResult struct {
	// Nodes is aligned with the input; entries resolved to the same
	// canonical node share one pointer.
	Nodes []*types.Node
	// UUIDMap maps each extracted uuid to its canonical uuid.
	UUIDMap    map[string]string
	Duplicates []types.NodePair
}

// ResolveNodes resolves extracted entities against existing nodes. Exact
// normalized names and high-confidence MinHash matches resolve without the
// oracle; the rest go to the oracle in one batch. Repeated mentions within
// the batch collapse to the first.
func (no *NodeOperations) ResolveNodes(ctx context.Context, in ResolveNodesInput) (*ResolveNodesResult, error) {
	result := &ResolveNodesResult{
		Nodes:   make([]*types.Node, len(in.Nodes)),
		UUIDMap: make(map[string]string, len(in.Nodes)),
	}
	if len(in.Nodes) == 0 {
		return result, nil
	}
	episodeID := ""
	if in.Episode != nil {
		episodeID = in.Episode.ID
	}

	start := time.Now()
	existing := flattenCandidates(in.Candidates)
	index := utils.NewNameIndex(existing)

	resolvedTo := make([]int, len(in.Nodes))
	sameAs := make([]int, len(in.Nodes))
	duplicates := make([][]int, len(in.Nodes))
	oracleNames := make([]string, len(in.Nodes))
	firstByName := make(map[string]int)
	var unresolved []int

	for i, node := range in.Nodes {
		resolvedTo[i], sameAs[i] = NoDuplicate, NoDuplicate
		if exact := index.ExactMatches(node.Name); len(exact) == 1 {
			resolvedTo[i] = exact[0]
			duplicates[i] = []int{exact[0]}
			continue
		} else if len(exact) == 0 {
			if j, score, ok := index.FuzzyMatch(node.Name); ok {
				no.logger.Debug("Resolved entity by name similarity", "name", node.Name, "match", existing[j].Name, "score", score)
				resolvedTo[i] = j
				duplicates[i] = []int{j}
				continue
			}
		}
		key := utils.NormalizeStringExact(node.Name)
		if k, ok := firstByName[key]; ok {
			sameAs[i] = k
			continue
		}
		firstByName[key] = i
		unresolved = append(unresolved, i)
	}

	if len(unresolved) > 0 && len(existing) > 0 {
		if err := no.resolveWithOracle(ctx, in, existing, unresolved, resolvedTo, duplicates, oracleNames); err != nil {
			return nil, unitFailure(types.UnitEpisode, episodeID, StageResolveNodes, err)
		}
	}

	now := time.Now().UTC()
	canonical := make(map[int]*types.Node)
	for i, node := range in.Nodes {
		switch {
		case sameAs[i] != NoDuplicate:
			result.Nodes[i] = result.Nodes[sameAs[i]]
		case resolvedTo[i] != NoDuplicate:
			c, ok := canonical[resolvedTo[i]]
			if !ok {
				c = existing[resolvedTo[i]].Clone()
				canonical[resolvedTo[i]] = c
			}
			names := []string{c.Name, node.Name, oracleNames[i]}
			for _, idx := range duplicates[i] {
				names = append(names, existing[idx].Name)
				result.Duplicates = append(result.Duplicates, types.NodePair{Extracted: node, Existing: existing[idx]})
			}
			c.Name = utils.ChooseCanonicalName(names...)
			if (c.EntityType == "" || c.EntityType == types.DefaultEntityTypeName) && node.EntityType != "" {
				c.EntityType = node.EntityType
				c.Labels = nodeLabels(&types.Node{EntityType: node.EntityType})
			}
			c.UpdatedAt = now
			result.Nodes[i] = c
		default:
			c := node.Clone()
			c.Name = utils.ChooseCanonicalName(node.Name, oracleNames[i])
			result.Nodes[i] = c
		}
		result.UUIDMap[node.Uuid] = result.Nodes[i].Uuid
	}

	no.logger.Info("Resolved entities",
		"episode", episodeID,
		"extracted", len(in.Nodes),
		"oracle_resolved", len(unresolved),
		"duplicates", len(result.Duplicates),
		"duration", time.Since(start))
	return result, nil
}

func (no *NodeOperations) resolveWithOracle(ctx context.Context, in ResolveNodesInput, existing []*types.Node, unresolved []int, resolvedTo []int, duplicates [][]int, oracleNames []string) error {
	typeDefs := entityTypeContext(in.EntityTypes)
	extracted := make([]prompts.ResolvableEntity, len(unresolved))
	for k, i := range unresolved {
		node := in.Nodes[i]
		entity := prompts.ResolvableEntity{ID: k, Name: node.Name, EntityType: entityTypeOf(node)}
		if def := findEntityType(typeDefs, entity.EntityType); def != nil {
			entity.EntityTypeDescription = def.Description
		}
		extracted[k] = entity
	}

	promptContext := prompts.DedupeNodesContext{
		PreviousEpisodes: episodeContents(in.PreviousEpisodes),
		ExtractedNodes:   extracted,
		ExistingNodes:    candidateEntities(existing),
	}
	if in.Episode != nil {
		promptContext.EpisodeContent = in.Episode.Content
	}
	messages, err := no.prompts.DedupeNodes().Nodes().Call(promptContext)
	if err != nil {
		return fmt.Errorf("failed to create dedupe prompt: %w", err)
	}

	total := no.votes()
	ballots := make([][][]int, len(unresolved))
	for v := 0; v < total; v++ {
		resp, err := generate[prompts.NodeResolutions](ctx, no.getResolutionNLP(), messages, "NodeResolutions", StageResolveNodes, no.LenientParsing, no.logger)
		if err != nil {
			return err
		}
		ballot := make([][]int, len(unresolved))
		for _, res := range resp.EntityResolutions {
			if res.ID < 0 || res.ID >= len(unresolved) {
				no.logger.Warn("Dropping resolution for unknown entity id", "id", res.ID, "entities", len(unresolved))
				continue
			}
			i := unresolved[res.ID]
			ballot[res.ID] = no.validDuplicates(in.Nodes[i].Uuid, *res.DuplicateIdx, res.Duplicates, len(existing))
			if name := strings.TrimSpace(res.Name); name != "" && oracleNames[i] == "" {
				oracleNames[i] = name
			}
		}
		for k := range unresolved {
			ballots[k] = append(ballots[k], ballot[k])
		}
	}

	for k, i := range unresolved {
		duplicates[i] = tallyVotes(ballots[k], total)
		if len(duplicates[i]) > 0 {
			resolvedTo[i] = duplicates[i][0]
		}
	}
	return nil
}

// DedupeNodeList partitions nodes into duplicate groups with one merged
// summary each. Every input uuid lands in exactly one group: unknown uuids
// in the answer are dropped, omitted ones become singletons and groups that
// share a uuid are merged.
func (no *NodeOperations) DedupeNodeList(ctx context.Context, nodes []*types.Node) ([]types.NodeGroup, error) {
	set := utils.NewDisjointSet()
	byUUID := make(map[string]*types.Node, len(nodes))
	listed := make([]prompts.ListedNode, 0, len(nodes))
	for _, node := range nodes {
		if set.Has(node.Uuid) {
			continue
		}
		set.Add(node.Uuid)
		byUUID[node.Uuid] = node
		listed = append(listed, prompts.ListedNode{UUID: node.Uuid, Name: node.Name, Summary: node.Summary})
	}

	type proposal struct {
		anchor  string
		summary string
	}
	var proposals []proposal

	if len(listed) > 1 {
		messages, err := no.prompts.DedupeNodes().NodeList().Call(prompts.DedupeNodeListContext{
			Nodes:            listed,
			SummaryWordLimit: utils.MaxSummaryWords,
		})
		if err != nil {
			return nil, unitFailure(types.UnitEntity, listed[0].UUID, StageDedupeNodeList, fmt.Errorf("failed to create node list prompt: %w", err))
		}
		groups, err := generate[prompts.NodeGroups](ctx, no.getResolutionNLP(), messages, "NodeGroups", StageDedupeNodeList, no.LenientParsing, no.logger)
		if err != nil {
			return nil, unitFailure(types.UnitEntity, listed[0].UUID, StageDedupeNodeList, err)
		}

		for _, group := range groups.Nodes {
			anchor := ""
			for _, uuid := range group.UUIDs {
				if !set.Has(uuid) {
					no.logger.Warn("Dropping unknown uuid from node group", "uuid", uuid)
					continue
				}
				if anchor == "" {
					anchor = uuid
					continue
				}
				set.Union(anchor, uuid)
			}
			if anchor != "" {
				proposals = append(proposals, proposal{anchor: anchor, summary: group.Summary})
			}
		}
	}

	summaries := make(map[string]string)
	for _, p := range proposals {
		root := set.Find(p.anchor)
		if _, ok := summaries[root]; !ok && strings.TrimSpace(p.summary) != "" {
			summaries[root] = p.summary
		}
	}

	var out []types.NodeGroup
	for _, members := range set.Groups() {
		summary, ok := summaries[set.Find(members[0])]
		if !ok {
			summary = byUUID[members[0]].Summary
		}
		out = append(out, types.NodeGroup{UUIDs: members, Summary: utils.CapSummary(summary)})
	}
	return out, nil
}

func entityTypeOf(node *types.Node) string {
	if node.EntityType == "" {
		return types.DefaultEntityTypeName
	}
	return node.EntityType
}

func candidateEntities(nodes []*types.Node) []prompts.CandidateEntity {
	out := make([]prompts.CandidateEntity, len(nodes))
	for i, node := range nodes {
		out[i] = prompts.CandidateEntity{
			Idx:         i,
			Name:        node.Name,
			EntityTypes: nodeLabels(node),
			Summary:     node.Summary,
			Attributes:  node.Attributes,
		}
	}
	return out
}

// flattenCandidates merges per-entity candidate lists without repeats,
// keeping first-seen order.
func flattenCandidates(lists [][]*types.Node) []*types.Node {
	var out []*types.Node
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, node := range list {
			if node == nil || seen[node.Uuid] {
				continue
			}
			seen[node.Uuid] = true
			out = append(out, node)
		}
	}
	return out
}
