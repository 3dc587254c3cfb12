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

// AttributeOperations backfills declared attributes and entity summaries.
type AttributeOperations struct {
	nlProcessor nlp.Client
	prompts     prompts.Library
	logger      *slog.Logger

	// Concurrency bounds parallel backfill calls in the batch variants.
	Concurrency    int
	LenientParsing bool
}

// NewAttributeOperations creates a new AttributeOperations instance
func NewAttributeOperations(nlProcessor nlp.Client, prompts prompts.Library) *AttributeOperations {
	return &AttributeOperations{
		nlProcessor: nlProcessor,
		prompts:     prompts,
		logger:      slog.Default(),
		Concurrency: utils.GetSemaphoreLimit(),
	}
}

// SetLogger sets a custom logger for the AttributeOperations
func (ao *AttributeOperations) SetLogger(logger *slog.Logger) {
	if logger != nil {
		ao.logger = logger
	}
}

func (ao *AttributeOperations) concurrency() int {
	if ao.Concurrency > 0 {
		return ao.Concurrency
	}
	return utils.GetSemaphoreLimit()
}

// ExtractNodeAttributes returns a copy of node with its summary and the
// attributes declared by entityType updated from the episode. Undeclared keys
// in the response are ignored and null values keep the prior value. The
// summary is capped at utils.MaxSummaryWords words; an empty summary keeps
// the prior one.
func (ao *AttributeOperations) ExtractNodeAttributes(ctx context.Context, node *types.Node, episode *types.Episode, previousEpisodes []*types.Episode, entityType *types.EntityTypeDefinition) (*types.Node, error) {
	var declared map[string]string
	if entityType != nil {
		declared = entityType.Attributes
	}

	messages, err := ao.prompts.ExtractNodes().ExtractAttributes().Call(prompts.NodeAttributesContext{
		EpisodeContent:   episode.Content,
		PreviousEpisodes: episodeContents(previousEpisodes),
		Node: prompts.AttributeNode{
			Name:        node.Name,
			EntityTypes: nodeLabels(node),
			Summary:     node.Summary,
			Attributes:  node.Attributes,
		},
		AttributeDescriptions: declared,
		SummaryWordLimit:      utils.MaxSummaryWords,
	})
	if err != nil {
		return nil, unitFailure(types.UnitEntity, node.Uuid, StageNodeAttributes, fmt.Errorf("failed to create attribute prompt: %w", err))
	}

	extracted, err := generate[prompts.ExtractedNodeAttributes](ctx, ao.nlProcessor, messages, "ExtractedNodeAttributes", StageNodeAttributes, ao.LenientParsing, ao.logger)
	if err != nil {
		return nil, unitFailure(types.UnitEntity, node.Uuid, StageNodeAttributes, err)
	}

	updated := node.Clone()
	updated.Attributes = mergeDeclared(updated.Attributes, extracted.Attributes, declared)
	if extracted.Summary != nil {
		if summary := utils.CapSummary(*extracted.Summary); summary != "" {
			updated.Summary = summary
		}
	}
	updated.UpdatedAt = time.Now().UTC()
	return updated, nil
}

// ExtractAttributesFromNodes backfills nodes concurrently. The result is
// aligned with nodes; a node whose backfill failed is returned unchanged and
// its failure is reported separately.
func (ao *AttributeOperations) ExtractAttributesFromNodes(ctx context.Context, nodes []*types.Node, episode *types.Episode, previousEpisodes []*types.Episode, entityTypes []types.EntityTypeDefinition) ([]*types.Node, []*types.UnitError) {
	pool := utils.NewWorkerPool(ao.concurrency(), func(ctx context.Context, node *types.Node) (*types.Node, error) {
		return ao.ExtractNodeAttributes(ctx, node, episode, previousEpisodes, findEntityType(entityTypes, node.EntityType))
	})
	results, errs := pool.ProcessItems(ctx, nodes)

	var failures []*types.UnitError
	for i, err := range errs {
		if err == nil {
			continue
		}
		results[i] = nodes[i]
		failure := unitFailure(types.UnitEntity, nodes[i].Uuid, StageNodeAttributes, err)
		failures = append(failures, failure)
		ao.logger.Warn("Attribute backfill failed", "node", nodes[i].Uuid, "name", nodes[i].Name, "error", err)
	}
	return results, failures
}

// ExtractEdgeAttributes returns a copy of edge with the attributes declared
// by edgeType updated from the episode. No call is made when the fact type
// declares no attributes.
func (ao *AttributeOperations) ExtractEdgeAttributes(ctx context.Context, edge *types.Edge, episode *types.Episode, edgeType *types.EdgeTypeDefinition) (*types.Edge, error) {
	if edgeType == nil || len(edgeType.Attributes) == 0 {
		return edge, nil
	}

	messages, err := ao.prompts.ExtractEdges().ExtractAttributes().Call(prompts.EdgeAttributesContext{
		EpisodeContent: episode.Content,
		ReferenceTime:  episode.ReferenceUTC(),
		Fact: prompts.AttributeFact{
			Fact:       edge.Fact,
			Name:       edge.Name,
			Attributes: edge.Attributes,
		},
		AttributeDescriptions: edgeType.Attributes,
	})
	if err != nil {
		return nil, unitFailure(types.UnitFact, edge.Uuid, StageEdgeAttributes, fmt.Errorf("failed to create attribute prompt: %w", err))
	}

	extracted, err := generate[prompts.ExtractedEdgeAttributes](ctx, ao.nlProcessor, messages, "ExtractedEdgeAttributes", StageEdgeAttributes, ao.LenientParsing, ao.logger)
	if err != nil {
		return nil, unitFailure(types.UnitFact, edge.Uuid, StageEdgeAttributes, err)
	}

	updated := edge.Clone()
	updated.Attributes = mergeDeclared(updated.Attributes, extracted.Attributes, edgeType.Attributes)
	return updated, nil
}

// ExtractAttributesFromEdges backfills facts concurrently, looking up each
// fact's type by FactType and falling back to its relation name.
func (ao *AttributeOperations) ExtractAttributesFromEdges(ctx context.Context, edges []*types.Edge, episode *types.Episode, edgeTypes []types.EdgeTypeDefinition) ([]*types.Edge, []*types.UnitError) {
	pool := utils.NewWorkerPool(ao.concurrency(), func(ctx context.Context, edge *types.Edge) (*types.Edge, error) {
		def := findEdgeType(edgeTypes, edge.FactType)
		if def == nil {
			def = findEdgeType(edgeTypes, edge.Name)
		}
		return ao.ExtractEdgeAttributes(ctx, edge, episode, def)
	})
	results, errs := pool.ProcessItems(ctx, edges)

	var failures []*types.UnitError
	for i, err := range errs {
		if err == nil {
			continue
		}
		results[i] = edges[i]
		failures = append(failures, unitFailure(types.UnitFact, edges[i].Uuid, StageEdgeAttributes, err))
		ao.logger.Warn("Fact attribute backfill failed", "edge", edges[i].Uuid, "error", err)
	}
	return results, failures
}

// mergeDeclared copies non-null values of declared keys from extracted over
// prior. Keys are matched case-insensitively and stored under their
// declared spelling.
func mergeDeclared(prior map[string]any, extracted map[string]any, declared map[string]string) map[string]any {
	if len(declared) == 0 || len(extracted) == 0 {
		return prior
	}
	merged := make(map[string]any, len(prior)+len(declared))
	for k, v := range prior {
		merged[k] = v
	}
	for key, value := range extracted {
		if value == nil {
			continue
		}
		for name := range declared {
			if strings.EqualFold(name, key) {
				merged[name] = value
				break
			}
		}
	}
	return merged
}
