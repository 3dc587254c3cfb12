package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// Pipeline stage names. They tag oracle calls (see nlp.WithStage) and name the
// stage in every UnitError.
const (
	StageExtractNodes    = "extract_nodes"
	StageNodeReflexion   = "node_reflexion"
	StageClassifyNodes   = "classify_nodes"
	StageResolveNodes    = "resolve_nodes"
	StageDedupeNodeList  = "dedupe_node_list"
	StageExtractEdges    = "extract_edges"
	StageEdgeReflexion   = "edge_reflexion"
	StageResolveEdge     = "resolve_edge"
	StageDedupeEdgeList  = "dedupe_edge_list"
	StageEdgeDates       = "extract_edge_dates"
	StageInvalidateEdges = "invalidate_edges"
	StageNodeAttributes  = "node_attributes"
	StageEdgeAttributes  = "edge_attributes"
)

const defaultEntityTypeDescription = "Default classification. Use this entity type if the entity is not one of the other listed types."

// generate issues one structured oracle call tagged with stage.
func generate[T any](ctx context.Context, client nlp.Client, messages []types.Message, schema, stage string, lenient bool, logger *slog.Logger) (*T, error) {
	return nlp.GenerateStructured[T](nlp.WithStage(ctx, stage), client, messages, schema, &nlp.StructuredOptions{
		Lenient: lenient,
		Logger:  logger,
	})
}

// failureKind classifies an engine error. Prompt assembly and constraint
// errors are validation failures; everything else is classified as an
// oracle or cancellation failure.
func failureKind(err error) types.FailureKind {
	switch {
	case errors.Is(err, prompts.ErrMissingField),
		errors.Is(err, nlp.ErrPromptShape),
		errors.Is(err, types.ErrEmptyContent),
		errors.Is(err, types.ErrMissingReference),
		errors.Is(err, types.ErrUnknownEpisodeType),
		errors.Is(err, types.ErrSelfLoop),
		errors.Is(err, types.ErrEndpointOutOfRange),
		errors.Is(err, types.ErrTemporalOrder),
		errors.Is(err, utils.ErrInvalidEntityType):
		return types.FailureValidation
	}
	return nlp.Classify(err)
}

func unitFailure(unit types.Unit, id, stage string, err error) *types.UnitError {
	if ue, ok := types.AsUnitError(err); ok {
		return ue
	}
	return types.NewUnitError(unit, id, stage, failureKind(err), err)
}

func episodeContents(episodes []*types.Episode) []string {
	contents := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		if ep != nil {
			contents = append(contents, ep.Content)
		}
	}
	return contents
}

// entityTypeContext numbers the caller's entity types from 1; id 0 is always
// the default "Entity" classification.
func entityTypeContext(defs []types.EntityTypeDefinition) []types.EntityTypeDefinition {
	out := []types.EntityTypeDefinition{{
		ID:          0,
		Name:        types.DefaultEntityTypeName,
		Description: defaultEntityTypeDescription,
	}}
	for _, def := range defs {
		if def.Name == "" || strings.EqualFold(def.Name, types.DefaultEntityTypeName) {
			continue
		}
		def.ID = len(out)
		out = append(out, def)
	}
	return out
}

func findEntityType(defs []types.EntityTypeDefinition, name string) *types.EntityTypeDefinition {
	for i := range defs {
		if strings.EqualFold(defs[i].Name, name) {
			return &defs[i]
		}
	}
	return nil
}

func findEdgeType(defs []types.EdgeTypeDefinition, name string) *types.EdgeTypeDefinition {
	for i := range defs {
		if strings.EqualFold(defs[i].Name, name) {
			return &defs[i]
		}
	}
	return nil
}

func nodeLabels(node *types.Node) []string {
	if len(node.Labels) > 0 {
		return node.Labels
	}
	if node.EntityType == "" || node.EntityType == types.DefaultEntityTypeName {
		return []string{types.DefaultEntityTypeName}
	}
	return []string{types.DefaultEntityTypeName, node.EntityType}
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

// sortNewestFirst orders facts by ValidAt, then CreatedAt, most recent first.
// Facts without ValidAt sort after dated ones.
func sortNewestFirst(edges []*types.Edge) []*types.Edge {
	sorted := append([]*types.Edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch {
		case a.ValidAt != nil && b.ValidAt != nil && !a.ValidAt.Equal(*b.ValidAt):
			return a.ValidAt.After(*b.ValidAt)
		case a.ValidAt != nil && b.ValidAt == nil:
			return true
		case a.ValidAt == nil && b.ValidAt != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return sorted
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// ValidateGraphIntegrity checks a resolved episode result before it is
// committed. It reports self loops, facts whose endpoints are not among the
// resolved nodes, inverted validity intervals and uuid map entries that point
// at unknown nodes.
func ValidateGraphIntegrity(nodes []*types.Node, edges []*types.Edge, uuidMap map[string]string) []string {
	var issues []string

	known := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		known[node.Uuid] = struct{}{}
	}

	for _, edge := range edges {
		if edge.SourceNodeUUID == edge.TargetNodeUUID {
			issues = append(issues, fmt.Sprintf("fact %s is a self loop on %s", edge.Uuid, edge.SourceNodeUUID))
		}
		if _, ok := known[edge.SourceNodeUUID]; !ok {
			issues = append(issues, fmt.Sprintf("fact %s references unknown source %s", edge.Uuid, edge.SourceNodeUUID))
		}
		if _, ok := known[edge.TargetNodeUUID]; !ok {
			issues = append(issues, fmt.Sprintf("fact %s references unknown target %s", edge.Uuid, edge.TargetNodeUUID))
		}
		if edge.ValidAt != nil && edge.InvalidAt != nil && edge.ValidAt.After(*edge.InvalidAt) {
			issues = append(issues, fmt.Sprintf("fact %s is valid after it becomes invalid", edge.Uuid))
		}
	}

	for extracted, canonical := range uuidMap {
		if _, ok := known[canonical]; !ok {
			issues = append(issues, fmt.Sprintf("entity %s maps to unknown node %s", extracted, canonical))
		}
	}
	sort.Strings(issues)
	return issues
}
