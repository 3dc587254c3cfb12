package driver

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/soundprediction/chronograph/pkg/types"
)

// timeLayout is fixed width so stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func nodeToProperties(node *types.Node) map[string]any {
	props := map[string]any{
		"uuid":       node.Uuid,
		"name":       node.Name,
		"group_id":   node.GroupID,
		"created_at": formatTime(node.CreatedAt),
		"updated_at": formatTime(node.UpdatedAt),
		"summary":    node.Summary,
	}
	if node.EntityType != "" {
		props["entity_type"] = node.EntityType
	}
	if len(node.Labels) > 0 {
		props["labels"] = node.Labels
	}
	if len(node.Attributes) > 0 {
		props["attributes"] = marshalJSON(node.Attributes)
	}
	if len(node.NameEmbedding) > 0 {
		props["name_embedding"] = marshalJSON(node.NameEmbedding)
	}
	return props
}

func nodeFromDBNode(node dbtype.Node) *types.Node {
	return nodeFromProps(node.Props)
}

func nodeFromProps(props map[string]any) *types.Node {
	result := &types.Node{}
	result.Uuid, _ = AsString(props["uuid"])
	result.Name, _ = AsString(props["name"])
	result.GroupID, _ = AsString(props["group_id"])
	result.EntityType, _ = AsString(props["entity_type"])
	result.Summary, _ = AsString(props["summary"])
	result.CreatedAt, _ = AsTime(props["created_at"])
	result.UpdatedAt, _ = AsTime(props["updated_at"])
	if labels, ok := AsStringSlice(props["labels"]); ok {
		result.Labels = labels
	}
	if attrs, ok := AsJSONMap(props["attributes"]); ok {
		result.Attributes = attrs
	}
	if embedding, ok := AsEmbedding(props["name_embedding"]); ok {
		result.NameEmbedding = embedding
	}
	return result
}

func edgeToProperties(edge *types.Edge) map[string]any {
	props := map[string]any{
		"uuid":       edge.Uuid,
		"group_id":   edge.GroupID,
		"name":       edge.Name,
		"fact":       edge.Fact,
		"fact_type":  edge.FactType,
		"episodes":   edge.Episodes,
		"created_at": formatTime(edge.CreatedAt),
		// Cleared bounds must overwrite stored ones, so nil is written explicitly.
		"valid_at":   nil,
		"invalid_at": nil,
		"expired_at": nil,
	}
	if edge.ValidAt != nil {
		props["valid_at"] = formatTime(*edge.ValidAt)
	}
	if edge.InvalidAt != nil {
		props["invalid_at"] = formatTime(*edge.InvalidAt)
	}
	if edge.ExpiredAt != nil {
		props["expired_at"] = formatTime(*edge.ExpiredAt)
	}
	if len(edge.Attributes) > 0 {
		props["attributes"] = marshalJSON(edge.Attributes)
	}
	if len(edge.FactEmbedding) > 0 {
		props["fact_embedding"] = marshalJSON(edge.FactEmbedding)
	}
	return props
}

func edgeFromDBRelation(relation dbtype.Relationship, sourceID, targetID string) *types.Edge {
	return edgeFromProps(relation.Props, sourceID, targetID)
}

func edgeFromProps(props map[string]any, sourceID, targetID string) *types.Edge {
	result := &types.Edge{
		SourceNodeUUID: sourceID,
		TargetNodeUUID: targetID,
	}
	result.Uuid, _ = AsString(props["uuid"])
	result.GroupID, _ = AsString(props["group_id"])
	result.Name, _ = AsString(props["name"])
	result.Fact, _ = AsString(props["fact"])
	result.FactType, _ = AsString(props["fact_type"])
	result.CreatedAt, _ = AsTime(props["created_at"])
	result.ValidAt = AsTimePtr(props["valid_at"])
	result.InvalidAt = AsTimePtr(props["invalid_at"])
	result.ExpiredAt = AsTimePtr(props["expired_at"])
	if episodes, ok := AsStringSlice(props["episodes"]); ok {
		result.Episodes = episodes
	}
	if attrs, ok := AsJSONMap(props["attributes"]); ok {
		result.Attributes = attrs
	}
	if embedding, ok := AsEmbedding(props["fact_embedding"]); ok {
		result.FactEmbedding = embedding
	}
	return result
}

func episodeToProperties(ep *types.Episode) map[string]any {
	return map[string]any{
		"uuid":               ep.ID,
		"name":               ep.Name,
		"content":            ep.Content,
		"episode_type":       string(ep.Type),
		"source_description": ep.SourceDescription,
		"valid_at":           formatTime(ep.Reference),
		"group_id":           ep.GroupID,
		"created_at":         formatTime(ep.CreatedAt),
	}
}

func episodeFromProps(props map[string]any) *types.Episode {
	ep := &types.Episode{}
	ep.ID, _ = AsString(props["uuid"])
	ep.Name, _ = AsString(props["name"])
	ep.Content, _ = AsString(props["content"])
	ep.SourceDescription, _ = AsString(props["source_description"])
	ep.GroupID, _ = AsString(props["group_id"])
	ep.Reference, _ = AsTime(props["valid_at"])
	ep.CreatedAt, _ = AsTime(props["created_at"])
	if kind, ok := AsString(props["episode_type"]); ok {
		ep.Type = types.EpisodeType(kind)
	}
	return ep
}
