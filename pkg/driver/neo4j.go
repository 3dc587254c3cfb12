package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// Neo4jDriver implements the GraphDriver interface for Neo4j databases.
type Neo4jDriver struct {
	client   neo4j.DriverWithContext
	database string
}

var _ GraphDriver = (*Neo4jDriver)(nil)

// NewNeo4jDriver creates a new Neo4j driver instance.
func NewNeo4jDriver(uri, username, password, database string) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	return &Neo4jDriver{
		client:   driver,
		database: database,
	}, nil
}

// Provider returns the provider type.
func (n *Neo4jDriver) Provider() GraphProvider {
	return GraphProviderNeo4j
}

// Close closes the Neo4j driver.
func (n *Neo4jDriver) Close() error {
	return n.client.Close(context.Background())
}

// VerifyConnectivity checks if the driver can connect to the database.
func (n *Neo4jDriver) VerifyConnectivity(ctx context.Context) error {
	return n.client.VerifyConnectivity(ctx)
}

// CreateIndices creates the lookup indices used by candidate search and commit.
func (n *Neo4jDriver) CreateIndices(ctx context.Context) error {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	indices := []string{
		"CREATE INDEX entity_uuid IF NOT EXISTS FOR (n:Entity) ON (n.uuid)",
		"CREATE INDEX episode_uuid IF NOT EXISTS FOR (n:Episodic) ON (n.uuid)",
		"CREATE INDEX relation_uuid IF NOT EXISTS FOR ()-[e:RELATES_TO]-() ON (e.uuid)",
		"CREATE INDEX entity_group_id IF NOT EXISTS FOR (n:Entity) ON (n.group_id)",
		"CREATE INDEX episode_group_id IF NOT EXISTS FOR (n:Episodic) ON (n.group_id)",
		"CREATE INDEX relation_group_id IF NOT EXISTS FOR ()-[e:RELATES_TO]-() ON (e.group_id)",
		"CREATE INDEX episode_valid_at IF NOT EXISTS FOR (n:Episodic) ON (n.valid_at)",
	}

	for _, indexQuery := range indices {
		if _, err := session.Run(ctx, indexQuery, nil); err != nil {
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "An equivalent") {
				return err
			}
		}
	}
	return nil
}

func (n *Neo4jDriver) read(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return MustRecordSlice(result, "records")
}

func collectNodes(records []*db.Record, key string) ([]*types.Node, error) {
	nodes := make([]*types.Node, 0, len(records))
	for _, record := range records {
		value, found := record.Get(key)
		if !found {
			continue
		}
		dbNode, err := MustDBNode(value, key)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, nodeFromDBNode(dbNode))
	}
	return nodes, nil
}

func collectEdges(records []*db.Record) ([]*types.Edge, error) {
	edges := make([]*types.Edge, 0, len(records))
	for _, record := range records {
		value, found := record.Get("r")
		if !found {
			continue
		}
		rel, err := MustDBRelationship(value, "r")
		if err != nil {
			return nil, err
		}
		source, _ := record.Get("source")
		target, _ := record.Get("target")
		sourceID, err := MustString(source, "source")
		if err != nil {
			return nil, err
		}
		targetID, err := MustString(target, "target")
		if err != nil {
			return nil, err
		}
		edges = append(edges, edgeFromDBRelation(rel, sourceID, targetID))
	}
	return edges, nil
}

// GetNodes retrieves entity nodes by uuid.
func (n *Neo4jDriver) GetNodes(ctx context.Context, uuids []string) ([]*types.Node, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	records, err := n.read(ctx, `
		MATCH (n:Entity)
		WHERE n.uuid IN $uuids
		RETURN n
	`, map[string]any{"uuids": uuids})
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}
	return collectNodes(records, "n")
}

// SearchNodes loads the group's entities that share a token with the query
// name (or every entity with an embedding when a query vector is given) and
// ranks them in process.
func (n *Neo4jDriver) SearchNodes(ctx context.Context, query NodeSearch) ([]*types.Node, error) {
	tokens := strings.Fields(utils.NormalizeStringExact(query.Name))
	if len(tokens) == 0 && len(query.Embedding) == 0 {
		return nil, nil
	}

	records, err := n.read(ctx, `
		MATCH (n:Entity {group_id: $group_id})
		WHERE any(tok IN $tokens WHERE toLower(n.name) CONTAINS tok)
		   OR ($with_vectors AND n.name_embedding IS NOT NULL)
		RETURN n
	`, map[string]any{
		"group_id":     query.GroupID,
		"tokens":       tokens,
		"with_vectors": len(query.Embedding) > 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}
	nodes, err := collectNodes(records, "n")
	if err != nil {
		return nil, err
	}

	scored := make([]utils.ScoredItem[*types.Node], 0, len(nodes))
	for _, node := range nodes {
		score := candidateScore(query.Name, node.Name, query.Embedding, node.NameEmbedding)
		if score <= 0 || score < query.MinScore {
			continue
		}
		scored = append(scored, utils.ScoredItem[*types.Node]{Item: node, Score: score})
	}
	top := utils.TopKByScore(scored, query.limit())
	out := make([]*types.Node, len(top))
	for i, item := range top {
		out[i] = item.Item
	}
	return out, nil
}

// GetEdges retrieves facts by uuid.
func (n *Neo4jDriver) GetEdges(ctx context.Context, uuids []string) ([]*types.Edge, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	records, err := n.read(ctx, `
		MATCH (s:Entity)-[r:RELATES_TO]->(t:Entity)
		WHERE r.uuid IN $uuids
		RETURN r, s.uuid AS source, t.uuid AS target
	`, map[string]any{"uuids": uuids})
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	return collectEdges(records)
}

// GetEdgesBetween retrieves facts connecting two nodes in either direction.
func (n *Neo4jDriver) GetEdgesBetween(ctx context.Context, sourceUUID, targetUUID, groupID string) ([]*types.Edge, error) {
	records, err := n.read(ctx, `
		MATCH (s:Entity)-[r:RELATES_TO {group_id: $group_id}]->(t:Entity)
		WHERE (s.uuid = $source AND t.uuid = $target)
		   OR (s.uuid = $target AND t.uuid = $source)
		RETURN r, s.uuid AS source, t.uuid AS target
		ORDER BY r.created_at
	`, map[string]any{
		"source":   sourceUUID,
		"target":   targetUUID,
		"group_id": groupID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get edges between nodes: %w", err)
	}
	return collectEdges(records)
}

// SearchEdges ranks the group's facts against the query, optionally limited
// to facts touching the given nodes.
func (n *Neo4jDriver) SearchEdges(ctx context.Context, query EdgeSearch) ([]*types.Edge, error) {
	tokens := strings.Fields(utils.NormalizeStringExact(query.Fact))
	if len(tokens) == 0 && len(query.Embedding) == 0 {
		return nil, nil
	}

	records, err := n.read(ctx, `
		MATCH (s:Entity)-[r:RELATES_TO {group_id: $group_id}]->(t:Entity)
		WHERE (size($node_uuids) = 0 OR s.uuid IN $node_uuids OR t.uuid IN $node_uuids)
		  AND (any(tok IN $tokens WHERE toLower(r.fact) CONTAINS tok)
		       OR ($with_vectors AND r.fact_embedding IS NOT NULL))
		RETURN r, s.uuid AS source, t.uuid AS target
	`, map[string]any{
		"group_id":     query.GroupID,
		"node_uuids":   append([]string{}, query.NodeUUIDs...),
		"tokens":       tokens,
		"with_vectors": len(query.Embedding) > 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search edges: %w", err)
	}
	edges, err := collectEdges(records)
	if err != nil {
		return nil, err
	}

	scored := make([]utils.ScoredItem[*types.Edge], 0, len(edges))
	for _, edge := range edges {
		score := candidateScore(query.Fact, edge.Fact, query.Embedding, edge.FactEmbedding)
		if score <= 0 || score < query.MinScore {
			continue
		}
		scored = append(scored, utils.ScoredItem[*types.Edge]{Item: edge, Score: score})
	}
	top := utils.TopKByScore(scored, query.limit())
	out := make([]*types.Edge, len(top))
	for i, item := range top {
		out[i] = item.Item
	}
	return out, nil
}

// RetrieveEpisodes returns the lastN episodes of a group preceding before,
// oldest first.
func (n *Neo4jDriver) RetrieveEpisodes(ctx context.Context, groupID string, before time.Time, lastN int) ([]*types.Episode, error) {
	if lastN <= 0 {
		return nil, nil
	}
	records, err := n.read(ctx, `
		MATCH (e:Episodic {group_id: $group_id})
		WHERE e.valid_at < $before
		RETURN e
		ORDER BY e.valid_at DESC
		LIMIT $num_episodes
	`, map[string]any{
		"group_id":     groupID,
		"before":       formatTime(before),
		"num_episodes": lastN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve episodes: %w", err)
	}

	episodes := make([]*types.Episode, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		value, found := records[i].Get("e")
		if !found {
			continue
		}
		dbNode, err := MustDBNode(value, "e")
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episodeFromProps(dbNode.Props))
	}
	return episodes, nil
}

// SaveEpisodeResult writes the episode, its entities, its facts and the facts
// it invalidated in one write transaction.
func (n *Neo4jDriver) SaveEpisodeResult(ctx context.Context, commit *EpisodeCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}

	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		ep := commit.Episode
		if _, err := tx.Run(ctx, `
			MERGE (e:Episodic {uuid: $uuid})
			SET e += $properties
		`, map[string]any{
			"uuid":       ep.ID,
			"properties": episodeToProperties(ep),
		}); err != nil {
			return nil, fmt.Errorf("episode %s: %w", ep.ID, err)
		}

		for _, node := range commit.Nodes {
			if _, err := tx.Run(ctx, `
				MERGE (n:Entity {uuid: $uuid})
				SET n += $properties
				WITH n
				MATCH (e:Episodic {uuid: $episode_uuid})
				MERGE (e)-[m:MENTIONS {group_id: $group_id}]->(n)
				ON CREATE SET m.created_at = $created_at
			`, map[string]any{
				"uuid":         node.Uuid,
				"properties":   nodeToProperties(node),
				"episode_uuid": ep.ID,
				"group_id":     node.GroupID,
				"created_at":   formatTime(time.Now()),
			}); err != nil {
				return nil, fmt.Errorf("node %s: %w", node.Uuid, err)
			}
		}

		edges := make([]*types.Edge, 0, len(commit.Edges)+len(commit.InvalidatedEdges))
		edges = append(edges, commit.Edges...)
		edges = append(edges, commit.InvalidatedEdges...)
		for _, edge := range edges {
			if _, err := tx.Run(ctx, `
				MATCH (s:Entity {uuid: $source_uuid})
				MATCH (t:Entity {uuid: $target_uuid})
				MERGE (s)-[r:RELATES_TO {uuid: $uuid}]->(t)
				SET r += $properties
			`, map[string]any{
				"uuid":        edge.Uuid,
				"source_uuid": edge.SourceNodeUUID,
				"target_uuid": edge.TargetNodeUUID,
				"properties":  edgeToProperties(edge),
			}); err != nil {
				return nil, fmt.Errorf("edge %s: %w", edge.Uuid, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save episode result: %w", err)
	}
	return nil
}
