package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// MemoryDriver is an in-process GraphDriver. Reads return copies so callers
// can never mutate stored state.
type MemoryDriver struct {
	mu       sync.RWMutex
	nodes    map[string]*types.Node
	edges    map[string]*types.Edge
	episodes map[string]*types.Episode
	// mentions records which entities each episode referenced.
	mentions map[string][]string
	// edgeOrder and nodeOrder keep insertion order for deterministic results.
	nodeOrder []string
	edgeOrder []string
}

var _ GraphDriver = (*MemoryDriver)(nil)

// NewMemoryDriver creates an empty in-memory graph.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		nodes:    make(map[string]*types.Node),
		edges:    make(map[string]*types.Edge),
		episodes: make(map[string]*types.Episode),
		mentions: make(map[string][]string),
	}
}

// Provider returns GraphProviderMemory.
func (m *MemoryDriver) Provider() GraphProvider {
	return GraphProviderMemory
}

// Close is a no-op.
func (m *MemoryDriver) Close() error {
	return nil
}

// GetNodes returns the stored nodes with the given uuids, skipping unknown ones.
func (m *MemoryDriver) GetNodes(ctx context.Context, uuids []string) ([]*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Node, 0, len(uuids))
	for _, id := range uuids {
		if node, ok := m.nodes[id]; ok {
			out = append(out, node.Clone())
		}
	}
	return out, nil
}

// SearchNodes ranks the group's nodes against the query name and embedding.
func (m *MemoryDriver) SearchNodes(ctx context.Context, query NodeSearch) ([]*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scored []utils.ScoredItem[*types.Node]
	for _, id := range m.nodeOrder {
		node := m.nodes[id]
		if node.GroupID != query.GroupID {
			continue
		}
		score := candidateScore(query.Name, node.Name, query.Embedding, node.NameEmbedding)
		if score <= 0 || score < query.MinScore {
			continue
		}
		scored = append(scored, utils.ScoredItem[*types.Node]{Item: node, Score: score})
	}

	top := utils.TopKByScore(scored, query.limit())
	out := make([]*types.Node, len(top))
	for i, item := range top {
		out[i] = item.Item.Clone()
	}
	return out, nil
}

// GetEdges returns the stored edges with the given uuids, skipping unknown ones.
func (m *MemoryDriver) GetEdges(ctx context.Context, uuids []string) ([]*types.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Edge, 0, len(uuids))
	for _, id := range uuids {
		if edge, ok := m.edges[id]; ok {
			out = append(out, edge.Clone())
		}
	}
	return out, nil
}

// GetEdgesBetween returns facts connecting the two nodes in either direction.
func (m *MemoryDriver) GetEdgesBetween(ctx context.Context, sourceUUID, targetUUID, groupID string) ([]*types.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Edge
	for _, id := range m.edgeOrder {
		edge := m.edges[id]
		if edge.GroupID != groupID {
			continue
		}
		forward := edge.SourceNodeUUID == sourceUUID && edge.TargetNodeUUID == targetUUID
		backward := edge.SourceNodeUUID == targetUUID && edge.TargetNodeUUID == sourceUUID
		if forward || backward {
			out = append(out, edge.Clone())
		}
	}
	return out, nil
}

// SearchEdges ranks the group's facts against the query text and embedding.
func (m *MemoryDriver) SearchEdges(ctx context.Context, query EdgeSearch) ([]*types.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	touching := make(map[string]struct{}, len(query.NodeUUIDs))
	for _, id := range query.NodeUUIDs {
		touching[id] = struct{}{}
	}

	var scored []utils.ScoredItem[*types.Edge]
	for _, id := range m.edgeOrder {
		edge := m.edges[id]
		if edge.GroupID != query.GroupID {
			continue
		}
		if len(touching) > 0 {
			_, src := touching[edge.SourceNodeUUID]
			_, tgt := touching[edge.TargetNodeUUID]
			if !src && !tgt {
				continue
			}
		}
		score := candidateScore(query.Fact, edge.Fact, query.Embedding, edge.FactEmbedding)
		if score <= 0 || score < query.MinScore {
			continue
		}
		scored = append(scored, utils.ScoredItem[*types.Edge]{Item: edge, Score: score})
	}

	top := utils.TopKByScore(scored, query.limit())
	out := make([]*types.Edge, len(top))
	for i, item := range top {
		out[i] = item.Item.Clone()
	}
	return out, nil
}

// RetrieveEpisodes returns up to lastN episodes of the group that precede
// before, oldest first.
func (m *MemoryDriver) RetrieveEpisodes(ctx context.Context, groupID string, before time.Time, lastN int) ([]*types.Episode, error) {
	if lastN <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*types.Episode
	for _, ep := range m.episodes {
		if ep.GroupID == groupID && ep.Reference.Before(before) {
			matched = append(matched, ep)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Reference.Equal(matched[j].Reference) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Reference.Before(matched[j].Reference)
	})
	if len(matched) > lastN {
		matched = matched[len(matched)-lastN:]
	}

	out := make([]*types.Episode, len(matched))
	for i, ep := range matched {
		c := *ep
		out[i] = &c
	}
	return out, nil
}

// SaveEpisodeResult validates the whole commit before applying any of it.
func (m *MemoryDriver) SaveEpisodeResult(ctx context.Context, commit *EpisodeCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ep := *commit.Episode
	m.episodes[ep.ID] = &ep

	mentioned := make([]string, 0, len(commit.Nodes))
	for _, node := range commit.Nodes {
		if _, exists := m.nodes[node.Uuid]; !exists {
			m.nodeOrder = append(m.nodeOrder, node.Uuid)
		}
		m.nodes[node.Uuid] = node.Clone()
		mentioned = append(mentioned, node.Uuid)
	}
	m.mentions[ep.ID] = utils.DedupeStrings(mentioned)

	for _, edge := range commit.Edges {
		m.putEdge(edge)
	}
	for _, edge := range commit.InvalidatedEdges {
		m.putEdge(edge)
	}
	return nil
}

func (m *MemoryDriver) putEdge(edge *types.Edge) {
	if _, exists := m.edges[edge.Uuid]; !exists {
		m.edgeOrder = append(m.edgeOrder, edge.Uuid)
	}
	m.edges[edge.Uuid] = edge.Clone()
}

// Mentions returns the uuids of the entities an episode referenced.
func (m *MemoryDriver) Mentions(episodeID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.mentions[episodeID]...)
}

// Stats reports how many nodes, edges and episodes are stored.
func (m *MemoryDriver) Stats() GraphStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := GraphStats{
		NodeCount:    int64(len(m.nodes)),
		EdgeCount:    int64(len(m.edges)),
		EpisodeCount: int64(len(m.episodes)),
	}
	for _, edge := range m.edges {
		if edge.ExpiredAt != nil {
			stats.ExpiredEdgeCount++
		}
	}
	return stats
}

// GraphStats holds statistics about the graph.
type GraphStats struct {
	NodeCount        int64 `json:"node_count"`
	EdgeCount        int64 `json:"edge_count"`
	EpisodeCount     int64 `json:"episode_count"`
	ExpiredEdgeCount int64 `json:"expired_edge_count"`
}
