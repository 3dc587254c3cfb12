package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/chronograph/pkg/driver"
	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

type RerankerType string

const (
	RRFRerankType RerankerType = "rrf"
	MMRRerankType RerankerType = "mmr"
)

// Config tunes candidate retrieval.
type Config struct {
	// Limit caps candidates per entity or fact.
	Limit int `json:"limit"`
	// MinScore drops lexical or vector matches scoring below it.
	MinScore float64 `json:"min_score"`
	// Reranker selects how fact candidates are ordered before truncation.
	Reranker     RerankerType `json:"reranker"`
	RankConstant int          `json:"rank_constant"`
	MMRLambda    float64      `json:"mmr_lambda"`
	// Concurrency bounds parallel lookups; zero uses utils.GetSemaphoreLimit.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns the retrieval settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Limit:        driver.DefaultSearchLimit,
		Reranker:     RRFRerankType,
		RankConstant: DefaultRankConstant,
		MMRLambda:    DefaultMMRLambda,
	}
}

// EdgeCandidates are the two candidate lists a new fact is resolved against.
type EdgeCandidates struct {
	// Duplicates connect the same two entities as the new fact.
	Duplicates []*types.Edge
	// Invalidation touch either entity and may be contradicted by the new fact.
	Invalidation []*types.Edge
}

// Searcher retrieves resolution candidates from the graph. The embedder is
// optional; without it only lexical matching is used.
type Searcher struct {
	driver   driver.GraphDriver
	embedder embedder.Client
	config   Config
	logger   *slog.Logger
}

// NewSearcher creates a Searcher. Zero fields of config take their defaults.
func NewSearcher(driver driver.GraphDriver, embedder embedder.Client, config Config) *Searcher {
	defaults := DefaultConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Reranker == "" {
		config.Reranker = defaults.Reranker
	}
	if config.RankConstant <= 0 {
		config.RankConstant = defaults.RankConstant
	}
	if config.MMRLambda == 0 {
		config.MMRLambda = defaults.MMRLambda
	}
	if config.Concurrency <= 0 {
		config.Concurrency = utils.GetSemaphoreLimit()
	}
	return &Searcher{
		driver:   driver,
		embedder: embedder,
		config:   config,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger used by the searcher.
func (s *Searcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// PreviousEpisodes returns up to lastN episodes of the same group that precede
// the episode's reference time, oldest first.
func (s *Searcher) PreviousEpisodes(ctx context.Context, episode *types.Episode, lastN int) ([]*types.Episode, error) {
	episodes, err := s.driver.RetrieveEpisodes(ctx, episode.GroupID, episode.ReferenceUTC(), lastN)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve previous episodes: %w", err)
	}
	return episodes, nil
}

// NodeCandidates returns, for each extracted node, the existing nodes it may
// duplicate. Lexical and vector result lists are fused with RRF. The result is
// aligned with nodes.
func (s *Searcher) NodeCandidates(ctx context.Context, groupID string, nodes []*types.Node) ([][]*types.Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	vectors, err := s.nameVectors(ctx, nodes)
	if err != nil {
		return nil, err
	}

	fns := make([]func() ([]*types.Node, error), len(nodes))
	for i, node := range nodes {
		fns[i] = func() ([]*types.Node, error) {
			return s.nodeCandidates(ctx, groupID, node, vectors[i])
		}
	}
	results, errs := utils.ExecuteWithResults(ctx, s.config.Concurrency, fns...)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("candidate search for %q: %w", nodes[i].Name, err)
		}
	}
	return results, nil
}

func (s *Searcher) nameVectors(ctx context.Context, nodes []*types.Node) ([][]float32, error) {
	vectors := make([][]float32, len(nodes))
	var missing []int
	for i, node := range nodes {
		if len(node.NameEmbedding) > 0 {
			vectors[i] = node.NameEmbedding
		} else {
			missing = append(missing, i)
		}
	}
	if s.embedder == nil || len(missing) == 0 {
		return vectors, nil
	}

	names := make([]string, len(missing))
	for j, i := range missing {
		names[j] = nodes[i].Name
	}
	embedded, err := embedder.GenerateEmbeddings(ctx, s.embedder, names, 0, s.config.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to embed entity names: %w", err)
	}
	for j, i := range missing {
		vectors[i] = embedded[j]
	}
	return vectors, nil
}

func (s *Searcher) nodeCandidates(ctx context.Context, groupID string, node *types.Node, vector []float32) ([]*types.Node, error) {
	lexical, err := s.driver.SearchNodes(ctx, driver.NodeSearch{
		GroupID:  groupID,
		Name:     node.Name,
		Limit:    s.config.Limit,
		MinScore: s.config.MinScore,
	})
	if err != nil {
		return nil, err
	}
	lists := [][]*types.Node{lexical}

	if len(vector) > 0 {
		semantic, err := s.driver.SearchNodes(ctx, driver.NodeSearch{
			GroupID:   groupID,
			Embedding: vector,
			Limit:     s.config.Limit,
			MinScore:  s.config.MinScore,
		})
		if err != nil {
			return nil, err
		}
		lists = append(lists, semantic)
	}

	fused := fuse(lists, func(n *types.Node) string { return n.Uuid }, s.config.RankConstant, s.config.Limit)
	// A node never duplicates itself when it was already committed.
	out := fused[:0]
	for _, candidate := range fused {
		if candidate.Uuid != node.Uuid {
			out = append(out, candidate)
		}
	}
	return out, nil
}

// EdgeCandidates returns the candidates a new fact is resolved against.
// Duplicate candidates share both endpoints with the fact. Invalidation
// candidates touch either endpoint, so a fact between the same two entities
// can appear in both lists.
func (s *Searcher) EdgeCandidates(ctx context.Context, edge *types.Edge) (*EdgeCandidates, error) {
	between, err := s.driver.GetEdgesBetween(ctx, edge.SourceNodeUUID, edge.TargetNodeUUID, edge.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts between entities: %w", err)
	}
	duplicates := make([]*types.Edge, 0, len(between))
	for _, candidate := range between {
		if candidate.Uuid != edge.Uuid {
			duplicates = append(duplicates, candidate)
		}
	}

	vector := edge.FactEmbedding
	if len(vector) == 0 && s.embedder != nil {
		vector, err = embedder.GenerateEmbedding(ctx, s.embedder, edge.Fact)
		if err != nil {
			return nil, fmt.Errorf("failed to embed fact: %w", err)
		}
	}

	related, err := s.driver.SearchEdges(ctx, driver.EdgeSearch{
		GroupID:   edge.GroupID,
		Fact:      edge.Fact,
		Embedding: vector,
		NodeUUIDs: []string{edge.SourceNodeUUID, edge.TargetNodeUUID},
		Limit:     s.config.Limit * 2,
		MinScore:  s.config.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search related facts: %w", err)
	}

	related = s.rerankFacts(vector, related)
	if len(related) > s.config.Limit {
		related = related[:s.config.Limit]
	}
	// Facts between the same two entities are always invalidation candidates,
	// whatever their lexical overlap with the new fact.
	invalidation := make([]*types.Edge, 0, len(duplicates)+len(related))
	seen := map[string]struct{}{edge.Uuid: {}}
	for _, candidate := range append(append([]*types.Edge{}, duplicates...), related...) {
		if _, dup := seen[candidate.Uuid]; dup {
			continue
		}
		seen[candidate.Uuid] = struct{}{}
		invalidation = append(invalidation, candidate)
	}

	s.logger.Debug("fact candidates",
		"fact", utils.TruncateWords(edge.Fact, 12),
		"duplicates", len(duplicates),
		"invalidation", len(invalidation))
	return &EdgeCandidates{Duplicates: duplicates, Invalidation: invalidation}, nil
}

func (s *Searcher) rerankFacts(query []float32, edges []*types.Edge) []*types.Edge {
	if s.config.Reranker != MMRRerankType || len(query) == 0 {
		return edges
	}
	byUUID := make(map[string]*types.Edge, len(edges))
	order := make([]string, 0, len(edges))
	vectors := make(map[string][]float32, len(edges))
	var unembedded []*types.Edge
	for _, edge := range edges {
		if len(edge.FactEmbedding) == 0 {
			unembedded = append(unembedded, edge)
			continue
		}
		byUUID[edge.Uuid] = edge
		order = append(order, edge.Uuid)
		vectors[edge.Uuid] = edge.FactEmbedding
	}
	ranked, _, err := MaximalMarginalRelevance(query, order, vectors, s.config.MMRLambda, -1)
	if err != nil {
		s.logger.Warn("MMR rerank failed, keeping fused order", "error", err)
		return edges
	}
	out := make([]*types.Edge, 0, len(edges))
	for _, uuid := range ranked {
		out = append(out, byUUID[uuid])
	}
	return append(out, unembedded...)
}

func fuse[T any](lists [][]T, id func(T) string, rankConstant, limit int) []T {
	byID := make(map[string]T)
	ranked := make([][]string, len(lists))
	for i, list := range lists {
		ids := make([]string, len(list))
		for j, item := range list {
			ids[j] = id(item)
			if _, ok := byID[ids[j]]; !ok {
				byID[ids[j]] = item
			}
		}
		ranked[i] = ids
	}
	uuids, _ := RRF(ranked, rankConstant, 0)
	if len(uuids) > limit {
		uuids = uuids[:limit]
	}
	out := make([]T, len(uuids))
	for i, uuid := range uuids {
		out[i] = byID[uuid]
	}
	return out
}
