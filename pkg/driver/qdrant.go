package driver

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/soundprediction/chronograph/pkg/types"
)

// VectorKind separates entity name vectors from fact vectors in one collection.
type VectorKind string

const (
	VectorKindNode VectorKind = "node"
	VectorKindEdge VectorKind = "edge"
)

// VectorHit is one nearest-neighbour result.
type VectorHit struct {
	UUID  string
	Score float32
}

// VectorIndex stores and searches embeddings keyed by node or edge uuid.
type VectorIndex interface {
	Upsert(ctx context.Context, kind VectorKind, groupID, uuid string, vector []float32) error
	Search(ctx context.Context, kind VectorKind, groupID string, vector []float32, limit int) ([]VectorHit, error)
	Close() error
}

// QdrantIndex implements VectorIndex on a single Qdrant collection.
type QdrantIndex struct {
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	conn        *grpc.ClientConn
}

var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex connects to a Qdrant gRPC endpoint such as "localhost:6334".
func NewQdrantIndex(addr, collection string) (*QdrantIndex, error) {
	if collection == "" {
		collection = "chronograph"
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return &QdrantIndex{
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
		conn:        conn,
	}, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if it is missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	if _, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection}); err == nil {
		return nil
	}
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// Upsert stores one vector. Node and edge uuids are valid point ids.
func (q *QdrantIndex) Upsert(ctx context.Context, kind VectorKind, groupID, uuid string, vector []float32) error {
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*pb.PointStruct{newPoint(kind, groupID, uuid, vector)},
	})
	if err != nil {
		return fmt.Errorf("upserting point %s: %w", uuid, err)
	}
	return nil
}

// Search returns the nearest vectors of one kind within a group.
func (q *QdrantIndex) Search(ctx context.Context, kind VectorKind, groupID string, vector []float32, limit int) ([]VectorHit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         groupKindFilter(kind, groupID),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("searching points: %w", err)
	}
	return hitsFromScoredPoints(resp.Result), nil
}

func newPoint(kind VectorKind, groupID, uuid string, vector []float32) *pb.PointStruct {
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: uuid},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: vector},
			},
		},
		Payload: map[string]*pb.Value{
			"uuid":     {Kind: &pb.Value_StringValue{StringValue: uuid}},
			"kind":     {Kind: &pb.Value_StringValue{StringValue: string(kind)}},
			"group_id": {Kind: &pb.Value_StringValue{StringValue: groupID}},
		},
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func groupKindFilter(kind VectorKind, groupID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			keywordCondition("kind", string(kind)),
			keywordCondition("group_id", groupID),
		},
	}
}

func hitsFromScoredPoints(points []*pb.ScoredPoint) []VectorHit {
	hits := make([]VectorHit, 0, len(points))
	for _, point := range points {
		id := point.GetId().GetUuid()
		if id == "" {
			id = point.GetPayload()["uuid"].GetStringValue()
		}
		if id == "" {
			continue
		}
		hits = append(hits, VectorHit{UUID: id, Score: point.GetScore()})
	}
	return hits
}

// IndexedDriver adds vector candidates from a VectorIndex to a GraphDriver.
// The graph stays the source of truth: vectors are written after a commit
// succeeds and a failed vector write is logged, not returned.
type IndexedDriver struct {
	GraphDriver
	index  VectorIndex
	logger *slog.Logger
}

// NewIndexedDriver wraps graph with index.
func NewIndexedDriver(graph GraphDriver, index VectorIndex, logger *slog.Logger) *IndexedDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexedDriver{GraphDriver: graph, index: index, logger: logger}
}

// SearchNodes puts vector hits first, then lexical hits from the graph.
func (d *IndexedDriver) SearchNodes(ctx context.Context, query NodeSearch) ([]*types.Node, error) {
	lexical, err := d.GraphDriver.SearchNodes(ctx, NodeSearch{
		GroupID:  query.GroupID,
		Name:     query.Name,
		Limit:    query.Limit,
		MinScore: query.MinScore,
	})
	if err != nil {
		return nil, err
	}
	if len(query.Embedding) == 0 {
		return lexical, nil
	}

	hits, err := d.index.Search(ctx, VectorKindNode, query.GroupID, query.Embedding, query.limit())
	if err != nil {
		return nil, err
	}
	vectorNodes, err := d.GraphDriver.GetNodes(ctx, hitUUIDs(hits, query.MinScore))
	if err != nil {
		return nil, err
	}
	return mergeByUUID(vectorNodes, lexical, func(n *types.Node) string { return n.Uuid }, query.limit()), nil
}

// SearchEdges puts vector hits first, then lexical hits from the graph.
func (d *IndexedDriver) SearchEdges(ctx context.Context, query EdgeSearch) ([]*types.Edge, error) {
	lexicalQuery := query
	lexicalQuery.Embedding = nil
	lexical, err := d.GraphDriver.SearchEdges(ctx, lexicalQuery)
	if err != nil {
		return nil, err
	}
	if len(query.Embedding) == 0 {
		return lexical, nil
	}

	hits, err := d.index.Search(ctx, VectorKindEdge, query.GroupID, query.Embedding, query.limit())
	if err != nil {
		return nil, err
	}
	vectorEdges, err := d.GraphDriver.GetEdges(ctx, hitUUIDs(hits, query.MinScore))
	if err != nil {
		return nil, err
	}
	if len(query.NodeUUIDs) > 0 {
		vectorEdges = filterTouching(vectorEdges, query.NodeUUIDs)
	}
	return mergeByUUID(vectorEdges, lexical, func(e *types.Edge) string { return e.Uuid }, query.limit()), nil
}

// SaveEpisodeResult commits to the graph and then indexes new vectors.
func (d *IndexedDriver) SaveEpisodeResult(ctx context.Context, commit *EpisodeCommit) error {
	if err := d.GraphDriver.SaveEpisodeResult(ctx, commit); err != nil {
		return err
	}
	for _, node := range commit.Nodes {
		if len(node.NameEmbedding) == 0 {
			continue
		}
		if err := d.index.Upsert(ctx, VectorKindNode, node.GroupID, node.Uuid, node.NameEmbedding); err != nil {
			d.logger.Warn("failed to index node vector", "uuid", node.Uuid, "error", err)
		}
	}
	for _, edge := range commit.Edges {
		if len(edge.FactEmbedding) == 0 {
			continue
		}
		if err := d.index.Upsert(ctx, VectorKindEdge, edge.GroupID, edge.Uuid, edge.FactEmbedding); err != nil {
			d.logger.Warn("failed to index fact vector", "uuid", edge.Uuid, "error", err)
		}
	}
	return nil
}

// Close closes the index and then the graph.
func (d *IndexedDriver) Close() error {
	indexErr := d.index.Close()
	if err := d.GraphDriver.Close(); err != nil {
		return err
	}
	return indexErr
}

func hitUUIDs(hits []VectorHit, minScore float64) []string {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if float64(hit.Score) < minScore {
			continue
		}
		ids = append(ids, hit.UUID)
	}
	return ids
}

func filterTouching(edges []*types.Edge, nodeUUIDs []string) []*types.Edge {
	touching := make(map[string]struct{}, len(nodeUUIDs))
	for _, id := range nodeUUIDs {
		touching[id] = struct{}{}
	}
	out := edges[:0]
	for _, edge := range edges {
		_, src := touching[edge.SourceNodeUUID]
		_, tgt := touching[edge.TargetNodeUUID]
		if src || tgt {
			out = append(out, edge)
		}
	}
	return out
}

func mergeByUUID[T any](first, second []T, id func(T) string, limit int) []T {
	seen := make(map[string]struct{}, len(first)+len(second))
	out := make([]T, 0, len(first)+len(second))
	for _, list := range [][]T{first, second} {
		for _, item := range list {
			key := id(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
