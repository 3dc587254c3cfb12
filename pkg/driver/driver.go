package driver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// GraphProvider represents the type of graph database provider
type GraphProvider string

const (
	GraphProviderMemory GraphProvider = "memory"
	GraphProviderNeo4j  GraphProvider = "neo4j"
)

// DefaultSearchLimit caps candidate searches that do not set a limit.
const DefaultSearchLimit = 10

var (
	// ErrNilCommit is returned when SaveEpisodeResult receives nothing to save.
	ErrNilCommit = errors.New("episode commit is nil")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown graph provider")
)

// NodeSearch describes a candidate lookup for entity resolution. Name and
// Embedding are both optional; a node matches when either scores above MinScore.
type NodeSearch struct {
	GroupID   string
	Name      string
	Embedding []float32
	Limit     int
	MinScore  float64
}

// EdgeSearch describes a candidate lookup for fact resolution. When NodeUUIDs
// is set only facts touching at least one of those nodes are considered.
type EdgeSearch struct {
	GroupID   string
	Fact      string
	Embedding []float32
	NodeUUIDs []string
	Limit     int
	MinScore  float64
}

// EpisodeCommit is everything produced for one episode. It is written as a
// single unit: either all of it becomes visible or none of it does.
type EpisodeCommit struct {
	Episode          *types.Episode
	Nodes            []*types.Node
	Edges            []*types.Edge
	InvalidatedEdges []*types.Edge
	// UUIDMap maps extracted node uuids to the canonical uuid they resolved to.
	UUIDMap map[string]string
}

// NodeReader looks up canonical entities.
type NodeReader interface {
	GetNodes(ctx context.Context, uuids []string) ([]*types.Node, error)
	SearchNodes(ctx context.Context, query NodeSearch) ([]*types.Node, error)
}

// EdgeReader looks up existing facts.
type EdgeReader interface {
	GetEdges(ctx context.Context, uuids []string) ([]*types.Edge, error)
	// GetEdgesBetween returns facts connecting the two nodes in either direction.
	GetEdgesBetween(ctx context.Context, sourceUUID, targetUUID, groupID string) ([]*types.Edge, error)
	SearchEdges(ctx context.Context, query EdgeSearch) ([]*types.Edge, error)
}

// EpisodeStore persists episodes and their extraction results.
type EpisodeStore interface {
	// RetrieveEpisodes returns up to lastN episodes of the group whose reference
	// time is before the given instant, oldest first.
	RetrieveEpisodes(ctx context.Context, groupID string, before time.Time, lastN int) ([]*types.Episode, error)
	SaveEpisodeResult(ctx context.Context, commit *EpisodeCommit) error
}

// GraphDriver is the storage boundary of the pipeline.
type GraphDriver interface {
	NodeReader
	EdgeReader
	EpisodeStore
	Provider() GraphProvider
	Close() error
}

func (q NodeSearch) limit() int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	return q.Limit
}

func (q EdgeSearch) limit() int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	return q.Limit
}

// scoreText is the fraction of query tokens that also occur in text, after
// exact-match normalisation.
func scoreText(query, text string) float64 {
	queryTokens := strings.Fields(utils.NormalizeStringExact(query))
	if len(queryTokens) == 0 {
		return 0
	}
	textTokens := make(map[string]struct{})
	for _, tok := range strings.Fields(utils.NormalizeStringExact(text)) {
		textTokens[tok] = struct{}{}
	}
	hits := 0
	for _, tok := range queryTokens {
		if _, ok := textTokens[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// candidateScore combines lexical and vector similarity. The higher of the two
// wins so that either signal alone can surface a candidate.
func candidateScore(query, text string, queryEmbedding, embedding []float32) float64 {
	score := 0.0
	if query != "" {
		score = scoreText(query, text)
	}
	if len(queryEmbedding) > 0 && len(embedding) > 0 {
		if cos := utils.CosineSimilarity(queryEmbedding, embedding); cos > score {
			score = cos
		}
	}
	return score
}

func validateCommit(commit *EpisodeCommit) error {
	if commit == nil || commit.Episode == nil {
		return ErrNilCommit
	}
	for _, node := range commit.Nodes {
		if err := node.Validate(); err != nil {
			return err
		}
	}
	for _, edge := range commit.Edges {
		if err := edge.Validate(); err != nil {
			return err
		}
	}
	for _, edge := range commit.InvalidatedEdges {
		if err := edge.Validate(); err != nil {
			return err
		}
	}
	return nil
}
