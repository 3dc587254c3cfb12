package search

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/soundprediction/chronograph/pkg/utils"
)

const (
	// DefaultRankConstant is the k in 1/(rank+k) for reciprocal rank fusion.
	DefaultRankConstant = 1
	// DefaultMMRLambda weighs relevance against diversity.
	DefaultMMRLambda = 0.5
)

// ErrDimensionMismatch reports vectors that cannot be compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// RRF (Reciprocal Rank Fusion) reranks search results by combining multiple
// ranked lists. Ties keep the order in which a uuid was first seen.
func RRF(results [][]string, rankConstant int, minScore float64) ([]string, []float64) {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	scores := make(map[string]float64)
	var order []string
	for _, result := range results {
		for i, uuid := range result {
			if _, exists := scores[uuid]; !exists {
				order = append(order, uuid)
			}
			scores[uuid] += 1.0 / float64(i+rankConstant)
		}
	}

	uuids := make([]string, 0, len(order))
	for _, uuid := range order {
		if scores[uuid] >= minScore {
			uuids = append(uuids, uuid)
		}
	}
	sort.SliceStable(uuids, func(i, j int) bool {
		return scores[uuids[i]] > scores[uuids[j]]
	})

	scoreList := make([]float64, len(uuids))
	for i, uuid := range uuids {
		scoreList[i] = scores[uuid]
	}
	return uuids, scoreList
}

// MaximalMarginalRelevance (MMR) reranks candidates to balance relevance to
// the query against redundancy with each other. order fixes the iteration
// order of candidates so equal scores are deterministic. Every candidate must
// have the query's dimension.
func MaximalMarginalRelevance(queryVector []float32, order []string, candidates map[string][]float32, mmrLambda float64, minScore float64) ([]string, []float64, error) {
	if mmrLambda == 0 {
		mmrLambda = DefaultMMRLambda
	}
	if len(candidates) == 0 {
		return []string{}, []float64{}, nil
	}

	uuids := make([]string, 0, len(order))
	vectors := make(map[string][]float32, len(candidates))
	for _, uuid := range order {
		embedding, ok := candidates[uuid]
		if !ok {
			continue
		}
		if len(embedding) != len(queryVector) {
			return nil, nil, fmt.Errorf("%w: candidate %s has %d dimensions, query has %d", ErrDimensionMismatch, uuid, len(embedding), len(queryVector))
		}
		vectors[uuid] = normalizeL2(embedding)
		uuids = append(uuids, uuid)
	}
	query := normalizeL2(queryVector)

	mmrScores := make(map[string]float64, len(uuids))
	for _, uuid := range uuids {
		maxSim := 0.0
		for _, other := range uuids {
			if other == uuid {
				continue
			}
			if sim := utils.CosineSimilarity(vectors[uuid], vectors[other]); sim > maxSim {
				maxSim = sim
			}
		}
		// λ * query_sim - (1-λ) * max_doc_sim
		mmrScores[uuid] = mmrLambda*utils.CosineSimilarity(query, vectors[uuid]) - (1-mmrLambda)*maxSim
	}

	kept := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		if mmrScores[uuid] >= minScore {
			kept = append(kept, uuid)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return mmrScores[kept[i]] > mmrScores[kept[j]]
	})

	scores := make([]float64, len(kept))
	for i, uuid := range kept {
		scores[i] = mmrScores[uuid]
	}
	return kept, scores, nil
}

// normalizeL2 performs L2 normalization on a vector
func normalizeL2(vector []float32) []float32 {
	if len(vector) == 0 {
		return vector
	}

	var norm float64
	for _, val := range vector {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, val := range vector {
		normalized[i] = float32(float64(val) / norm)
	}
	return normalized
}
