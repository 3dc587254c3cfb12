package utils

import (
	"container/heap"
	"math"
	"sort"
)

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// vectors differ in length, are empty, or either has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ScoredItem pairs an item with a ranking score.
type ScoredItem[T any] struct {
	Item  T
	Score float64
}

type rankedItem[T any] struct {
	ScoredItem[T]
	index int
}

// minHeap keeps the weakest item on top; among equal scores the later input
// is weaker.
type minHeap[T any] []rankedItem[T]

func (h minHeap[T]) Len() int { return len(h) }
func (h minHeap[T]) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].index > h[j].index
}
func (h minHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap[T]) Push(x any)   { *h = append(*h, x.(rankedItem[T])) }
func (h *minHeap[T]) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// TopKByScore returns the k highest-scoring items in descending score order.
// Equal scores keep input order.
func TopKByScore[T any](items []ScoredItem[T], k int) []ScoredItem[T] {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	if k >= len(items) {
		out := append([]ScoredItem[T](nil), items...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out
	}

	h := make(minHeap[T], 0, k)
	for i, item := range items {
		if h.Len() < k {
			heap.Push(&h, rankedItem[T]{item, i})
		} else if item.Score > h[0].Score {
			heap.Pop(&h)
			heap.Push(&h, rankedItem[T]{item, i})
		}
	}
	out := make([]ScoredItem[T], h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(rankedItem[T]).ScoredItem
	}
	return out
}
