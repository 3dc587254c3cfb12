// Package search retrieves the existing entities and facts that newly
// extracted ones are resolved against.
//
// # Candidates
//
// NodeCandidates runs a lexical name search and, when an embedder or a name
// embedding is available, a vector search for every extracted entity, then
// fuses the two ranked lists with reciprocal rank fusion (RRF).
//
// EdgeCandidates splits the existing facts around a new fact into duplicate
// candidates (same two entities) and invalidation candidates (facts touching
// either entity). Invalidation candidates may be reordered with maximal
// marginal relevance (MMR) before they are truncated.
//
// # Usage
//
//	searcher := search.NewSearcher(graph, embedderClient, search.DefaultConfig())
//	candidates, err := searcher.NodeCandidates(ctx, groupID, extracted)
package search
