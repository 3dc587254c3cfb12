// Package driver is the storage boundary of the extraction pipeline.
//
// A GraphDriver answers candidate lookups during resolution (SearchNodes,
// GetEdgesBetween, SearchEdges), supplies previous episodes as context, and
// commits each episode's result as a single unit through SaveEpisodeResult.
//
// # Implementations
//
//   - MemoryDriver: in-process graph for tests and embedded use
//   - Neo4jDriver: Neo4j over the official Go driver
//   - IndexedDriver: wraps either one with a VectorIndex (QdrantIndex) for
//     embedding candidates
//
// All implementations are safe for concurrent use.
//
// # Type Helpers
//
// type_helpers.go holds safe conversions from database values to Go types so
// record parsing never panics on a failed type assertion.
package driver
