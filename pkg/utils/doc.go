// Package utils provides helpers shared by the extraction engines.
//
// This package contains:
//   - Environment knobs and identifiers (helpers.go)
//   - Bounded concurrent execution and panic recovery (concurrent.go, recovery.go)
//   - A disjoint-set for duplicate grouping (unionfind.go)
//   - Name normalisation, canonical name choice and MinHash indexes (names.go)
//   - Temporal expression parsing (temporal.go)
//   - Word-bounded summaries (text.go)
//   - Vector similarity and top-k selection (vector.go)
package utils
