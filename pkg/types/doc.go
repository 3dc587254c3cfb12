// Package types defines the core data types for the chronograph extraction pipeline.
//
// This package contains the fundamental types shared by every stage:
//   - Episode: a unit of source content with a reference time
//   - EntityTypeDefinition / EdgeTypeDefinition: caller supplied type hints
//   - ExtractedEntity / ExtractedEdge: transient oracle output before resolution
//   - Node / Edge: canonical entities and temporally bounded facts
//   - Message / Response: the role tagged conversation exchanged with a language model
//   - UnitError: a classified failure naming the episode, entity or fact it belongs to
//
// # Validation
//
// Types provide Validate() methods for input validation:
//
//	episode := &types.Episode{Content: "Alice: hi", Type: types.MessageEpisodeType, Reference: now}
//	if err := episode.Validate(); err != nil {
//	    // Handle validation error
//	}
//
// # JSON Serialization
//
// All types are JSON-serializable. Timestamps are emitted as RFC 3339 strings in UTC.
package types
