package types

import (
	"time"
)

// DefaultFactType is the fact type assigned when no supplied type applies.
const DefaultFactType = "DEFAULT"

// EdgeTypeDefinition is a relation type hint. SourceTypes and TargetTypes form
// the predicate signature; empty slices match any entity type.
type EdgeTypeDefinition struct {
	Name        string   `json:"fact_type_name"`
	Description string   `json:"fact_type_description"`
	SourceTypes []string `json:"source_entity_types,omitempty"`
	TargetTypes []string `json:"target_entity_types,omitempty"`
	// Attributes maps each declared fact attribute to its description.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ExtractedEdge is a fact produced by edge extraction. Entity IDs index the
// entity list supplied to the extraction call.
type ExtractedEdge struct {
	RelationType   string     `json:"relation_type"`
	SourceEntityID int        `json:"source_entity_id"`
	TargetEntityID int        `json:"target_entity_id"`
	Fact           string     `json:"fact"`
	ValidAt        *time.Time `json:"valid_at"`
	InvalidAt      *time.Time `json:"invalid_at"`
}

// Validate checks the edge against an entity set of the given size.
func (e *ExtractedEdge) Validate(entityCount int) error {
	if e.Fact == "" {
		return ErrEmptyFact
	}
	if e.SourceEntityID < 0 || e.SourceEntityID >= entityCount ||
		e.TargetEntityID < 0 || e.TargetEntityID >= entityCount {
		return ErrEndpointOutOfRange
	}
	if e.SourceEntityID == e.TargetEntityID {
		return ErrSelfLoop
	}
	if e.ValidAt != nil && e.InvalidAt != nil && e.ValidAt.After(*e.InvalidAt) {
		return ErrTemporalOrder
	}
	return nil
}

// Edge is a directed, typed, temporally bounded fact between two nodes.
type Edge struct {
	Uuid           string         `json:"uuid"`
	GroupID        string         `json:"group_id"`
	SourceNodeUUID string         `json:"source_node_uuid"`
	TargetNodeUUID string         `json:"target_node_uuid"`
	Name           string         `json:"name"`
	Fact           string         `json:"fact"`
	FactType       string         `json:"fact_type,omitempty"`
	Episodes       []string       `json:"episodes,omitempty"`
	ValidAt        *time.Time     `json:"valid_at,omitempty"`
	InvalidAt      *time.Time     `json:"invalid_at,omitempty"`
	ExpiredAt      *time.Time     `json:"expired_at,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	FactEmbedding  []float32      `json:"fact_embedding,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate checks if the Edge has all required fields set and is temporally ordered.
func (e *Edge) Validate() error {
	if e.Uuid == "" {
		return ErrEmptyUUID
	}
	if e.Fact == "" {
		return ErrEmptyFact
	}
	if e.SourceNodeUUID == e.TargetNodeUUID {
		return ErrSelfLoop
	}
	if e.ValidAt != nil && e.InvalidAt != nil && e.ValidAt.After(*e.InvalidAt) {
		return ErrTemporalOrder
	}
	return nil
}

// IsActiveAt reports whether the fact holds at the given instant.
func (e *Edge) IsActiveAt(t time.Time) bool {
	if e.ValidAt != nil && t.Before(*e.ValidAt) {
		return false
	}
	if e.InvalidAt != nil && !t.Before(*e.InvalidAt) {
		return false
	}
	return true
}

// Clone returns a copy of the edge that shares no mutable state with the original.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Episodes = append([]string(nil), e.Episodes...)
	if e.Attributes != nil {
		c.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	c.ValidAt = copyTime(e.ValidAt)
	c.InvalidAt = copyTime(e.InvalidAt)
	c.ExpiredAt = copyTime(e.ExpiredAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FactResolution is the verdict for one new fact against existing facts.
// Indices refer to the candidate lists that were presented.
type FactResolution struct {
	DuplicateFacts    []int  `json:"duplicate_facts"`
	ContradictedFacts []int  `json:"contradicted_facts"`
	FactType          string `json:"fact_type"`
}

// FactCluster is one surviving fact of a list level fact dedup, with the
// uuids of every input fact merged into it (its own uuid included).
type FactCluster struct {
	UUID       string   `json:"uuid"`
	Fact       string   `json:"fact"`
	MergedFrom []string `json:"merged_from"`
}
