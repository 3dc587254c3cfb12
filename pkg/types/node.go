package types

import (
	"time"
)

// DefaultEntityTypeName is the classification used when no supplied type matches.
const DefaultEntityTypeName = "Entity"

// EntityTypeDefinition describes a caller supplied entity classification.
// IDs are only stable within one extraction call; ID 0 is reserved for the
// default "Entity" classification.
type EntityTypeDefinition struct {
	ID          int               `json:"entity_type_id"`
	Name        string            `json:"entity_type_name"`
	Description string            `json:"entity_type_description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ExtractedEntity is an entity mention produced by node extraction.
// A nil EntityTypeID means the mention is unclassified.
type ExtractedEntity struct {
	Name         string `json:"name"`
	EntityTypeID *int   `json:"entity_type_id"`
}

// Node is a canonical entity in the knowledge graph.
type Node struct {
	Uuid          string         `json:"uuid"`
	Name          string         `json:"name"`
	GroupID       string         `json:"group_id"`
	EntityType    string         `json:"entity_type,omitempty"`
	Labels        []string       `json:"labels,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	NameEmbedding []float32      `json:"name_embedding,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks if the Node has all required fields set.
func (n *Node) Validate() error {
	if n.Uuid == "" {
		return ErrEmptyUUID
	}
	if n.Name == "" {
		return ErrEmptyName
	}
	return nil
}

// Clone returns a deep copy of the node's mutable maps and slices.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Labels != nil {
		c.Labels = append([]string(nil), n.Labels...)
	}
	if n.Attributes != nil {
		c.Attributes = make(map[string]any, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	if n.NameEmbedding != nil {
		c.NameEmbedding = append([]float32(nil), n.NameEmbedding...)
	}
	return &c
}

// NodePair links an extracted node to the existing node it duplicates.
type NodePair struct {
	Extracted *Node `json:"extracted"`
	Existing  *Node `json:"existing"`
}

// NodeGroup is one class of a list level node partition.
type NodeGroup struct {
	UUIDs   []string `json:"uuids"`
	Summary string   `json:"summary"`
}
