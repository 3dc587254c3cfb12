package types

import (
	"time"
)

// ExtractionResults is the in-memory outcome of one episode's pipeline run.
// Nothing in it is durable until the caller commits it as a unit.
type ExtractionResults struct {
	EpisodeID string `json:"episode_id"`

	// Nodes are the resolved canonical nodes touched by the episode.
	Nodes []*Node `json:"nodes"`

	// UUIDMap maps each freshly extracted node uuid to its canonical uuid.
	UUIDMap map[string]string `json:"uuid_map"`

	// Edges are the resolved facts asserted by the episode.
	Edges []*Edge `json:"edges"`

	// InvalidatedEdges are existing facts closed by the episode.
	InvalidatedEdges []*Edge `json:"invalidated_edges"`

	// DroppedEdges counts extracted edges rejected by validation.
	DroppedEdges int `json:"dropped_edges"`

	// NodeReflexionExhausted and EdgeReflexionExhausted report a reflexion
	// loop that stopped at its round budget rather than converging.
	NodeReflexionExhausted bool `json:"node_reflexion_exhausted"`
	EdgeReflexionExhausted bool `json:"edge_reflexion_exhausted"`

	// ItemErrors holds per-entity and per-fact failures that were isolated
	// from the rest of the batch.
	ItemErrors []*UnitError `json:"-"`

	ExtractionTime time.Duration `json:"extraction_time"`
}

// NodeCount returns the number of resolved nodes.
func (r *ExtractionResults) NodeCount() int {
	if r == nil {
		return 0
	}
	return len(r.Nodes)
}

// EdgeCount returns the number of resolved edges.
func (r *ExtractionResults) EdgeCount() int {
	if r == nil {
		return 0
	}
	return len(r.Edges)
}

// IsEmpty returns true if no entities or relationships were produced.
func (r *ExtractionResults) IsEmpty() bool {
	return r.NodeCount() == 0 && r.EdgeCount() == 0
}
