package chronograph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// ErrNotFound is returned when a node or edge does not exist.
var ErrNotFound = errors.New("not found")

// GetNode retrieves a node by uuid.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	nodes, err := c.driver.GetNodes(ctx, []string{nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", nodeID, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return nodes[0], nil
}

// GetEdge retrieves an edge by uuid.
func (c *Client) GetEdge(ctx context.Context, edgeID string) (*types.Edge, error) {
	edges, err := c.driver.GetEdges(ctx, []string{edgeID})
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %s: %w", edgeID, err)
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("edge %s: %w", edgeID, ErrNotFound)
	}
	return edges[0], nil
}

// GetEpisodes retrieves the most recent episodes of a group, oldest first.
// An empty groupID uses the configured group.
func (c *Client) GetEpisodes(ctx context.Context, groupID string, limit int) ([]*types.Episode, error) {
	if groupID == "" {
		groupID = c.config.GroupID
	}
	return c.driver.RetrieveEpisodes(ctx, groupID, time.Now().UTC().Add(time.Second), limit)
}

// ActiveFacts returns the facts between two entities that hold at t. Facts
// closed by later episodes still hold at instants before their end. An empty
// groupID uses the configured group.
func (c *Client) ActiveFacts(ctx context.Context, groupID, sourceUUID, targetUUID string, t time.Time) ([]*types.Edge, error) {
	if groupID == "" {
		groupID = c.config.GroupID
	}
	edges, err := c.driver.GetEdgesBetween(ctx, sourceUUID, targetUUID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}
	var active []*types.Edge
	for _, edge := range edges {
		if edge.IsActiveAt(t) {
			active = append(active, edge)
		}
	}
	return active, nil
}
