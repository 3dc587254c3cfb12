package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/chronograph/pkg/config"
)

// New builds the configured GraphDriver. When the vector section is enabled the
// driver is wrapped with a QdrantIndex whose collection is created for vectors
// of the given dimensions.
func New(ctx context.Context, db config.DatabaseConfig, vector config.VectorConfig, dimensions int, logger *slog.Logger) (GraphDriver, error) {
	var graph GraphDriver
	switch GraphProvider(db.Driver) {
	case "", GraphProviderMemory:
		graph = NewMemoryDriver()
	case GraphProviderNeo4j:
		neo, err := NewNeo4jDriver(db.URI, db.Username, db.Password, db.Database)
		if err != nil {
			return nil, err
		}
		if err := neo.CreateIndices(ctx); err != nil {
			neo.Close()
			return nil, fmt.Errorf("failed to create indices: %w", err)
		}
		graph = neo
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, db.Driver)
	}

	if !vector.Enabled {
		return graph, nil
	}
	index, err := NewQdrantIndex(vector.Address, vector.Collection)
	if err != nil {
		graph.Close()
		return nil, err
	}
	if dimensions > 0 {
		if err := index.EnsureCollection(ctx, uint64(dimensions)); err != nil {
			index.Close()
			graph.Close()
			return nil, err
		}
	}
	return NewIndexedDriver(graph, index, logger), nil
}
