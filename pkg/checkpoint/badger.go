package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "checkpoint/"

// BadgerStore keeps checkpoints in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a badger database in dir.
// An empty dir opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func key(episodeID string) []byte {
	return []byte(keyPrefix + episodeID)
}

// Save writes the checkpoint in a single transaction.
func (s *BadgerStore) Save(ctx context.Context, checkpoint *EpisodeCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEpisodeID(checkpoint.EpisodeID); err != nil {
		return err
	}
	checkpoint.LastUpdatedAt = time.Now().UTC()
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(checkpoint.EpisodeID), data)
	})
}

// Load reads a checkpoint, returning (nil, nil) when none exists.
func (s *BadgerStore) Load(ctx context.Context, episodeID string) (*EpisodeCheckpoint, error) {
	if err := validateEpisodeID(episodeID); err != nil {
		return nil, err
	}
	var cp *EpisodeCheckpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(episodeID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cp = &EpisodeCheckpoint{}
			return json.Unmarshal(val, cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", episodeID, err)
	}
	return cp, nil
}

// Delete removes a checkpoint.
func (s *BadgerStore) Delete(ctx context.Context, episodeID string) error {
	if err := validateEpisodeID(episodeID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(episodeID))
	})
}

// List returns every stored checkpoint.
func (s *BadgerStore) List(ctx context.Context) ([]*EpisodeCheckpoint, error) {
	var out []*EpisodeCheckpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var cp EpisodeCheckpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return err
				}
				out = append(out, &cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
