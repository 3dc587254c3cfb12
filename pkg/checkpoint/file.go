package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one JSON file per episode.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir.
// If dir is empty, uses os.TempDir()/chronograph-checkpoints.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chronograph-checkpoints")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory path.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(episodeID string) (string, error) {
	if err := validateEpisodeID(episodeID); err != nil {
		return "", err
	}
	full := filepath.Join(s.dir, "checkpoint_"+episodeID+".json")
	rel, err := filepath.Rel(s.dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidEpisodeID
	}
	return full, nil
}

// Save writes the checkpoint through a temporary file and rename.
func (s *FileStore) Save(ctx context.Context, checkpoint *EpisodeCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(checkpoint.EpisodeID)
	if err != nil {
		return err
	}

	checkpoint.LastUpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// Load reads a checkpoint, returning (nil, nil) when none exists.
func (s *FileStore) Load(ctx context.Context, episodeID string) (*EpisodeCheckpoint, error) {
	path, err := s.path(episodeID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var cp EpisodeCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *FileStore) Delete(ctx context.Context, episodeID string) error {
	path, err := s.path(episodeID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// List returns every readable checkpoint in the directory.
func (s *FileStore) List(ctx context.Context) ([]*EpisodeCheckpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var out []*EpisodeCheckpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp EpisodeCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// CleanOld removes checkpoints not updated within maxAge.
func CleanOld(ctx context.Context, store Store, maxAge time.Duration) (int, error) {
	checkpoints, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, cp := range checkpoints {
		if cp.LastUpdatedAt.Before(cutoff) {
			if err := store.Delete(ctx, cp.EpisodeID); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, nil
}
