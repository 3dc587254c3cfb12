package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(id string) *EpisodeCheckpoint {
	cp := NewCheckpoint(types.Episode{
		ID:        id,
		Name:      "standup",
		Content:   "Alice: I joined Acme Corp in 2019.",
		Type:      types.MessageEpisodeType,
		Reference: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		GroupID:   "team",
	})
	cp.Advance(StepResolvedNodes)
	cp.ResolvedNodes = []*types.Node{{Uuid: "n1", Name: "Alice"}, {Uuid: "n2", Name: "Acme Corp"}}
	cp.UUIDMap = map[string]string{"x1": "n1"}
	return cp
}

func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	missing, err := store.Load(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cp := sampleCheckpoint("ep-1")
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "ep-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StepResolvedNodes, loaded.Step)
	assert.Equal(t, "team", loaded.GroupID)
	assert.Equal(t, "n1", loaded.UUIDMap["x1"])
	require.Len(t, loaded.ResolvedNodes, 2)
	assert.Equal(t, "Acme Corp", loaded.ResolvedNodes[1].Name)
	assert.True(t, loaded.Episode.Reference.Equal(cp.Episode.Reference))

	require.NoError(t, store.Save(ctx, sampleCheckpoint("ep-2")))
	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "ep-1"))
	gone, err := store.Load(ctx, "ep-1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorIs(t, store.Save(ctx, sampleCheckpoint("../escape")), ErrInvalidEpisodeID)
	_, err = store.Load(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidEpisodeID)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, dir, store.Dir())
	runStoreContract(t, store)

	// temporary files never linger after a save
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_bad.json"), []byte("{"), 0o644))
	require.NoError(t, store.Save(context.Background(), sampleCheckpoint("good")))

	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].EpisodeID)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := NewBadgerStore("")
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleCheckpoint("persisted")))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Load(context.Background(), "persisted")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, StepResolvedNodes, cp.Step)
}

func TestCheckpointSteps(t *testing.T) {
	cp := NewCheckpoint(types.Episode{ID: "e"})
	assert.True(t, cp.Reached(StepInitial))
	assert.False(t, cp.Reached(StepExtractedNodes))

	cp.Advance(StepExtractedEdges)
	assert.True(t, cp.Reached(StepResolvedNodes))
	assert.False(t, cp.Reached(StepCommitted))

	cp.Advance(StepExtractedNodes)
	assert.Equal(t, StepExtractedEdges, cp.Step, "advance never moves backwards")

	assert.Equal(t, "43% (extracted_edges)", cp.GetProgress())

	var nilCP *EpisodeCheckpoint
	assert.False(t, nilCP.Reached(StepInitial))
}

func TestRecordFailure(t *testing.T) {
	cp := NewCheckpoint(types.Episode{ID: "e"})
	cp.RecordFailure(types.NewUnitError(types.UnitEpisode, "e", "extract_nodes", types.FailureOracleTimeout, errors.New("deadline")))
	assert.Equal(t, 1, cp.AttemptCount)
	assert.Equal(t, "oracle_timeout", cp.LastErrorKind)
	assert.Contains(t, cp.LastError, "deadline")

	assert.True(t, cp.CanRetry(3, time.Hour))
	cp.AttemptCount = 3
	assert.False(t, cp.CanRetry(3, time.Hour))
}

func TestCleanOld(t *testing.T) {
	store, err := NewBadgerStore("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleCheckpoint("fresh")))

	removed, err := CleanOld(ctx, store, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = CleanOld(ctx, store, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
