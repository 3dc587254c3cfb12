package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// ErrInvalidEpisodeID is returned when an episode ID contains invalid characters
var ErrInvalidEpisodeID = errors.New("invalid episode ID: contains path traversal or invalid characters")

// Step is a completed pipeline stage.
type Step string

const (
	StepInitial        Step = "initial"
	StepExtractedNodes Step = "extracted_nodes"
	StepResolvedNodes  Step = "resolved_nodes"
	StepExtractedEdges Step = "extracted_edges"
	StepResolvedEdges  Step = "resolved_edges"
	StepBackfilled     Step = "backfilled_attributes"
	StepEmbedded       Step = "embedded"
	StepCommitted      Step = "committed"
)

var stepOrder = []Step{
	StepInitial,
	StepExtractedNodes,
	StepResolvedNodes,
	StepExtractedEdges,
	StepResolvedEdges,
	StepBackfilled,
	StepEmbedded,
	StepCommitted,
}

func (s Step) index() int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// EpisodeCheckpoint is the in-flight state of one episode. Every field needed
// to resume after a stage is stored with that stage.
type EpisodeCheckpoint struct {
	EpisodeID     string    `json:"episode_id"`
	GroupID       string    `json:"group_id"`
	Step          Step      `json:"step"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`

	Episode types.Episode `json:"episode"`

	ExtractedNodes         []*types.Node `json:"extracted_nodes,omitempty"`
	NodeReflexionExhausted bool          `json:"node_reflexion_exhausted,omitempty"`

	ResolvedNodes []*types.Node     `json:"resolved_nodes,omitempty"`
	UUIDMap       map[string]string `json:"uuid_map,omitempty"`

	ExtractedEdges         []*types.Edge `json:"extracted_edges,omitempty"`
	DroppedEdges           int           `json:"dropped_edges,omitempty"`
	EdgeReflexionExhausted bool          `json:"edge_reflexion_exhausted,omitempty"`

	ResolvedEdges    []*types.Edge `json:"resolved_edges,omitempty"`
	InvalidatedEdges []*types.Edge `json:"invalidated_edges,omitempty"`
}

// Store persists checkpoints. Load returns (nil, nil) when none exists.
type Store interface {
	Save(ctx context.Context, checkpoint *EpisodeCheckpoint) error
	Load(ctx context.Context, episodeID string) (*EpisodeCheckpoint, error)
	Delete(ctx context.Context, episodeID string) error
	List(ctx context.Context) ([]*EpisodeCheckpoint, error)
	Close() error
}

// NewCheckpoint creates a checkpoint for an episode at the initial step.
func NewCheckpoint(episode types.Episode) *EpisodeCheckpoint {
	now := time.Now().UTC()
	return &EpisodeCheckpoint{
		EpisodeID:     episode.ID,
		GroupID:       episode.GroupID,
		Step:          StepInitial,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Episode:       episode,
	}
}

// Reached reports whether the checkpoint has completed step.
func (c *EpisodeCheckpoint) Reached(step Step) bool {
	if c == nil {
		return false
	}
	current, target := c.Step.index(), step.index()
	return current >= 0 && target >= 0 && current >= target
}

// Advance moves the checkpoint forward to step. Moving backwards is ignored.
func (c *EpisodeCheckpoint) Advance(step Step) {
	if step.index() > c.Step.index() {
		c.Step = step
	}
}

// RecordFailure counts an attempt and keeps the error for inspection.
func (c *EpisodeCheckpoint) RecordFailure(err error) {
	c.AttemptCount++
	if err == nil {
		return
	}
	c.LastError = err.Error()
	if ue, ok := types.AsUnitError(err); ok {
		c.LastErrorKind = string(ue.Kind)
	}
}

// CanRetry determines if a checkpoint should be retried based on attempt count and age
func (c *EpisodeCheckpoint) CanRetry(maxAttempts int, maxAge time.Duration) bool {
	if c.AttemptCount >= maxAttempts {
		return false
	}
	return time.Since(c.CreatedAt) <= maxAge
}

// GetProgress returns a human-readable progress description
func (c *EpisodeCheckpoint) GetProgress() string {
	idx := c.Step.index()
	if idx < 0 {
		return "Unknown step"
	}
	percentage := float64(idx) / float64(len(stepOrder)-1) * 100
	return fmt.Sprintf("%.0f%% (%s)", percentage, c.Step)
}

// validateEpisodeID rejects IDs that are empty or could escape a directory.
func validateEpisodeID(episodeID string) error {
	if episodeID == "" ||
		strings.Contains(episodeID, "..") ||
		strings.ContainsAny(episodeID, `/\`) ||
		strings.ContainsRune(episodeID, '\x00') {
		return ErrInvalidEpisodeID
	}
	return nil
}
