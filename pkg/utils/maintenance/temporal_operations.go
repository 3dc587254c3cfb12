package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/soundprediction/chronograph/pkg/nlp"
	"github.com/soundprediction/chronograph/pkg/prompts"
	"github.com/soundprediction/chronograph/pkg/types"
	"github.com/soundprediction/chronograph/pkg/utils"
)

// TemporalOperations provides temporal analysis and edge dating operations
type TemporalOperations struct {
	nlProcessor    nlp.Client
	prompts        prompts.Library
	logger         *slog.Logger
	LenientParsing bool

	clock func() time.Time
}

// NewTemporalOperations creates a new TemporalOperations instance
func NewTemporalOperations(nlProcessor nlp.Client, prompts prompts.Library, logger *slog.Logger) *TemporalOperations {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemporalOperations{
		nlProcessor: nlProcessor,
		prompts:     prompts,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets a custom logger for the TemporalOperations
func (to *TemporalOperations) SetLogger(logger *slog.Logger) {
	if logger != nil {
		to.logger = logger
	}
}

// ExtractEdgeDates extracts the validity interval of a fact from the episode
// that states it. Relative expressions resolve against the episode's
// reference time. An interval that ends before it starts is rejected.
func (to *TemporalOperations) ExtractEdgeDates(ctx context.Context, edge *types.Edge, episode *types.Episode, previousEpisodes []*types.Episode) (*time.Time, *time.Time, error) {
	start := time.Now()
	reference := episode.ReferenceUTC()

	messages, err := to.prompts.ExtractEdgeDates().V1().Call(prompts.EdgeDatesContext{
		PreviousEpisodes:   episodeContents(previousEpisodes),
		CurrentEpisode:     episode.Content,
		ReferenceTimestamp: reference,
		EdgeFact:           edge.Fact,
	})
	if err != nil {
		return nil, nil, unitFailure(types.UnitFact, edge.Uuid, StageEdgeDates, fmt.Errorf("failed to create edge dates prompt: %w", err))
	}

	dates, err := generate[prompts.EdgeDates](ctx, to.nlProcessor, messages, "EdgeDates", StageEdgeDates, to.LenientParsing, to.logger)
	if err != nil {
		return nil, nil, unitFailure(types.UnitFact, edge.Uuid, StageEdgeDates, err)
	}

	validAt := to.parseDate(dates.ValidAt, reference, "valid_at")
	invalidAt := to.parseDate(dates.InvalidAt, reference, "invalid_at")
	if validAt != nil && invalidAt != nil && validAt.After(*invalidAt) {
		return nil, nil, types.NewUnitError(types.UnitFact, edge.Uuid, StageEdgeDates, types.FailureValidation,
			fmt.Errorf("%w: valid_at %s is after invalid_at %s", types.ErrTemporalOrder,
				utils.FormatTemporal(validAt), utils.FormatTemporal(invalidAt)))
	}

	to.logger.Debug("Extracted edge dates",
		"edge_uuid", edge.Uuid,
		"valid_at", utils.FormatTemporal(validAt),
		"invalid_at", utils.FormatTemporal(invalidAt),
		"duration", time.Since(start))
	return validAt, invalidAt, nil
}

func (to *TemporalOperations) parseDate(value *string, reference time.Time, field string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := utils.ParseTemporal(*value, reference)
	if err != nil {
		to.logger.Warn("Ignoring unparseable date", "field", field, "value", *value, "error", err)
		return nil
	}
	return t
}

// GetEdgeContradictions asks which existing facts the new fact contradicts.
// Existing facts are presented newest first. nodeNames renders endpoints by
// name; unknown endpoints are shown by uuid. Indices the oracle invents are
// ignored.
func (to *TemporalOperations) GetEdgeContradictions(ctx context.Context, newEdge *types.Edge, existingEdges []*types.Edge, nodeNames map[string]string) ([]*types.Edge, error) {
	existing := sortNewestFirst(excludeEdge(existingEdges, newEdge.Uuid))
	if len(existing) == 0 {
		return nil, nil
	}

	name := func(uuid string) string {
		if n, ok := nodeNames[uuid]; ok && n != "" {
			return n
		}
		return uuid
	}
	render := func(id int, e *types.Edge) prompts.InvalidationEdge {
		return prompts.InvalidationEdge{
			ID:        id,
			UUID:      e.Uuid,
			Source:    name(e.SourceNodeUUID),
			Name:      e.Name,
			Target:    name(e.TargetNodeUUID),
			Fact:      e.Fact,
			ValidAt:   e.ValidAt,
			InvalidAt: e.InvalidAt,
		}
	}

	promptContext := prompts.InvalidateEdgesContext{
		ExistingEdges: make([]prompts.InvalidationEdge, len(existing)),
		NewEdges:      []prompts.InvalidationEdge{render(len(existing), newEdge)},
	}
	for i, e := range existing {
		promptContext.ExistingEdges[i] = render(i, e)
	}

	messages, err := to.prompts.InvalidateEdges().V2().Call(promptContext)
	if err != nil {
		return nil, unitFailure(types.UnitFact, newEdge.Uuid, StageInvalidateEdges, fmt.Errorf("failed to create invalidation prompt: %w", err))
	}
	verdict, err := generate[prompts.InvalidatedEdges](ctx, to.nlProcessor, messages, "InvalidatedEdges", StageInvalidateEdges, to.LenientParsing, to.logger)
	if err != nil {
		return nil, unitFailure(types.UnitFact, newEdge.Uuid, StageInvalidateEdges, err)
	}

	seen := make(map[int]bool)
	var contradicted []*types.Edge
	for _, idx := range verdict.ContradictedFacts {
		if idx < 0 || idx >= len(existing) {
			to.logger.Warn("Dropping contradiction index out of range", "edge_uuid", newEdge.Uuid, "index", idx)
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			contradicted = append(contradicted, existing[idx])
		}
	}
	return contradicted, nil
}

// ApplyTemporalInvalidation applies the outcome of a contradiction verdict.
// It updates resolved in place and returns closed copies of the contradicted
// facts it invalidates; the contradicted slice itself is never modified.
// Contradicted facts are closed against the dates resolved was stated with.
//
// A new fact that only states when something ended takes its start from the
// fact it contradicts. A new fact that is already closed, or that an older
// stated but newer valid contradicted fact supersedes, is expired.
func (to *TemporalOperations) ApplyTemporalInvalidation(resolved *types.Edge, contradicted []*types.Edge) []*types.Edge {
	now := to.clock()
	stated := resolved.Clone()

	candidates := make([]*types.Edge, 0, len(contradicted))
	for _, c := range contradicted {
		if c != nil && c.Uuid != resolved.Uuid {
			candidates = append(candidates, c)
		}
	}

	if resolved.ValidAt == nil && resolved.InvalidAt != nil {
		for _, c := range candidates {
			if c.ValidAt != nil && !c.ValidAt.After(*resolved.InvalidAt) {
				resolved.ValidAt = timePtr(*c.ValidAt)
				break
			}
		}
	}

	if resolved.InvalidAt != nil && resolved.ExpiredAt == nil {
		resolved.ExpiredAt = timePtr(now)
	}

	if resolved.ValidAt != nil && resolved.ExpiredAt == nil {
		byStart := append([]*types.Edge(nil), candidates...)
		sort.SliceStable(byStart, func(i, j int) bool {
			a, b := byStart[i].ValidAt, byStart[j].ValidAt
			if a == nil || b == nil {
				return a != nil
			}
			return a.Before(*b)
		})
		for _, c := range byStart {
			if c.ValidAt != nil && c.ValidAt.After(*resolved.ValidAt) {
				resolved.InvalidAt = timePtr(*c.ValidAt)
				resolved.ExpiredAt = timePtr(now)
				break
			}
		}
	}

	return to.ResolveEdgeContradictions(stated, candidates)
}

// ResolveEdgeContradictions closes the validity of each candidate the
// resolved fact supersedes and returns the closed copies.
//
// Candidates whose interval does not overlap the resolved fact are left
// alone. A candidate that started before the resolved fact ends when it
// starts. When the resolved fact carries an end, a candidate starting with
// or after it ends at that end, unless it had already ended. When the
// resolved fact carries no dates the candidate is expired without a
// validity end.
func (to *TemporalOperations) ResolveEdgeContradictions(resolved *types.Edge, candidates []*types.Edge) []*types.Edge {
	now := to.clock()
	var invalidated []*types.Edge

	for _, candidate := range candidates {
		if candidate == nil || candidate.Uuid == resolved.Uuid {
			continue
		}
		if candidate.InvalidAt != nil && resolved.ValidAt != nil && !candidate.InvalidAt.After(*resolved.ValidAt) {
			continue
		}
		if resolved.InvalidAt != nil && candidate.ValidAt != nil && !resolved.InvalidAt.After(*candidate.ValidAt) {
			continue
		}

		var end *time.Time
		switch {
		case resolved.ValidAt != nil:
			switch {
			case candidate.ValidAt == nil || candidate.ValidAt.Before(*resolved.ValidAt):
				end = resolved.ValidAt
			case resolved.InvalidAt != nil:
				if candidate.InvalidAt != nil && !candidate.InvalidAt.After(*resolved.InvalidAt) {
					continue
				}
				end = resolved.InvalidAt
			default:
				continue
			}
		case resolved.InvalidAt != nil:
			if candidate.InvalidAt != nil && !candidate.InvalidAt.After(*resolved.InvalidAt) {
				continue
			}
			end = resolved.InvalidAt
		}

		closed := candidate.Clone()
		if end != nil {
			closed.InvalidAt = timePtr(*end)
		}
		if closed.ExpiredAt == nil {
			closed.ExpiredAt = timePtr(now)
		}
		invalidated = append(invalidated, closed)

		to.logger.Debug("Invalidated contradicted fact",
			"edge_uuid", candidate.Uuid,
			"by", resolved.Uuid,
			"invalid_at", utils.FormatTemporal(closed.InvalidAt))
	}
	return invalidated
}
