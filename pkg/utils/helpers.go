package utils

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

const (
	DefaultSemaphoreLimit         = 20
	DefaultMaxReflexionIterations = 1
	// MaxReflexionIterationsCeiling bounds the reflexion budget regardless of configuration.
	MaxReflexionIterationsCeiling = 5
)

var (
	// ErrInvalidGroupID is returned when a group ID contains invalid characters
	ErrInvalidGroupID = errors.New("group ID contains invalid characters")
	// ErrInvalidEntityType is returned when an entity type is invalid
	ErrInvalidEntityType = errors.New("invalid entity type")

	groupIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// GetSemaphoreLimit returns the semaphore limit from environment variable or default
func GetSemaphoreLimit() int {
	val := os.Getenv("SEMAPHORE_LIMIT")
	if val == "" {
		return DefaultSemaphoreLimit
	}
	limit, err := strconv.Atoi(val)
	if err != nil || limit <= 0 {
		return DefaultSemaphoreLimit
	}
	return limit
}

// GetMaxReflexionIterations returns the reflexion budget from MAX_REFLEXION_ITERATIONS,
// clamped to [0, MaxReflexionIterationsCeiling].
func GetMaxReflexionIterations() int {
	val := os.Getenv("MAX_REFLEXION_ITERATIONS")
	if val == "" {
		return DefaultMaxReflexionIterations
	}
	iterations, err := strconv.Atoi(val)
	if err != nil {
		return DefaultMaxReflexionIterations
	}
	return ClampReflexionRounds(iterations)
}

// ClampReflexionRounds keeps a configured round budget inside the supported range.
func ClampReflexionRounds(rounds int) int {
	if rounds < 0 {
		return 0
	}
	if rounds > MaxReflexionIterationsCeiling {
		return MaxReflexionIterationsCeiling
	}
	return rounds
}

// GenerateUUID generates a new UUID7 string
func GenerateUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidateGroupID validates that a group_id contains only ASCII alphanumeric characters, dashes, and underscores
func ValidateGroupID(groupID string) error {
	if groupID == "" {
		return nil
	}
	if !groupIDPattern.MatchString(groupID) {
		return fmt.Errorf("%w: group ID %q contains invalid characters", ErrInvalidGroupID, groupID)
	}
	return nil
}

// ValidateExcludedEntityTypes validates that excluded entity types are valid type names
func ValidateExcludedEntityTypes(excludedEntityTypes []string, availableTypes []string) error {
	if len(excludedEntityTypes) == 0 {
		return nil
	}

	available := map[string]bool{"Entity": true}
	for _, t := range availableTypes {
		available[t] = true
	}

	var invalid []string
	for _, excluded := range excludedEntityTypes {
		if !available[excluded] {
			invalid = append(invalid, excluded)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: invalid excluded entity types: %v", ErrInvalidEntityType, invalid)
	}
	return nil
}

// DedupeStrings removes repeated values while keeping first-seen order.
func DedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
