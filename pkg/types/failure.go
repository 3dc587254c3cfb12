package types

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by UnitError.Is.
var (
	// ErrOracleFailure matches any failure where the language model did not
	// produce a usable result.
	ErrOracleFailure = errors.New("oracle failure")
	// ErrValidation matches constraint violations that could not be corrected.
	ErrValidation = errors.New("validation failure")
	// ErrCancelled matches work abandoned because its context ended.
	ErrCancelled = errors.New("cancelled")
)

// FailureKind classifies why a unit of work failed.
type FailureKind string

const (
	FailureOracleSchema    FailureKind = "oracle_schema"
	FailureOracleTransport FailureKind = "oracle_transport"
	FailureOracleTimeout   FailureKind = "oracle_timeout"
	FailureMalformed       FailureKind = "malformed_response"
	FailureValidation      FailureKind = "validation"
	FailureCancelled       FailureKind = "cancelled"
)

// IsOracle reports whether the kind is one of the oracle failures.
func (k FailureKind) IsOracle() bool {
	switch k {
	case FailureOracleSchema, FailureOracleTransport, FailureOracleTimeout, FailureMalformed:
		return true
	}
	return false
}

// Unit names the granularity of a failed piece of work.
type Unit string

const (
	UnitEpisode Unit = "episode"
	UnitEntity  Unit = "entity"
	UnitFact    Unit = "fact"
)

// UnitError is a classified failure for one episode, entity or fact.
type UnitError struct {
	Unit  Unit
	ID    string
	Stage string
	Kind  FailureKind
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s failed during %s (%s): %v", e.Unit, e.ID, e.Stage, e.Kind, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for the failure sentinels and for UnitError itself.
func (e *UnitError) Is(target error) bool {
	switch target {
	case ErrOracleFailure:
		return e.Kind.IsOracle()
	case ErrValidation:
		return e.Kind == FailureValidation
	case ErrCancelled:
		return e.Kind == FailureCancelled
	}
	_, ok := target.(*UnitError)
	return ok
}

// NewUnitError creates a classified failure.
func NewUnitError(unit Unit, id, stage string, kind FailureKind, err error) *UnitError {
	return &UnitError{Unit: unit, ID: id, Stage: stage, Kind: kind, Err: err}
}

// AsUnitError extracts the first UnitError in err's chain.
func AsUnitError(err error) (*UnitError, bool) {
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
