package migration

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateID = errors.New("duplicate migration id")

	// ErrAlreadyExists is returned by the store when a created object is already present.
	// Benign for guarded statements.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrStateConflict means another runner recorded the same migration first
	ErrStateConflict = errors.New("migration already recorded by another runner")

	ErrUnsupportedGuard = errors.New("guard is not supported by the dialect")
)

// DiscoveryError is raised by registries for duplicate or malformed identifiers
type DiscoveryError struct {
	ID    string
	File  string
	Cause error
}

func (e *DiscoveryError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("migration discovery failed for file [%s]: %v", e.File, e.Cause)
	}

	return fmt.Sprintf("migration discovery failed for id [%s]: %v", e.ID, e.Cause)
}

func (e *DiscoveryError) Unwrap() error { return e.Cause }

// GuardEvaluationError means the catalog could not be queried
type GuardEvaluationError struct {
	Kind   Kind
	Target Object
	Cause  error
}

func (e *GuardEvaluationError) Error() string {
	return fmt.Sprintf("could not evaluate guard for %s [%s]: %v", e.Kind, e.Target, e.Cause)
}

func (e *GuardEvaluationError) Unwrap() error { return e.Cause }

// ApplyError carries the failing unit and statement
type ApplyError struct {
	UnitID    string
	UnitName  string
	Index     int
	Statement Statement
	Cause     error
}

func (e *ApplyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("migration [%s] %s failed: %v", e.UnitID, e.UnitName, e.Cause)
	}

	return fmt.Sprintf(
		"migration [%s] %s failed on statement #%d [%s]: %v",
		e.UnitID, e.UnitName, e.Index+1, e.Statement, e.Cause,
	)
}

func (e *ApplyError) Unwrap() error { return e.Cause }

// IsFatal reports whether the error must stop the run
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ae *ApplyError
	var de *DiscoveryError
	return errors.As(err, &ae) || errors.As(err, &de)
}
