package resolution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ramsey-B/lily/pkg/merging"
)

var (
	ErrReviewNotPending = errors.New("review is not pending")
	ErrInvalidOutcome   = errors.New("invalid review outcome")
	ErrNotParked        = errors.New("decision is not parked")
)

// MalformedObservationError is returned when an observation's attributes cannot be
// parsed. The observation is Rejected.
type MalformedObservationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedObservationError) Error() string {
	if e.Field == "" {
		return "malformed observation: " + e.Reason
	}
	return fmt.Sprintf("malformed observation: %s: %s", e.Field, e.Reason)
}

func (e *MalformedObservationError) Unwrap() error {
	return e.Err
}

// ConflictingSourceMappingError and AlreadyMergedError originate in the merge manager.
type (
	ConflictingSourceMappingError = merging.ConflictingSourceMappingError
	AlreadyMergedError            = merging.AlreadyMergedError
)

// ContentionTimeoutError is returned when the locks an observation needs could not be
// taken in time, or its writes kept losing optimistic races. It is transient.
type ContentionTimeoutError struct {
	Keys []string
	Err  error
}

func (e *ContentionTimeoutError) Error() string {
	return fmt.Sprintf("contention on %s: %v", strings.Join(e.Keys, ","), e.Err)
}

func (e *ContentionTimeoutError) Unwrap() error {
	return e.Err
}

func IsMalformed(err error) bool {
	var malformed *MalformedObservationError
	return errors.As(err, &malformed)
}

func IsContention(err error) bool {
	var contention *ContentionTimeoutError
	return errors.As(err, &contention)
}

func isConflictingMapping(err error) (*ConflictingSourceMappingError, bool) {
	var conflict *ConflictingSourceMappingError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
