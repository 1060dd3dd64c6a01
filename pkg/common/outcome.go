package common

import (
	"context"
	"errors"
)

// Outcome tells an administrative caller whether an operation took effect.
type Outcome int

const (
	// Succeeded means the operation was applied.
	Succeeded Outcome = iota
	// NotApplied means a precondition failed and nothing changed.
	NotApplied
	// MayHaveApplied means the operation may have partially happened and is safe
	// to retry with the same operation id.
	MayHaveApplied
	// Fatal means durable state is inconsistent and needs operator intervention.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case NotApplied:
		return "NotApplied"
	case MayHaveApplied:
		return "MayHaveApplied"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the caller may retry with the same operation id.
func (o Outcome) Retryable() bool {
	return o == MayHaveApplied
}

var fatalErrors = []error{
	ErrMigrationCorrupted,
	ErrChunkSetCorrupted,
	ErrInvalidChunkHistory,
}

var retryableErrors = []error{
	ErrWriteConflict,
	ErrConflictingOperationInProgress,
	ErrExceededTimeLimit,
	ErrCriticalSectionTimeout,
	ErrShardUnreachable,
	context.DeadlineExceeded,
	context.Canceled,
}

// Classify maps an error returned by an administrative operation to its Outcome.
// Errors that are not recognised are reported as MayHaveApplied, since nothing
// is known about how far the operation got.
func Classify(err error) Outcome {
	if err == nil {
		return Succeeded
	}
	for _, sentinel := range fatalErrors {
		if errors.Is(err, sentinel) {
			return Fatal
		}
	}
	for _, sentinel := range retryableErrors {
		if errors.Is(err, sentinel) {
			return MayHaveApplied
		}
	}
	switch CodeOf(err) {
	case CodeInternal:
		return MayHaveApplied
	default:
		return NotApplied
	}
}
