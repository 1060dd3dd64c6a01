package common

import (
	"context"
	"errors"
)

var (
	// Collection errors
	ErrCollectionNotFound                  = errors.New("collection not found")
	ErrCollectionAlreadySharded            = errors.New("collection is already sharded")
	ErrCollectionUniqueConstraintViolation = errors.New("collection unique constraint violation")
	ErrNamespaceInvalid                    = errors.New("namespace must have the form <db>.<collection>")
	ErrInvalidShardKey                     = errors.New("invalid shard key pattern")
	ErrShardKeyNotRefinable                = errors.New("new shard key must extend the current shard key")
	ErrInvalidNumInitialChunks             = errors.New("numInitialChunks is only supported for hashed shard keys")
	ErrMissingShardKeyField                = errors.New("document is missing a shard key field")

	// Chunk errors
	ErrInvalidRange          = errors.New("invalid chunk range")
	ErrInvalidSplitPoint     = errors.New("invalid split point")
	ErrChunksNotContiguous   = errors.New("chunks are not contiguous")
	ErrChunksNotSameOwner    = errors.New("chunks are not owned by the same shard")
	ErrChunkNotFound         = errors.New("chunk not found")
	ErrChunkSetCorrupted     = errors.New("chunk set does not partition the key space")
	ErrInvalidChunkHistory   = errors.New("chunk history is not ordered or does not end at the owner")
	ErrMoveToSameShard       = errors.New("chunk is already owned by the destination shard")
	ErrNotEnoughKeysForSplit = errors.New("chunk does not hold enough distinct keys to split")

	// Version errors
	ErrStaleVersion = errors.New("stale version")
	ErrStaleEpoch   = errors.New("collection epoch changed")

	// Resource conflicts
	ErrWriteConflict                  = errors.New("write conflict")
	ErrConflictingOperationInProgress = errors.New("conflicting operation in progress")

	// Timeouts
	ErrExceededTimeLimit      = errors.New("operation exceeded time limit")
	ErrCriticalSectionTimeout = errors.New("critical section timeout expired before migration could commit")

	// Migration errors
	ErrMigrationNotFound          = errors.New("migration not found")
	ErrMigrationCorrupted         = errors.New("migration record is corrupted")
	ErrInvalidMigrationTransition = errors.New("invalid migration state transition")
	ErrMigrationAborted           = errors.New("migration aborted")

	// Shard errors
	ErrShardNotFound    = errors.New("shard not found")
	ErrShardUnreachable = errors.New("shard unreachable")
	ErrNoShards         = errors.New("no shards registered")

	// Others
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownCommand  = errors.New("unknown command")
)

// Error codes are the stable names errors carry over the wire.
const (
	CodeOK                             = "OK"
	CodeCollectionNotFound             = "NamespaceNotFound"
	CodeCollectionAlreadySharded       = "AlreadyInitialized"
	CodeInvalidRange                   = "InvalidRange"
	CodeInvalidSplitPoint              = "InvalidSplitPoint"
	CodeChunksNotContiguous            = "ChunksNotContiguous"
	CodeChunksNotSameOwner             = "ChunksNotSameOwner"
	CodeChunkNotFound                  = "ChunkNotFound"
	CodeStaleVersion                   = "StaleVersion"
	CodeStaleEpoch                     = "StaleEpoch"
	CodeWriteConflict                  = "WriteConflict"
	CodeConflictingOperationInProgress = "ConflictingOperationInProgress"
	CodeExceededTimeLimit              = "ExceededTimeLimit"
	CodeCriticalSectionTimeout         = "ReshardingCriticalSectionTimeout"
	CodeMigrationNotFound              = "MigrationNotFound"
	CodeMigrationCorrupted             = "MigrationCorrupted"
	CodeMigrationAborted               = "MigrationAborted"
	CodeChunkSetCorrupted              = "ChunkSetCorrupted"
	CodeShardNotFound                  = "ShardNotFound"
	CodeShardUnreachable               = "ShardUnreachable"
	CodeInvalidArgument                = "InvalidArgument"
	CodeInternal                       = "InternalError"
)

type codedError struct {
	code string
	err  error
}

// Ordered so that the most specific code wins when an error wraps several sentinels.
var codedErrors = []codedError{
	{CodeCollectionNotFound, ErrCollectionNotFound},
	{CodeCollectionAlreadySharded, ErrCollectionAlreadySharded},
	{CodeInvalidRange, ErrInvalidRange},
	{CodeInvalidSplitPoint, ErrInvalidSplitPoint},
	{CodeChunksNotContiguous, ErrChunksNotContiguous},
	{CodeChunksNotSameOwner, ErrChunksNotSameOwner},
	{CodeChunkNotFound, ErrChunkNotFound},
	{CodeStaleVersion, ErrStaleVersion},
	{CodeStaleEpoch, ErrStaleEpoch},
	{CodeWriteConflict, ErrWriteConflict},
	{CodeConflictingOperationInProgress, ErrConflictingOperationInProgress},
	{CodeCriticalSectionTimeout, ErrCriticalSectionTimeout},
	{CodeExceededTimeLimit, ErrExceededTimeLimit},
	{CodeMigrationNotFound, ErrMigrationNotFound},
	{CodeMigrationCorrupted, ErrMigrationCorrupted},
	{CodeMigrationAborted, ErrMigrationAborted},
	{CodeChunkSetCorrupted, ErrChunkSetCorrupted},
	{CodeShardNotFound, ErrShardNotFound},
	{CodeShardUnreachable, ErrShardUnreachable},
	{CodeInvalidArgument, ErrInvalidArgument},
}

// Errors that are reported as invalid arguments on the wire.
var argumentErrors = []error{
	ErrNamespaceInvalid,
	ErrInvalidShardKey,
	ErrShardKeyNotRefinable,
	ErrInvalidNumInitialChunks,
	ErrMissingShardKeyField,
	ErrMoveToSameShard,
	ErrNotEnoughKeysForSplit,
	ErrInvalidArgument,
	ErrUnknownCommand,
}

// CodeOf returns the wire code for err. Unknown errors map to CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, ce := range codedErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeExceededTimeLimit
	}
	for _, sentinel := range argumentErrors {
		if errors.Is(err, sentinel) {
			return CodeInvalidArgument
		}
	}
	return CodeInternal
}

// CodesOf returns the codes of every sentinel err wraps, most specific first.
func CodesOf(err error) []string {
	var codes []string
	for _, ce := range codedErrors {
		if errors.Is(err, ce.err) {
			codes = append(codes, ce.code)
		}
	}
	return codes
}

// ArgumentSentinel returns the argument error err wraps, or nil.
func ArgumentSentinel(err error) error {
	for _, sentinel := range argumentErrors {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// ArgumentErrorFor finds an argument error by its message.
func ArgumentErrorFor(text string) error {
	for _, sentinel := range argumentErrors {
		if sentinel.Error() == text {
			return sentinel
		}
	}
	return nil
}

// ErrorForCode is the inverse of CodeOf. It returns nil for unknown codes.
func ErrorForCode(code string) error {
	for _, ce := range codedErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}
