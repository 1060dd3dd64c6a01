package model

import "github.com/chunkmeta/chunkmeta/pkg/types"

type OperationKind string

const (
	OperationSplit OperationKind = "split"
	OperationMerge OperationKind = "merge"
	OperationMove  OperationKind = "move"
)

// ChunkOperation is one of SplitOperation, MergeOperation or MoveOperation.
type ChunkOperation interface {
	Kind() OperationKind
	OpID() string
	chunkOperation()
}

// SplitOperation divides the chunk with bounds Range at SplitPoints.
type SplitOperation struct {
	OperationID     string
	ExpectedVersion CollectionVersion
	Range           ChunkRange
	SplitPoints     []Key
}

// MergeOperation joins contiguous chunks, given by their bounds, into one.
type MergeOperation struct {
	OperationID     string
	ExpectedVersion CollectionVersion
	Ranges          []ChunkRange
	ValidAfter      types.Timestamp
}

// MoveOperation commits the ownership change of a finished migration. The
// precondition is the version of the moved chunk, so that migrations of
// other chunks committing in between do not invalidate it.
type MoveOperation struct {
	OperationID          string
	ExpectedChunkVersion ChunkVersion
	Range                ChunkRange
	From                 string
	To                   string
	ValidAfter           types.Timestamp
}

func (SplitOperation) Kind() OperationKind { return OperationSplit }
func (MergeOperation) Kind() OperationKind { return OperationMerge }
func (MoveOperation) Kind() OperationKind  { return OperationMove }

func (o SplitOperation) OpID() string { return o.OperationID }
func (o MergeOperation) OpID() string { return o.OperationID }
func (o MoveOperation) OpID() string  { return o.OperationID }

func (SplitOperation) chunkOperation() {}
func (MergeOperation) chunkOperation() {}
func (MoveOperation) chunkOperation()  {}
