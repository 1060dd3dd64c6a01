package chunkops

import (
	"fmt"
	"math"
	"sort"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// Transition is the effect of one chunk operation on the catalog: the chunks
// it replaces, the chunks replacing them and the resulting collection version.
// Stores apply a Transition atomically.
type Transition struct {
	Removed    []*model.Chunk
	Added      []*model.Chunk
	Updated    []*model.Chunk
	NewVersion model.CollectionVersion
}

type IDGenerator func() types.UniqueID

// CheckExpectedVersion fails with ErrStaleVersion unless expected is exactly current.
func CheckExpectedVersion(current model.CollectionVersion, expected model.CollectionVersion) error {
	if !expected.SameEpoch(current) {
		return fmt.Errorf("%w: %w: expected %s, current %s", common.ErrStaleVersion, common.ErrStaleEpoch, expected, current)
	}
	if expected.Compare(current) != 0 {
		return fmt.Errorf("%w: expected %s, current %s", common.ErrStaleVersion, expected, current)
	}
	return nil
}

// PlanSplit splits parent at points. Children keep the owner and history of
// the parent and all carry the collection version with its minor bumped once.
func PlanSplit(coll *model.CollectionMetadata, parent *model.Chunk, op model.SplitOperation, newID IDGenerator) (*Transition, error) {
	if err := CheckExpectedVersion(coll.Version, op.ExpectedVersion); err != nil {
		return nil, err
	}
	if err := ValidateSplitPoints(parent.Range, op.SplitPoints); err != nil {
		return nil, err
	}

	newVersion := coll.Version.IncMinor()
	bounds := make([]model.Key, 0, len(op.SplitPoints)+2)
	bounds = append(bounds, parent.Min())
	bounds = append(bounds, op.SplitPoints...)
	bounds = append(bounds, parent.Max())

	children := make([]*model.Chunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		child := parent.Clone()
		child.ID = newID()
		child.Range = model.ChunkRange{Min: bounds[i].Clone(), Max: bounds[i+1].Clone()}
		child.Version = newVersion
		children = append(children, child)
	}
	return &Transition{
		Removed:    []*model.Chunk{parent},
		Added:      children,
		NewVersion: newVersion,
	}, nil
}

// ValidateSplitPoints checks that points are strictly increasing and strictly
// inside r.
func ValidateSplitPoints(r model.ChunkRange, points []model.Key) error {
	if len(points) == 0 {
		return fmt.Errorf("%w: no split points", common.ErrInvalidSplitPoint)
	}
	prev := r.Min
	for _, p := range points {
		if len(p) != len(r.Min) {
			return fmt.Errorf("%w: %s does not match the shard key", common.ErrInvalidSplitPoint, p)
		}
		if p.Compare(prev) <= 0 {
			if prev.Equal(r.Min) {
				return fmt.Errorf("%w: %s is not inside %s", common.ErrInvalidSplitPoint, p, r)
			}
			return fmt.Errorf("%w: %s does not follow %s", common.ErrInvalidSplitPoint, p, prev)
		}
		if p.Compare(r.Max) >= 0 {
			return fmt.Errorf("%w: %s is not inside %s", common.ErrInvalidSplitPoint, p, r)
		}
		prev = p
	}
	return nil
}

// PlanMerge replaces contiguous chunks of one owner by a single chunk.
func PlanMerge(coll *model.CollectionMetadata, chunks []*model.Chunk, op model.MergeOperation, newID IDGenerator) (*Transition, error) {
	if err := CheckExpectedVersion(coll.Version, op.ExpectedVersion); err != nil {
		return nil, err
	}
	if len(chunks) < 2 {
		return nil, fmt.Errorf("%w: merge needs at least two chunks", common.ErrInvalidArgument)
	}
	owner := chunks[0].Shard
	validAfter := op.ValidAfter
	for i, c := range chunks {
		if i > 0 && !chunks[i-1].Max().Equal(c.Min()) {
			return nil, fmt.Errorf("%w: %s does not end where %s starts", common.ErrChunksNotContiguous, chunks[i-1].Range, c.Range)
		}
		if c.Shard != owner {
			return nil, fmt.Errorf("%w: %s is on %s, %s is on %s", common.ErrChunksNotSameOwner, chunks[0].Range, owner, c.Range, c.Shard)
		}
		if c.LastValidAfter() > validAfter {
			validAfter = c.LastValidAfter()
		}
	}

	newVersion := coll.Version.IncMinor()
	merged := chunks[0].Clone()
	merged.ID = newID()
	merged.Range = model.ChunkRange{Min: chunks[0].Min().Clone(), Max: chunks[len(chunks)-1].Max().Clone()}
	merged.Version = newVersion
	merged.History = []model.ChunkHistoryEntry{{ValidAfter: validAfter, Shard: owner}}
	return &Transition{
		Removed:    chunks,
		Added:      []*model.Chunk{merged},
		NewVersion: newVersion,
	}, nil
}

// PlanMove hands moved to op.To with a major version bump. If the donor keeps
// other chunks, control is one of them and receives the same major so routers
// holding the old donor version are rejected.
func PlanMove(coll *model.CollectionMetadata, moved *model.Chunk, control *model.Chunk, op model.MoveOperation) (*Transition, error) {
	if !op.ExpectedChunkVersion.SameEpoch(coll.Version) {
		return nil, fmt.Errorf("%w: %w: expected %s, current %s", common.ErrStaleVersion, common.ErrStaleEpoch, op.ExpectedChunkVersion, coll.Version)
	}
	if !op.ExpectedChunkVersion.Equal(moved.Version) {
		return nil, fmt.Errorf("%w: chunk %s is at %s, expected %s", common.ErrStaleVersion, moved.Range, moved.Version, op.ExpectedChunkVersion)
	}
	if moved.Shard != op.From {
		return nil, fmt.Errorf("%w: chunk %s is owned by %s, not %s", common.ErrStaleVersion, moved.Range, moved.Shard, op.From)
	}
	if op.To == op.From {
		return nil, fmt.Errorf("%w: %s", common.ErrMoveToSameShard, op.To)
	}

	validAfter := op.ValidAfter
	if last := moved.LastValidAfter(); validAfter <= last {
		validAfter = last + 1
	}
	newVersion := coll.Version.IncMajor()
	after := moved.Clone()
	after.Shard = op.To
	after.Version = newVersion
	after.History = append(after.History, model.ChunkHistoryEntry{ValidAfter: validAfter, Shard: op.To})

	t := &Transition{
		Updated:    []*model.Chunk{after},
		NewVersion: newVersion,
	}
	if control != nil {
		bumped := control.Clone()
		bumped.Version = newVersion.IncMinor()
		t.Updated = append(t.Updated, bumped)
		t.NewVersion = bumped.Version
	}
	return t, nil
}

// PlanRefine rewrites every chunk for a shard key extended with new fields.
// New fields are filled with MinKey, or MaxKey on the global max bound. The
// collection moves to a new epoch and keeps its major and minor.
func PlanRefine(coll *model.CollectionMetadata, chunks []*model.Chunk, pattern model.ShardKeyPattern, expected model.CollectionVersion, epoch types.UniqueID, now types.Timestamp) (*model.CollectionMetadata, []*model.Chunk, error) {
	if err := CheckExpectedVersion(coll.Version, expected); err != nil {
		return nil, nil, err
	}
	if err := pattern.Validate(); err != nil {
		return nil, nil, err
	}
	if !coll.KeyPattern.IsExtendedBy(pattern) {
		return nil, nil, fmt.Errorf("%w: %s does not extend %s", common.ErrShardKeyNotRefinable, pattern, coll.KeyPattern)
	}
	extra := pattern.Len() - coll.KeyPattern.Len()

	refined := coll.Clone()
	refined.KeyPattern = pattern
	refined.Version = model.NewChunkVersion(epoch, coll.Version.Major, coll.Version.Minor)
	refined.UpdatedAt = now

	out := make([]*model.Chunk, len(chunks))
	for i, c := range chunks {
		nc := c.Clone()
		nc.Range = model.ChunkRange{Min: extendBound(c.Min(), extra), Max: extendBound(c.Max(), extra)}
		nc.Version = model.NewChunkVersion(epoch, c.Version.Major, c.Version.Minor)
		out[i] = nc
	}
	return refined, out, nil
}

func extendBound(k model.Key, extra int) model.Key {
	fill := model.MinKeyValue()
	if k.IsGlobalMax() {
		fill = model.MaxKeyValue()
	}
	out := k.Clone()
	for i := 0; i < extra; i++ {
		out = append(out, fill)
	}
	return out
}

// InitialChunksRequest carries everything needed to lay out a new collection.
type InitialChunksRequest struct {
	Collection *model.CollectionMetadata
	Shards     []string
	Primary    string
	// NumInitialChunks only applies to hashed shard keys. Zero picks two per shard.
	NumInitialChunks int
	PresplitPoints   []model.Key
	Now              types.Timestamp
}

// PlanInitialChunks lays out the chunks of a newly sharded collection. Versions
// are 1|0, 1|1, ... in key order and the collection version is the last of them.
func PlanInitialChunks(req InitialChunksRequest, newID IDGenerator) ([]*model.Chunk, model.CollectionVersion, error) {
	coll := req.Collection
	fields := coll.KeyPattern.Len()
	if len(req.Shards) == 0 {
		return nil, model.CollectionVersion{}, common.ErrNoShards
	}
	if req.NumInitialChunks < 0 {
		return nil, model.CollectionVersion{}, fmt.Errorf("%w: numInitialChunks %d", common.ErrInvalidArgument, req.NumInitialChunks)
	}
	if req.NumInitialChunks > 0 && !coll.KeyPattern.IsHashedPrefix() {
		return nil, model.CollectionVersion{}, common.ErrInvalidNumInitialChunks
	}

	full := model.FullRange(fields)
	var points []model.Key
	var owners func(i int) string
	shards := append([]string(nil), req.Shards...)
	sort.Strings(shards)

	switch {
	case len(req.PresplitPoints) > 0:
		if err := ValidateSplitPoints(full, req.PresplitPoints); err != nil {
			return nil, model.CollectionVersion{}, err
		}
		points = req.PresplitPoints
		owners = roundRobin(shards, req.Primary)
	case coll.KeyPattern.IsHashedPrefix():
		n := req.NumInitialChunks
		if n == 0 {
			n = 2 * len(shards)
		}
		points = hashedSplitPoints(n, fields)
		owners = roundRobin(shards, "")
	default:
		owners = func(int) string { return req.Primary }
	}

	bounds := make([]model.Key, 0, len(points)+2)
	bounds = append(bounds, full.Min)
	bounds = append(bounds, points...)
	bounds = append(bounds, full.Max)

	epoch := coll.Version.Epoch
	chunks := make([]*model.Chunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		owner := owners(i)
		chunks = append(chunks, &model.Chunk{
			ID:             newID(),
			Namespace:      coll.Namespace,
			CollectionUUID: coll.UUID,
			Range:          model.ChunkRange{Min: bounds[i].Clone(), Max: bounds[i+1].Clone()},
			Shard:          owner,
			Version:        model.NewChunkVersion(epoch, 1, uint32(i)),
			History:        []model.ChunkHistoryEntry{{ValidAfter: req.Now, Shard: owner}},
		})
	}
	return chunks, chunks[len(chunks)-1].Version, nil
}

// roundRobin assigns chunk i to the i-th shard, starting at first when set.
func roundRobin(shards []string, first string) func(int) string {
	offset := 0
	for i, s := range shards {
		if s == first {
			offset = i
		}
	}
	return func(i int) string {
		return shards[(offset+i)%len(shards)]
	}
}

// hashedSplitPoints divides the int64 hash space into n ranges of equal size,
// placed symmetrically around zero.
func hashedSplitPoints(n int, fields int) []model.Key {
	if n <= 1 {
		return nil
	}
	interval := (math.MaxInt64 / int64(n)) * 2
	var hashes []int64
	current := int64(0)
	if n%2 == 0 {
		hashes = append(hashes, current)
		current += interval
	} else {
		current += interval / 2
	}
	for i := 0; i < (n-1)/2; i++ {
		hashes = append(hashes, current, -current)
		current += interval
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	points := make([]model.Key, 0, len(hashes))
	for _, h := range hashes {
		key := model.Key{model.IntValue(h)}
		for j := 1; j < fields; j++ {
			key = append(key, model.MinKeyValue())
		}
		points = append(points, key)
	}
	return points
}
