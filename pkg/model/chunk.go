package model

import (
	"fmt"
	"sort"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"go.uber.org/zap/zapcore"
)

type ChunkHistoryEntry struct {
	ValidAfter types.Timestamp `json:"validAfter"`
	Shard      string          `json:"shard"`
}

// Chunk is a contiguous range of a collection's key space owned by one shard.
// History is ordered oldest first and its last entry names the owner.
type Chunk struct {
	ID             types.UniqueID      `json:"id"`
	Namespace      string              `json:"namespace"`
	CollectionUUID types.UniqueID      `json:"collectionUUID"`
	Range          ChunkRange          `json:"range"`
	Shard          string              `json:"shard"`
	Version        ChunkVersion        `json:"version"`
	History        []ChunkHistoryEntry `json:"history"`
}

func (c *Chunk) Min() Key { return c.Range.Min }
func (c *Chunk) Max() Key { return c.Range.Max }

func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	out.Range = c.Range.Clone()
	out.History = append([]ChunkHistoryEntry(nil), c.History...)
	return &out
}

func (c *Chunk) ValidateHistory() error {
	if len(c.History) == 0 {
		return fmt.Errorf("%w: chunk %s has no history", common.ErrInvalidChunkHistory, c.Range)
	}
	for i := 1; i < len(c.History); i++ {
		if c.History[i].ValidAfter <= c.History[i-1].ValidAfter {
			return fmt.Errorf("%w: chunk %s", common.ErrInvalidChunkHistory, c.Range)
		}
	}
	if c.History[len(c.History)-1].Shard != c.Shard {
		return fmt.Errorf("%w: chunk %s newest entry does not name owner %s", common.ErrInvalidChunkHistory, c.Range, c.Shard)
	}
	return nil
}

// LastValidAfter is the timestamp of the newest ownership entry.
func (c *Chunk) LastValidAfter() types.Timestamp {
	if len(c.History) == 0 {
		return 0
	}
	return c.History[len(c.History)-1].ValidAfter
}

func (c *Chunk) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID.String())
	if err := enc.AddObject("range", c.Range); err != nil {
		return err
	}
	enc.AddString("shard", c.Shard)
	return enc.AddObject("version", c.Version)
}

func SortChunks(chunks []*Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Range.CompareBounds(chunks[j].Range) < 0
	})
}

// ValidateChunkSet checks that chunks, sorted by min, partition the key space
// of a shard key with the given number of fields and agree on the epoch.
func ValidateChunkSet(chunks []*Chunk, fields int) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks", common.ErrChunkSetCorrupted)
	}
	if !chunks[0].Min().Equal(GlobalMin(fields)) {
		return fmt.Errorf("%w: first chunk starts at %s", common.ErrChunkSetCorrupted, chunks[0].Min())
	}
	if !chunks[len(chunks)-1].Max().Equal(GlobalMax(fields)) {
		return fmt.Errorf("%w: last chunk ends at %s", common.ErrChunkSetCorrupted, chunks[len(chunks)-1].Max())
	}
	epoch := chunks[0].Version.Epoch
	for i, c := range chunks {
		if err := c.Range.Validate(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrChunkSetCorrupted, err)
		}
		if c.Version.Epoch != epoch {
			return fmt.Errorf("%w: chunk %s has epoch %s, expected %s", common.ErrChunkSetCorrupted, c.Range, c.Version.Epoch, epoch)
		}
		if i > 0 {
			prev := chunks[i-1]
			switch cmp := prev.Max().Compare(c.Min()); {
			case cmp < 0:
				return fmt.Errorf("%w: gap after %s", common.ErrChunkSetCorrupted, prev.Range)
			case cmp > 0:
				return fmt.Errorf("%w: overlap after %s", common.ErrChunkSetCorrupted, prev.Range)
			}
		}
	}
	return nil
}

// FindChunk returns the chunk of a sorted, valid chunk set that contains key.
func FindChunk(chunks []*Chunk, key Key) (*Chunk, bool) {
	// first chunk whose max is above key
	i := sort.Search(len(chunks), func(i int) bool {
		return key.Compare(chunks[i].Max()) < 0
	})
	if i < len(chunks) && chunks[i].Range.Contains(key) {
		return chunks[i], true
	}
	return nil, false
}

// FindChunkByRange returns the chunk with exactly the given bounds.
func FindChunkByRange(chunks []*Chunk, r ChunkRange) (*Chunk, bool) {
	c, ok := FindChunk(chunks, r.Min)
	if !ok || !c.Range.Equal(r) {
		return nil, false
	}
	return c, true
}

// OverlappingChunks returns the chunks of a sorted set that intersect r.
func OverlappingChunks(chunks []*Chunk, r ChunkRange) []*Chunk {
	var out []*Chunk
	for _, c := range chunks {
		if c.Range.Overlaps(r) {
			out = append(out, c)
		}
	}
	return out
}

// HighestVersion returns the maximum chunk version in a set.
func HighestVersion(chunks []*Chunk) ChunkVersion {
	var v ChunkVersion
	for i, c := range chunks {
		if i == 0 || c.Version.Compare(v) > 0 {
			v = c.Version
		}
	}
	return v
}

func CloneChunks(chunks []*Chunk) []*Chunk {
	out := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = c.Clone()
	}
	return out
}
