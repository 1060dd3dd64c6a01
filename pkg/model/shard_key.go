package model

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/spaolacci/murmur3"
)

// Document is a schemaless record stored on a shard.
type Document map[string]any

type KeyField struct {
	Name   string `json:"name"`
	Hashed bool   `json:"hashed,omitempty"`
}

// ShardKeyPattern lists the fields a collection is distributed by, in order.
type ShardKeyPattern struct {
	Fields []KeyField `json:"fields"`
}

func NewShardKeyPattern(fields ...KeyField) (ShardKeyPattern, error) {
	p := ShardKeyPattern{Fields: fields}
	if err := p.Validate(); err != nil {
		return ShardKeyPattern{}, err
	}
	return p, nil
}

// ParseShardKeyPattern parses "a:1,b:hashed" style patterns.
func ParseShardKeyPattern(s string) (ShardKeyPattern, error) {
	var fields []KeyField
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, kind, found := strings.Cut(part, ":")
		field := KeyField{Name: strings.TrimSpace(name)}
		if found {
			switch strings.TrimSpace(kind) {
			case "1":
			case "hashed":
				field.Hashed = true
			default:
				return ShardKeyPattern{}, fmt.Errorf("%w: unknown field kind %q", common.ErrInvalidShardKey, kind)
			}
		}
		fields = append(fields, field)
	}
	return NewShardKeyPattern(fields...)
}

func (p ShardKeyPattern) Validate() error {
	if len(p.Fields) == 0 {
		return fmt.Errorf("%w: no fields", common.ErrInvalidShardKey)
	}
	seen := make(map[string]bool, len(p.Fields))
	hashed := 0
	for _, f := range p.Fields {
		if f.Name == "" || strings.HasPrefix(f.Name, "$") {
			return fmt.Errorf("%w: bad field name %q", common.ErrInvalidShardKey, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", common.ErrInvalidShardKey, f.Name)
		}
		seen[f.Name] = true
		if f.Hashed {
			hashed++
		}
	}
	if hashed > 1 {
		return fmt.Errorf("%w: at most one hashed field", common.ErrInvalidShardKey)
	}
	return nil
}

func (p ShardKeyPattern) Len() int {
	return len(p.Fields)
}

// IsHashedPrefix reports whether the first field is hashed, which is what
// makes numInitialChunks presplitting possible.
func (p ShardKeyPattern) IsHashedPrefix() bool {
	return len(p.Fields) > 0 && p.Fields[0].Hashed
}

func (p ShardKeyPattern) HasHashedField() bool {
	for _, f := range p.Fields {
		if f.Hashed {
			return true
		}
	}
	return false
}

// ExtractKey builds the shard key of a document. Hashed fields are replaced
// by their hash.
func (p ShardKeyPattern) ExtractKey(doc Document) (Key, error) {
	key := make(Key, 0, len(p.Fields))
	for _, f := range p.Fields {
		raw, ok := doc[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", common.ErrMissingShardKeyField, f.Name)
		}
		v, err := ValueOf(raw)
		if err != nil {
			return nil, err
		}
		if f.Hashed {
			v = IntValue(HashValue(v))
		}
		key = append(key, v)
	}
	return key, nil
}

// IsExtendedBy reports whether other keeps every field of p, in order and with
// the same hashing, and adds at least one more.
func (p ShardKeyPattern) IsExtendedBy(other ShardKeyPattern) bool {
	if len(other.Fields) <= len(p.Fields) {
		return false
	}
	for i, f := range p.Fields {
		if other.Fields[i] != f {
			return false
		}
	}
	return true
}

func (p ShardKeyPattern) Equal(other ShardKeyPattern) bool {
	if len(p.Fields) != len(other.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

func (p ShardKeyPattern) String() string {
	parts := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		if f.Hashed {
			parts[i] = f.Name + ":hashed"
		} else {
			parts[i] = f.Name + ":1"
		}
	}
	return strings.Join(parts, ",")
}

// HashValue hashes a key value into the signed 64 bit space hashed chunks are
// split over.
func HashValue(v Value) int64 {
	raw, _ := hex.DecodeString(EncodeSortKey(Key{v}))
	return int64(murmur3.Sum64(raw))
}
