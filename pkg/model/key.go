package model

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chunkmeta/chunkmeta/pkg/common"
)

// ValueKind orders the value types a shard key field can hold.
type ValueKind int8

const (
	KindMinKey ValueKind = iota
	KindInt
	KindString
	KindMaxKey
)

// Value is a single shard key field value. MinKey sorts below every other
// value and MaxKey above.
type Value struct {
	Kind ValueKind
	Int  int64
	Str  string
}

func MinKeyValue() Value         { return Value{Kind: KindMinKey} }
func MaxKeyValue() Value         { return Value{Kind: KindMaxKey} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindInt:
		switch {
		case v.Int < o.Int:
			return -1
		case v.Int > o.Int:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(v.Str, o.Str)
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindMinKey:
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	default:
		return strconv.Quote(v.Str)
	}
}

const (
	minKeyMarker = "$minKey"
	maxKeyMarker = "$maxKey"
)

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindMinKey:
		return []byte(`{"` + minKeyMarker + `":1}`), nil
	case KindMaxKey:
		return []byte(`{"` + maxKeyMarker + `":1}`), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	default:
		return json.Marshal(v.Str)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts a decoded document field into a key value. Integral numbers
// and strings are accepted, as are the {"$minKey":1} and {"$maxKey":1} markers.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case int:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return Value{}, fmt.Errorf("%w: non integral number %v", common.ErrInvalidShardKey, x)
		}
		return IntValue(int64(x)), nil
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", common.ErrInvalidShardKey, x)
		}
		return IntValue(i), nil
	case string:
		return StringValue(x), nil
	case Value:
		return x, nil
	case map[string]any:
		if len(x) == 1 {
			if _, ok := x[minKeyMarker]; ok {
				return MinKeyValue(), nil
			}
			if _, ok := x[maxKeyMarker]; ok {
				return MaxKeyValue(), nil
			}
		}
	}
	return Value{}, fmt.Errorf("%w: unsupported value %v (%T)", common.ErrInvalidShardKey, raw, raw)
}

// Key is an ordered tuple of values, one per shard key field. Keys compare
// field by field.
type Key []Value

func NewKey(values ...Value) Key {
	return Key(values)
}

// IntKey is a shorthand for single field integer keys.
func IntKey(i int64) Key {
	return Key{IntValue(i)}
}

func GlobalMin(fields int) Key {
	k := make(Key, fields)
	for i := range k {
		k[i] = MinKeyValue()
	}
	return k
}

func GlobalMax(fields int) Key {
	k := make(Key, fields)
	for i := range k {
		k[i] = MaxKeyValue()
	}
	return k
}

func (k Key) Compare(o Key) int {
	n := min(len(k), len(o))
	for i := 0; i < n; i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

func (k Key) IsGlobalMin() bool {
	for _, v := range k {
		if v.Kind != KindMinKey {
			return false
		}
	}
	return len(k) > 0
}

func (k Key) IsGlobalMax() bool {
	for _, v := range k {
		if v.Kind != KindMaxKey {
			return false
		}
	}
	return len(k) > 0
}

func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ParseKey parses the JSON array form of a key, e.g. `[10, "a"]`.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	return k, nil
}

const (
	sortTagMinKey byte = 0x00
	sortTagInt    byte = 0x10
	sortTagString byte = 0x20
	sortTagMaxKey byte = 0xf0
)

// EncodeSortKey returns a hex string whose byte order matches Key.Compare.
// The catalog stores it beside each chunk bound so the database can order and
// page chunks without understanding key values.
func EncodeSortKey(k Key) string {
	var buf []byte
	for _, v := range k {
		switch v.Kind {
		case KindMinKey:
			buf = append(buf, sortTagMinKey)
		case KindMaxKey:
			buf = append(buf, sortTagMaxKey)
		case KindInt:
			buf = append(buf, sortTagInt)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.Int)^(1<<63))
		case KindString:
			buf = append(buf, sortTagString)
			for i := 0; i < len(v.Str); i++ {
				c := v.Str[i]
				if c == 0x00 {
					buf = append(buf, 0x00, 0xff)
					continue
				}
				buf = append(buf, c)
			}
			buf = append(buf, 0x00, 0x01)
		}
	}
	return hex.EncodeToString(buf)
}
