package types

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Timestamp = int64

const MaxTimestamp = Timestamp(math.MaxInt64)

type UniqueID uuid.UUID

func NewUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

func (id UniqueID) String() string {
	return uuid.UUID(id).String()
}

func (id UniqueID) IsNil() bool {
	return id == NilUniqueID()
}

func MustParse(s string) UniqueID {
	return UniqueID(uuid.MustParse(s))
}

func Parse(s string) (UniqueID, error) {
	id, err := uuid.Parse(s)
	return UniqueID(id), err
}

func NilUniqueID() UniqueID {
	return UniqueID(uuid.Nil)
}

func ToUniqueID(idString *string) (UniqueID, error) {
	if idString != nil {
		id, err := Parse(*idString)
		if err != nil {
			return NilUniqueID(), err
		} else {
			return id, nil
		}
	} else {
		return NilUniqueID(), nil
	}
}

func FromUniqueID(id UniqueID) *string {
	var idStringPointer *string
	if id != NilUniqueID() {
		idString := id.String()
		idStringPointer = &idString
	} else {
		idStringPointer = nil
	}
	return idStringPointer
}

// MarshalText lets ids travel as plain strings in JSON payloads.
func (id UniqueID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *UniqueID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UniqueID(parsed)
	return nil
}

// Clock hands out strictly increasing timestamps (unix nanos) even when the
// wall clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithSource is used by tests that need deterministic timestamps.
func NewClockWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe moves the clock past a timestamp read back from durable state so
// later entries sort after it.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
