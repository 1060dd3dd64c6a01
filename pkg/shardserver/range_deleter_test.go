package shardserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordedDeletion struct {
	namespace string
	rng       model.ChunkRange
}

type fakeDeletions struct {
	mu    sync.Mutex
	calls []recordedDeletion
	fail  bool
}

func (f *fakeDeletions) delete(ctx context.Context, namespace string, rng model.ChunkRange) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("storage unavailable")
	}
	f.calls = append(f.calls, recordedDeletion{namespace, rng})
	return 1, nil
}

func (f *fakeDeletions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRangeDeleter_WaitsForDelay(t *testing.T) {
	fake := &fakeDeletions{}
	now := time.Unix(1000, 0)
	d := NewRangeDeleter(time.Minute, time.Second, fake.delete)
	d.now = func() time.Time { return now }

	rng := model.MustRange(model.IntKey(0), model.IntKey(10))
	d.Schedule("db.a", rng)
	d.Schedule("db.b", rng)
	assert.Equal(t, 2, d.Pending())

	assert.Equal(t, 0, d.RunDue(context.Background()))
	assert.Equal(t, 0, fake.count())

	now = now.Add(time.Minute)
	assert.Equal(t, 2, d.RunDue(context.Background()))
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, []recordedDeletion{{"db.a", rng}, {"db.b", rng}}, fake.calls)
}

func TestRangeDeleter_KeepsFailedTasks(t *testing.T) {
	fake := &fakeDeletions{fail: true}
	d := NewRangeDeleter(0, time.Second, fake.delete)
	d.Schedule("db.a", model.FullRange(1))

	assert.Equal(t, 0, d.RunDue(context.Background()))
	assert.Equal(t, 1, d.Pending())

	fake.fail = false
	assert.Equal(t, 1, d.RunDue(context.Background()))
	assert.Equal(t, 0, d.Pending())
}

func TestRangeDeleter_Cancel(t *testing.T) {
	fake := &fakeDeletions{}
	d := NewRangeDeleter(0, time.Second, fake.delete)
	d.Schedule("db.a", model.FullRange(1))
	d.Schedule("db.b", model.FullRange(1))
	d.Cancel("db.a")
	assert.Equal(t, 1, d.Pending())
	d.RunDue(context.Background())
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "db.b", fake.calls[0].namespace)
}

// The pulsar client pulls in a keyring whose dbus connection reads for the
// life of the process.
var ignoredGoroutines = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus/v5.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).outWorker"),
}

func TestRangeDeleter_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, ignoredGoroutines...)
	fake := &fakeDeletions{}
	d := NewRangeDeleter(0, 10*time.Millisecond, fake.delete)
	d.Schedule("db.a", model.FullRange(1))

	require.NoError(t, d.Start())
	require.NoError(t, d.Start())
	assert.Eventually(t, func() bool { return fake.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
