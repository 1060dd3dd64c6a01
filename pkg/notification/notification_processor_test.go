package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// The pulsar client pulls in a keyring whose dbus connection reads for the
// life of the process.
var ignoredGoroutines = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus/v5.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).outWorker"),
}

func TestMain(m *testing.M) {
	// The sqlite suite keeps its database open for the life of the process.
	goleak.VerifyTestMain(m, append(ignoredGoroutines, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))...)
}

type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	inner    Notifier
}

func (f *flakyNotifier) Notify(ctx context.Context, notifications []model.Notification) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("broker unavailable")
	}
	f.mu.Unlock()
	return f.inner.Notify(ctx, notifications)
}

type recordingInvalidator struct {
	mu          sync.Mutex
	stale       map[string]model.CollectionVersion
	invalidated []string
}

func (r *recordingInvalidator) MarkStaleFor(namespace string, version model.CollectionVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale == nil {
		r.stale = make(map[string]model.CollectionVersion)
	}
	r.stale[namespace] = version
}

func (r *recordingInvalidator) Invalidate(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, namespace)
}

func TestProcessor_SendsPendingOnStart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNotificationStore()
	epoch := types.NewUniqueID()
	require.NoError(t, store.AddNotification(ctx, model.Notification{Namespace: "db.a", Type: model.NotificationTypeCreateCollection, Version: model.NewChunkVersion(epoch, 1, 0)}))
	require.NoError(t, store.AddNotification(ctx, model.Notification{Namespace: "db.b", Type: model.NotificationTypeCreateCollection, Version: model.NewChunkVersion(epoch, 1, 0)}))

	notifier := NewMemoryNotifier()
	processor := NewSimpleNotificationProcessor(ctx, store, notifier)
	require.NoError(t, processor.Start())
	defer processor.Stop()

	assert.Len(t, notifier.Messages(), 2)
	pending, err := store.GetAllPendingNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessor_TriggerRetriesUntilDelivered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNotificationStore()
	memory := NewMemoryNotifier()
	notifier := &flakyNotifier{failures: 2, inner: memory}
	processor := NewSimpleNotificationProcessor(ctx, store, notifier)
	processor.retryInterval = 0
	require.NoError(t, processor.Start())
	defer processor.Stop()

	msg := model.Notification{Namespace: "db.a", Type: model.NotificationTypeChunksChanged, Version: model.NewChunkVersion(types.NewUniqueID(), 1, 3)}
	require.NoError(t, store.AddNotification(ctx, msg))

	result := make(chan error, 1)
	processor.Trigger(ctx, TriggerMessage{Msg: msg, ResultChan: result})
	require.NoError(t, <-result)

	messages := memory.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "db.a", messages[0].Key)
	decoded, err := DecodeNotification(messages[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.Version, decoded.Version)
	assert.Equal(t, model.NotificationTypeChunksChanged, decoded.Type)

	remaining, err := store.GetNotifications(ctx, "db.a")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestProcessor_StopIsIdempotent(t *testing.T) {
	processor := NewSimpleNotificationProcessor(context.Background(), NewMemoryNotificationStore(), NewMemoryNotifier())
	require.NoError(t, processor.Start())
	require.NoError(t, processor.Stop())
	require.NoError(t, processor.Stop())
}

func TestCacheNotifier(t *testing.T) {
	invalidator := &recordingInvalidator{}
	notifier := MultiNotifier{NewCacheNotifier(invalidator), NewMemoryNotifier()}
	version := model.NewChunkVersion(types.NewUniqueID(), 2, 1)

	err := notifier.Notify(context.Background(), []model.Notification{
		{Namespace: "db.a", Type: model.NotificationTypeChunksChanged, Version: version},
		{Namespace: "db.b", Type: model.NotificationTypeDropCollection},
		{Namespace: "db.c", Type: model.NotificationTypeRefineShardKey},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]model.CollectionVersion{"db.a": version}, invalidator.stale)
	assert.Equal(t, []string{"db.b", "db.c"}, invalidator.invalidated)
}
