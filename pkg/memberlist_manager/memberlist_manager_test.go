package memberlist_manager

import (
	"context"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	metastorecoordinator "github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	testNamespace = "chunkmeta"
	testShardPort = 50052
)

func newCatalog() metastore.Catalog {
	return metastorecoordinator.NewMemoryCatalog(metastore.NewNamespaceLocks(time.Second), notification.NewMemoryNotificationStore())
}

func shardPod(name string, shardID string, ip string, ready bool) *v1.Pod {
	labels := map[string]string{MemberLabel: common.ShardMemberType}
	if shardID != "" {
		labels[common.ShardIDLabel] = shardID
	}
	status := v1.ConditionFalse
	if ready {
		status = v1.ConditionTrue
	}
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    labels,
		},
		Status: v1.PodStatus{
			PodIP:      ip,
			Conditions: []v1.PodCondition{{Type: v1.PodReady, Status: status}},
		},
	}
}

func createPod(t *testing.T, clientset kubernetes.Interface, pod *v1.Pod) {
	_, err := clientset.CoreV1().Pods(testNamespace).Create(context.TODO(), pod, metav1.CreateOptions{})
	require.NoError(t, err)
}

func TestNodeWatcher(t *testing.T) {
	clientset, err := utils.GetTestKubernetesInterface()
	require.NoError(t, err)

	watcher := NewKubernetesWatcher(clientset, testNamespace, common.ShardMemberType, testShardPort, 60*time.Second)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	createPod(t, clientset, shardPod("shard-a-0", "shardA", "10.0.0.1", true))
	createPod(t, clientset, shardPod("shard-b-0", "", "10.0.0.2", false))
	// Pods of other member types are not watched.
	other := shardPod("router-0", "", "10.0.0.3", true)
	other.Labels[MemberLabel] = "router"
	createPod(t, clientset, other)

	// the fake clientset does not filter watch events by label, so all three pods reach the informer
	require.Eventually(t, func() bool {
		return len(watcher.informer.GetStore().List()) == 3
	}, 10*time.Second, 100*time.Millisecond)

	members, err := watcher.ListReadyMembers()
	require.NoError(t, err)
	assert.Equal(t, Memberlist{{ID: "shardA", Address: "10.0.0.1:50052"}}, members)

	status, err := watcher.GetStatus("shardA")
	require.NoError(t, err)
	assert.Equal(t, Ready, status)
	assert.Eventually(t, func() bool {
		status, _ := watcher.GetStatus("shard-b-0")
		return status == NotReady
	}, 10*time.Second, 100*time.Millisecond)
	status, err = watcher.GetStatus("router-0")
	require.NoError(t, err)
	assert.Equal(t, Unknown, status)
}

func TestCatalogMemberlistStore(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog()
	store := NewCatalogMemberlistStore(catalog)

	memberlist, err := store.GetMemberlist(ctx)
	require.NoError(t, err)
	assert.Empty(t, memberlist)

	require.NoError(t, catalog.UpsertShard(ctx, &model.Shard{ID: "draining", Address: "10.0.0.9:1", State: model.ShardStateDraining}))
	require.NoError(t, store.UpdateMemberlist(ctx, Memberlist{{ID: "a", Address: "10.0.0.1:1"}, {ID: "b", Address: "10.0.0.2:1"}}))
	memberlist, err = store.GetMemberlist(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, Memberlist{{ID: "a", Address: "10.0.0.1:1"}, {ID: "b", Address: "10.0.0.2:1"}}, memberlist)

	// b leaves: it stays registered but is no longer ready.
	require.NoError(t, store.UpdateMemberlist(ctx, Memberlist{{ID: "a", Address: "10.0.0.1:1"}, {ID: "draining", Address: "10.0.0.9:1"}}))
	b, err := catalog.GetShard(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.ShardStateNotReady, b.State)
	draining, err := catalog.GetShard(ctx, "draining")
	require.NoError(t, err)
	assert.Equal(t, model.ShardStateDraining, draining.State)
}

func TestMemberlistSame(t *testing.T) {
	a := Member{ID: "a", Address: "10.0.0.1:1"}
	b := Member{ID: "b", Address: "10.0.0.2:1"}
	assert.True(t, memberlistSame(Memberlist{a, b}, Memberlist{b, a}))
	assert.True(t, memberlistSame(Memberlist{}, nil))
	assert.False(t, memberlistSame(Memberlist{a}, Memberlist{a, b}))
	assert.False(t, memberlistSame(Memberlist{a}, Memberlist{{ID: "a", Address: "10.0.0.7:1"}}))
}

func TestMemberlistManager(t *testing.T) {
	ctx := context.Background()
	clientset, err := utils.GetTestKubernetesInterface()
	require.NoError(t, err)
	catalog := newCatalog()

	watcher := NewKubernetesWatcher(clientset, testNamespace, common.ShardMemberType, testShardPort, 60*time.Second)
	manager := NewMemberlistManager(watcher, NewCatalogMemberlistStore(catalog))
	manager.SetReconcileInterval(100 * time.Millisecond)
	manager.SetReconcileCount(1)
	require.NoError(t, manager.Start())
	defer manager.Stop()

	shardState := func(id string) model.ShardState {
		shard, err := catalog.GetShard(ctx, id)
		if err != nil {
			return ""
		}
		return shard.State
	}

	createPod(t, clientset, shardPod("shard-a-0", "shardA", "10.0.0.49", true))
	assert.Eventually(t, func() bool { return shardState("shardA") == model.ShardStateReady }, 10*time.Second, 50*time.Millisecond)

	createPod(t, clientset, shardPod("shard-b-0", "shardB", "10.0.0.50", true))
	assert.Eventually(t, func() bool { return shardState("shardB") == model.ShardStateReady }, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, clientset.CoreV1().Pods(testNamespace).Delete(ctx, "shard-a-0", metav1.DeleteOptions{}))
	assert.Eventually(t, func() bool { return shardState("shardA") == model.ShardStateNotReady }, 10*time.Second, 50*time.Millisecond)

	shardB, err := catalog.GetShard(ctx, "shardB")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.50:50052", shardB.Address)
}

type mockMemberlistStore struct {
	mock.Mock
}

func (m *mockMemberlistStore) GetMemberlist(ctx context.Context) (Memberlist, error) {
	args := m.Called(ctx)
	return args.Get(0).(Memberlist), args.Error(1)
}

func (m *mockMemberlistStore) UpdateMemberlist(ctx context.Context, memberlist Memberlist) error {
	return m.Called(ctx, memberlist).Error(0)
}

type staticWatcher struct {
	IWatcher
	members Memberlist
}

func (w *staticWatcher) ListReadyMembers() (Memberlist, error) {
	return w.members, nil
}

func TestReconcileMemberlist_SkipsUnchanged(t *testing.T) {
	members := Memberlist{{ID: "a", Address: "10.0.0.1:1"}}
	store := &mockMemberlistStore{}
	store.On("GetMemberlist", mock.Anything).Return(members, nil).Once()
	manager := NewMemberlistManager(&staticWatcher{members: members}, store)

	manager.reconcileMemberlist(pendingKeys{})
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "UpdateMemberlist", mock.Anything, mock.Anything)
}

func TestReconcileMemberlist_WritesChanges(t *testing.T) {
	members := Memberlist{{ID: "a", Address: "10.0.0.1:1"}, {ID: "b", Address: "10.0.0.2:1"}}
	store := &mockMemberlistStore{}
	store.On("GetMemberlist", mock.Anything).Return(Memberlist{}, nil).Once()
	store.On("UpdateMemberlist", mock.Anything, members).Return(nil).Once()
	manager := NewMemberlistManager(&staticWatcher{members: members}, store)

	manager.reconcileMemberlist(pendingKeys{})
	store.AssertExpectations(t)
}
