package memberlist_manager

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

type NodeWatcherCallback func(podKey string)

type IWatcher interface {
	common.Component
	RegisterCallback(callback NodeWatcherCallback)
	GetStatus(shardID string) (Status, error)
	ListReadyMembers() (Memberlist, error)
}

type Status int

const (
	Ready Status = iota
	NotReady
	Unknown
)

const MemberLabel = "member-type"

// KubernetesWatcher follows the shard pods of one namespace. A pod's shard id
// is its shard-id label, or its name when the label is missing.
type KubernetesWatcher struct {
	mu             sync.Mutex
	stopCh         chan struct{}
	isRunning      bool
	informer       cache.SharedIndexInformer
	callbacks      []NodeWatcherCallback
	informerHandle cache.ResourceEventHandlerRegistration
	memberType     string
	shardPort      int
}

func NewKubernetesWatcher(clientset kubernetes.Interface, namespace string, memberType string, shardPort int, resyncPeriod time.Duration) *KubernetesWatcher {
	log.Info("Creating new kubernetes watcher", zap.String("namespace", namespace), zap.String("member type", memberType), zap.Duration("resync period", resyncPeriod))
	labelSelector := labels.SelectorFromSet(map[string]string{MemberLabel: memberType})
	factory := informers.NewSharedInformerFactoryWithOptions(clientset, resyncPeriod,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(options *metav1.ListOptions) { options.LabelSelector = labelSelector.String() }))
	return &KubernetesWatcher{
		informer:   factory.Core().V1().Pods().Informer(),
		memberType: memberType,
		shardPort:  shardPort,
	}
}

func (w *KubernetesWatcher) handle(event string, obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		log.Error("Error while getting key from object", zap.Error(err))
		return
	}
	log.Info("Kubernetes pod event", zap.String("event", event), zap.String("key", key))
	w.notify(key)
}

func (w *KubernetesWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return errors.New("watcher is already running")
	}
	registration, err := w.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handle("added", obj) },
		UpdateFunc: func(_, newObj interface{}) { w.handle("updated", newObj) },
		DeleteFunc: func(obj interface{}) { w.handle("deleted", obj) },
	})
	if err != nil {
		return err
	}
	w.informerHandle = registration
	w.stopCh = make(chan struct{})
	w.isRunning = true

	go w.informer.Run(w.stopCh)
	if !cache.WaitForCacheSync(w.stopCh, w.informer.HasSynced) {
		log.Error("Failed to sync cache")
	}
	return nil
}

func (w *KubernetesWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isRunning {
		return errors.New("watcher is not running")
	}
	err := w.informer.RemoveEventHandler(w.informerHandle)
	close(w.stopCh)
	w.isRunning = false
	return err
}

func (w *KubernetesWatcher) RegisterCallback(callback NodeWatcherCallback) {
	w.callbacks = append(w.callbacks, callback)
}

func (w *KubernetesWatcher) notify(update string) {
	for _, callback := range w.callbacks {
		callback(update)
	}
}

func shardIDOf(pod *v1.Pod) string {
	if id := pod.Labels[common.ShardIDLabel]; id != "" {
		return id
	}
	return pod.Name
}

func podReady(pod *v1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.PodIP == "" {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == v1.PodReady && condition.Status == v1.ConditionTrue {
			return true
		}
	}
	return false
}

// pods lists the watched pods of the member type. The label is checked again
// here because not every clientset honors the list selector.
func (w *KubernetesWatcher) pods() []*v1.Pod {
	var pods []*v1.Pod
	for _, obj := range w.informer.GetStore().List() {
		if pod, ok := obj.(*v1.Pod); ok && pod.Labels[MemberLabel] == w.memberType {
			pods = append(pods, pod)
		}
	}
	return pods
}

func (w *KubernetesWatcher) GetStatus(shardID string) (Status, error) {
	for _, pod := range w.pods() {
		if shardIDOf(pod) != shardID {
			continue
		}
		if podReady(pod) {
			return Ready, nil
		}
		return NotReady, nil
	}
	return Unknown, nil
}

// ListReadyMembers returns the ready shard pods sorted by shard id.
func (w *KubernetesWatcher) ListReadyMembers() (Memberlist, error) {
	var members Memberlist
	for _, pod := range w.pods() {
		if !podReady(pod) {
			continue
		}
		members = append(members, Member{
			ID:      shardIDOf(pod),
			Address: net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(w.shardPort)),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
