package notification

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/model"
)

// MemoryNotificationStore is the outbox used with the in-memory catalog. Ids
// grow with every insert so per namespace order is commit order.
type MemoryNotificationStore struct {
	mu     sync.Mutex
	lastID int64
	byNS   map[string][]model.Notification
}

var _ NotificationStore = &MemoryNotificationStore{}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{byNS: make(map[string][]model.Notification)}
}

func byID(a, b model.Notification) int {
	return cmp.Compare(a.ID, b.ID)
}

func (m *MemoryNotificationStore) GetAllPendingNotifications(ctx context.Context) (map[string][]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make(map[string][]model.Notification, len(m.byNS))
	for namespace, notifications := range m.byNS {
		for _, n := range notifications {
			if n.Status == model.NotificationStatusPending {
				pending[namespace] = append(pending[namespace], n)
			}
		}
		slices.SortFunc(pending[namespace], byID)
	}
	return pending, nil
}

func (m *MemoryNotificationStore) GetNotifications(ctx context.Context, namespace string) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.byNS[namespace])
	slices.SortFunc(out, byID)
	return out, nil
}

func (m *MemoryNotificationStore) AddNotification(ctx context.Context, notification model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	notification.ID = m.lastID
	if notification.Status == "" {
		notification.Status = model.NotificationStatusPending
	}
	m.byNS[notification.Namespace] = append(m.byNS[notification.Namespace], notification)
	return nil
}

func (m *MemoryNotificationStore) RemoveNotifications(ctx context.Context, notifications []model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, removed := range notifications {
		remaining := slices.DeleteFunc(m.byNS[removed.Namespace], func(n model.Notification) bool {
			return n.ID == removed.ID
		})
		if len(remaining) == 0 {
			delete(m.byNS, removed.Namespace)
			continue
		}
		m.byNS[removed.Namespace] = remaining
	}
	return nil
}
