package notification

import (
	"context"

	"github.com/chunkmeta/chunkmeta/pkg/model"
)

// NotificationStore is the outbox of collection version changes. Catalogs add
// to it in the same commit as the change; the processor removes what it has
// delivered.
type NotificationStore interface {
	// GetAllPendingNotifications groups undelivered notifications by namespace, oldest first.
	GetAllPendingNotifications(ctx context.Context) (map[string][]model.Notification, error)
	GetNotifications(ctx context.Context, namespace string) ([]model.Notification, error)
	AddNotification(ctx context.Context, notification model.Notification) error
	RemoveNotifications(ctx context.Context, notifications []model.Notification) error
}
