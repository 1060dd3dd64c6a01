package notification

import (
	"context"

	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

type DatabaseNotificationStore struct {
	metaDomain dbmodel.IMetaDomain
	txImpl     dbmodel.ITransaction
}

var _ NotificationStore = &DatabaseNotificationStore{}

func NewDatabaseNotificationStore(txImpl dbmodel.ITransaction, metaDomain dbmodel.IMetaDomain) *DatabaseNotificationStore {
	return &DatabaseNotificationStore{
		metaDomain: metaDomain,
		txImpl:     txImpl,
	}
}

// GetAllPendingNotifications relies on the notification table returning rows
// in id order.
func (d *DatabaseNotificationStore) GetAllPendingNotifications(ctx context.Context) (map[string][]model.Notification, error) {
	notifications, err := d.metaDomain.NotificationDb(ctx).GetAllPendingNotifications()
	if err != nil {
		return nil, err
	}

	notificationMap := make(map[string][]model.Notification)
	for _, notification := range notifications {
		converted, err := convertNotification(notification)
		if err != nil {
			return nil, err
		}
		notificationMap[notification.Namespace] = append(notificationMap[notification.Namespace], converted)
	}
	return notificationMap, nil
}

func (d *DatabaseNotificationStore) GetNotifications(ctx context.Context, namespace string) ([]model.Notification, error) {
	notifications, err := d.metaDomain.NotificationDb(ctx).GetNotificationByNamespace(namespace)
	if err != nil {
		return nil, err
	}

	result := make([]model.Notification, 0, len(notifications))
	for _, notification := range notifications {
		converted, err := convertNotification(notification)
		if err != nil {
			return nil, err
		}
		result = append(result, converted)
	}
	return result, nil
}

func (d *DatabaseNotificationStore) AddNotification(ctx context.Context, notification model.Notification) error {
	return d.txImpl.Transaction(ctx, func(ctx context.Context) error {
		return d.metaDomain.NotificationDb(ctx).Insert(ToDbNotification(notification))
	})
}

func (d *DatabaseNotificationStore) RemoveNotifications(ctx context.Context, notification []model.Notification) error {
	return d.txImpl.Transaction(ctx, func(ctx context.Context) error {
		ids := make([]int64, 0, len(notification))
		for _, n := range notification {
			ids = append(ids, n.ID)
		}
		return d.metaDomain.NotificationDb(ctx).Delete(ids)
	})
}

// ToDbNotification is shared with catalogs that write notifications in their
// own transaction.
func ToDbNotification(notification model.Notification) *dbmodel.Notification {
	status := notification.Status
	if status == "" {
		status = model.NotificationStatusPending
	}
	return &dbmodel.Notification{
		Namespace: notification.Namespace,
		Type:      notification.Type,
		Status:    status,
		Epoch:     notification.Version.Epoch.String(),
		Major:     notification.Version.Major,
		Minor:     notification.Version.Minor,
	}
}

func convertNotification(notification *dbmodel.Notification) (model.Notification, error) {
	epoch, err := types.Parse(notification.Epoch)
	if err != nil {
		return model.Notification{}, err
	}
	return model.Notification{
		ID:        notification.ID,
		Namespace: notification.Namespace,
		Type:      notification.Type,
		Status:    notification.Status,
		Version:   model.NewChunkVersion(epoch, notification.Major, notification.Minor),
	}, nil
}
