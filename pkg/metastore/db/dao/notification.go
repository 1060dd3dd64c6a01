package dao

import (
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"gorm.io/gorm"
)

type notificationDb struct {
	db *gorm.DB
}

var _ dbmodel.INotificationDb = &notificationDb{}

func (s *notificationDb) DeleteAll() error {
	return s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&dbmodel.Notification{}).Error
}

func (s *notificationDb) Delete(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Delete(&dbmodel.Notification{}, ids).Error
}

func (s *notificationDb) Insert(in *dbmodel.Notification) error {
	return s.db.Create(in).Error
}

// GetAllPendingNotifications returns pending rows in insertion order, which is
// the order versions were committed in.
func (s *notificationDb) GetAllPendingNotifications() ([]*dbmodel.Notification, error) {
	return s.find(&dbmodel.Notification{Status: model.NotificationStatusPending})
}

func (s *notificationDb) GetNotificationByNamespace(namespace string) ([]*dbmodel.Notification, error) {
	return s.find(&dbmodel.Notification{Namespace: namespace})
}

func (s *notificationDb) find(where *dbmodel.Notification) ([]*dbmodel.Notification, error) {
	var rows []*dbmodel.Notification
	if err := s.db.Where(where).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
