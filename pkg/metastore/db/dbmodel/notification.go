package dbmodel

type Notification struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Namespace string `gorm:"column:namespace;index:idx_notifications_ns"`
	Type      string `gorm:"column:notification_type"`
	Status    string `gorm:"column:status"`
	Epoch     string `gorm:"column:epoch"`
	Major     uint32 `gorm:"column:major;type:integer"`
	Minor     uint32 `gorm:"column:minor;type:integer"`
}

func (v Notification) TableName() string {
	return "notifications"
}

//go:generate mockery --name=INotificationDb
type INotificationDb interface {
	DeleteAll() error
	Delete(id []int64) error
	Insert(in *Notification) error
	GetAllPendingNotifications() ([]*Notification, error)
	GetNotificationByNamespace(namespace string) ([]*Notification, error)
}
