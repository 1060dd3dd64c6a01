package notification

import (
	"context"
	"testing"

	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dao"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbcore"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/stretchr/testify/suite"
)

type DatabaseNotificationStoreTestSuite struct {
	suite.Suite
	store *DatabaseNotificationStore
	epoch types.UniqueID
}

func (suite *DatabaseNotificationStoreTestSuite) SetupSuite() {
	dbcore.ConfigDatabaseForTesting()
	suite.store = NewDatabaseNotificationStore(dbcore.NewTxImpl(), dao.NewMetaDomain())
	suite.epoch = types.NewUniqueID()
}

func (suite *DatabaseNotificationStoreTestSuite) SetupTest() {
	suite.Require().NoError(dao.NewMetaDomain().NotificationDb(context.Background()).DeleteAll())
}

func (suite *DatabaseNotificationStoreTestSuite) add(namespace string, notificationType string, minor uint32) {
	err := suite.store.AddNotification(context.Background(), model.Notification{
		Namespace: namespace,
		Type:      notificationType,
		Version:   model.NewChunkVersion(suite.epoch, 1, minor),
	})
	suite.Require().NoError(err)
}

func (suite *DatabaseNotificationStoreTestSuite) TestPendingNotificationsAreGroupedByNamespace() {
	suite.add("db.a", model.NotificationTypeCreateCollection, 0)
	suite.add("db.a", model.NotificationTypeChunksChanged, 1)
	suite.add("db.b", model.NotificationTypeCreateCollection, 0)

	pending, err := suite.store.GetAllPendingNotifications(context.Background())
	suite.Require().NoError(err)
	suite.Len(pending, 2)
	suite.Require().Len(pending["db.a"], 2)
	suite.Less(pending["db.a"][0].ID, pending["db.a"][1].ID)
	suite.Equal(model.NotificationTypeChunksChanged, pending["db.a"][1].Type)
	suite.Equal(model.NewChunkVersion(suite.epoch, 1, 1), pending["db.a"][1].Version)
	suite.Equal(model.NotificationStatusPending, pending["db.b"][0].Status)
}

func (suite *DatabaseNotificationStoreTestSuite) TestPendingNotificationsKeepCommitOrder() {
	for minor := uint32(0); minor < 6; minor++ {
		suite.add("db.a", model.NotificationTypeChunksChanged, minor)
		suite.add("db.b", model.NotificationTypeChunksChanged, minor)
	}

	pending, err := suite.store.GetAllPendingNotifications(context.Background())
	suite.Require().NoError(err)
	for namespace, notifications := range pending {
		suite.Require().Len(notifications, 6, namespace)
		for i, n := range notifications {
			suite.Equal(uint32(i), n.Version.Minor, namespace)
			if i > 0 {
				suite.Less(notifications[i-1].ID, n.ID, namespace)
			}
		}
	}
}

func (suite *DatabaseNotificationStoreTestSuite) TestRemoveNotifications() {
	suite.add("db.a", model.NotificationTypeCreateCollection, 0)
	suite.add("db.a", model.NotificationTypeChunksChanged, 1)

	notifications, err := suite.store.GetNotifications(context.Background(), "db.a")
	suite.Require().NoError(err)
	suite.Require().Len(notifications, 2)

	suite.Require().NoError(suite.store.RemoveNotifications(context.Background(), notifications[:1]))
	notifications, err = suite.store.GetNotifications(context.Background(), "db.a")
	suite.Require().NoError(err)
	suite.Require().Len(notifications, 1)
	suite.Equal(model.NotificationTypeChunksChanged, notifications[0].Type)
}

func TestDatabaseNotificationStoreTestSuite(t *testing.T) {
	testSuite := new(DatabaseNotificationStoreTestSuite)
	suite.Run(t, testSuite)
}
