package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/chunkmeta/chunkmeta/pkg/cluster"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/grpcutils"
	"github.com/chunkmeta/chunkmeta/pkg/leader"
	"github.com/chunkmeta/chunkmeta/pkg/memberlist_manager"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	metastorecoordinator "github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dao"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbcore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/migration/archive"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/utils"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
)

type Config struct {
	// GrpcConfig config
	GrpcConfig *grpcutils.GrpcConfig `yaml:"grpc"`

	// System catalog provider, memory or database
	SystemCatalogProvider string `yaml:"systemCatalogProvider"`

	// MetaTable config
	DBConfig             dbcore.DBConfig `yaml:"db"`
	NamespaceLockTimeout time.Duration   `yaml:"namespaceLockTimeout"`

	// Notification config
	NotificationStoreProvider string `yaml:"notificationStoreProvider"`
	NotifierProvider          string `yaml:"notifierProvider"`
	NotificationTopic         string `yaml:"notificationTopic"`

	// Pulsar config
	PulsarURL string `yaml:"pulsarUrl"`

	// In-process shard servers
	Shards             int              `yaml:"shards"`
	RangeDeletionDelay time.Duration    `yaml:"rangeDeletionDelay"`
	Migration          migration.Config `yaml:"migration"`

	// Migration archive, none, memory or s3
	ArchiveProvider string           `yaml:"archiveProvider"`
	ArchivePrefix   string           `yaml:"archivePrefix"`
	S3Config        archive.S3Config `yaml:"s3"`

	// Kubernetes config
	KubernetesNamespace string        `yaml:"kubernetesNamespace"`
	ShardPodLabel       string        `yaml:"shardPodLabel"`
	ShardPort           int           `yaml:"shardPort"`
	WatchInterval       time.Duration `yaml:"watchInterval"`

	LeaderElection       bool          `yaml:"leaderElection"`
	LeaderElectionConfig leader.Config `yaml:"leaderElectionConfig"`

	// Testing skips everything that needs Kubernetes.
	Testing bool `yaml:"testing"`
}

func DefaultConfig() Config {
	return Config{
		GrpcConfig:                &grpcutils.GrpcConfig{BindAddress: ":50051"},
		SystemCatalogProvider:     "memory",
		NamespaceLockTimeout:      common.DefaultNamespaceLockTimeout,
		NotificationStoreProvider: "memory",
		NotifierProvider:          "memory",
		NotificationTopic:         "chunkmeta-notifications",
		Shards:                    2,
		RangeDeletionDelay:        common.DefaultRangeDeletionDelay,
		Migration:                 migration.DefaultConfig(),
		KubernetesNamespace:       "chunkmeta",
		ShardPodLabel:             common.ShardMemberType,
		ShardPort:                 50052,
		WatchInterval:             60 * time.Second,
		LeaderElectionConfig:      leader.DefaultConfig(),
	}
}

// Server wraps Coordinator with GRPC services.
//
// When Testing is set to true, the memberlist manager and leader election are
// not started since both need a Kubernetes API server.
type Server struct {
	coordinator       coordinator.ICoordinator
	grpcServer        grpcutils.GrpcServer
	healthServer      *health.Server
	memberlistManager *memberlist_manager.MemberlistManager
	closers           []func()
}

var _ ChunkCatalogServer = &Server{}

func New(config Config) (*Server, error) {
	if config.SystemCatalogProvider == "memory" {
		return NewWithGrpcProvider(config, grpcutils.Default, nil)
	} else if config.SystemCatalogProvider == "database" {
		db, err := connectDB(config.DBConfig)
		if err != nil {
			return nil, err
		}
		return NewWithGrpcProvider(config, grpcutils.Default, db)
	} else {
		return nil, errors.New("invalid system catalog provider, only memory and database are supported")
	}
}

func connectDB(config dbcore.DBConfig) (*gorm.DB, error) {
	if config.Driver == dbcore.DriverSQLite {
		db, err := dbcore.ConnectSQLite(config.SQLitePath)
		if err != nil {
			return nil, err
		}
		// An embedded database has no migration job in front of it.
		if err := db.AutoMigrate(dbmodel.AllModels()...); err != nil {
			return nil, err
		}
		return db, nil
	}
	return dbcore.ConnectPostgres(config.Address, config.Username, config.Password, config.Port, config.DBName, config.SslMode, config.MaxIdleConns, config.MaxOpenConns)
}

// NewWithGrpcProvider builds the server. A nil db keeps the catalog in memory.
func NewWithGrpcProvider(config Config, provider grpcutils.GrpcProvider, db *gorm.DB) (*Server, error) {
	ctx := context.Background()
	s := &Server{
		healthServer: health.NewServer(),
	}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if db != nil {
		dbcore.SetGlobalDB(db)
	}
	locks := metastore.NewNamespaceLocks(config.NamespaceLockTimeout)

	var notificationStore notification.NotificationStore
	if config.NotificationStoreProvider == "memory" {
		log.Info("Using memory notification store")
		notificationStore = notification.NewMemoryNotificationStore()
	} else if config.NotificationStoreProvider == "database" {
		if db == nil {
			return nil, errors.New("the database notification store needs the database catalog")
		}
		notificationStore = notification.NewDatabaseNotificationStore(dbcore.NewTxImpl(), dao.NewMetaDomain())
	} else {
		return nil, errors.New("invalid notification store provider, only memory and database are supported")
	}

	var catalog metastore.Catalog
	if db == nil {
		log.Info("Using memory catalog")
		catalog = metastorecoordinator.NewMemoryCatalog(locks, notificationStore)
	} else {
		log.Info("Using database catalog")
		catalog = metastorecoordinator.NewTableCatalog(dbcore.NewTxImpl(), dao.NewMetaDomain(), locks)
	}

	var notifier notification.Notifier
	if config.NotifierProvider == "memory" {
		log.Info("Using memory notifier")
		notifier = notification.NewMemoryNotifier()
	} else if config.NotifierProvider == "pulsar" {
		log.Info("Using pulsar notifier")
		pulsarNotifier, client, producer, err := createPulsarNotifer(config.PulsarURL, config.NotificationTopic)
		if err != nil {
			log.Error("Failed to create pulsar notifier", zap.Error(err))
			return nil, err
		}
		s.closers = append(s.closers, producer.Close, client.Close)
		notifier = pulsarNotifier
	} else {
		return nil, errors.New("invalid notifier provider, only memory and pulsar are supported")
	}

	clusterConfig := cluster.DefaultConfig(config.Shards)
	clusterConfig.RangeDeletionDelay = config.RangeDeletionDelay
	clusterConfig.Migration = config.Migration
	migrationArchive, err := createArchive(ctx, config)
	if err != nil {
		return nil, err
	}
	if migrationArchive != nil {
		clusterConfig.MigrationOptions = append(clusterConfig.MigrationOptions, migration.WithArchive(migrationArchive))
	}
	local, err := cluster.NewLocal(ctx, catalog, clusterConfig)
	if err != nil {
		return nil, err
	}

	var opts []coordinator.Option
	var clientset kubernetes.Interface
	if !config.Testing {
		clientset, err = utils.GetKubernetesInterface()
		if err != nil {
			return nil, err
		}
		if config.LeaderElection {
			electionConfig := config.LeaderElectionConfig
			if err := electionConfig.FillFromEnv(); err != nil {
				return nil, err
			}
			opts = append(opts, coordinator.WithElector(leader.Elector(clientset, electionConfig)))
		}
	}

	c := coordinator.NewCoordinator(ctx, catalog, local, notificationStore, notifier, opts...)
	if err := c.Start(); err != nil {
		return nil, err
	}
	s.coordinator = c

	if !config.Testing {
		s.memberlistManager = createMemberlistManager(config, clientset, catalog)
		if err := s.memberlistManager.Start(); err != nil {
			return nil, err
		}
	}

	s.grpcServer, err = provider.StartGrpcServer("coordinator", config.GrpcConfig, func(registrar grpc.ServiceRegistrar) {
		RegisterChunkCatalogServer(registrar, s)
		healthgrpc.RegisterHealthServer(registrar, s.healthServer)
	})
	if err != nil {
		return nil, err
	}
	s.healthServer.SetServingStatus(grpcutils.ReadinessProbeService, healthgrpc.HealthCheckResponse_SERVING)
	ok = true
	return s, nil
}

func createArchive(ctx context.Context, config Config) (archive.Archive, error) {
	switch config.ArchiveProvider {
	case "", "none":
		return nil, nil
	case "memory":
		log.Info("Using memory migration archive")
		return archive.NewMemoryArchive(config.ArchivePrefix), nil
	case "s3":
		log.Info("Using s3 migration archive", zap.String("bucket", config.S3Config.BucketName))
		return archive.NewS3Archive(ctx, config.S3Config)
	}
	return nil, errors.New("invalid archive provider, only none, memory and s3 are supported")
}

func createMemberlistManager(config Config, clientset kubernetes.Interface, catalog metastore.Catalog) *memberlist_manager.MemberlistManager {
	log.Info("Creating memberlist manager")
	nodeWatcher := memberlist_manager.NewKubernetesWatcher(clientset, config.KubernetesNamespace, config.ShardPodLabel, config.ShardPort, config.WatchInterval)
	memberlistStore := memberlist_manager.NewCatalogMemberlistStore(catalog)
	return memberlist_manager.NewMemberlistManager(nodeWatcher, memberlistStore)
}

func createPulsarNotifer(pulsarURL string, notificationTopic string) (*notification.PulsarNotifier, pulsar.Client, pulsar.Producer, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL: pulsarURL,
	})
	if err != nil {
		log.Error("Failed to create pulsar client", zap.Error(err))
		return nil, nil, nil, err
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: notificationTopic,
	})
	if err != nil {
		log.Error("Failed to create producer", zap.Error(err))
		client.Close()
		return nil, nil, nil, err
	}

	notifier := notification.NewPulsarNotifier(producer)
	return notifier, client, producer, nil
}

func (s *Server) Close() error {
	s.healthServer.Shutdown()
	var errs []error
	if s.grpcServer != nil {
		errs = append(errs, s.grpcServer.Close())
	}
	if s.memberlistManager != nil {
		errs = append(errs, s.memberlistManager.Stop())
	}
	if s.coordinator != nil {
		errs = append(errs, s.coordinator.Stop())
	}
	for _, closer := range s.closers {
		closer()
	}
	return errors.Join(errs...)
}
