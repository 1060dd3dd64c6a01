package main

import (
	"context"
	"errors"
	"io"

	"github.com/chunkmeta/chunkmeta/cmd/flag"
	"github.com/chunkmeta/chunkmeta/pkg/coordinator/grpc"
	"github.com/chunkmeta/chunkmeta/pkg/otel"
	"github.com/chunkmeta/chunkmeta/pkg/utils"
	"github.com/spf13/cobra"
)

// processConfig is what the YAML config file holds.
type processConfig struct {
	grpc.Config `yaml:",inline"`
	Tracing     otel.TracingConfig `yaml:"tracing"`
}

var (
	conf = processConfig{
		Config:  grpc.DefaultConfig(),
		Tracing: otel.TracingConfig{Service: "chunkmeta-coordinator"},
	}
	configPath string

	Cmd = &cobra.Command{
		Use:   "coordinator",
		Short: "Start a coordinator",
		Long:  `Start the chunk catalog coordinator with its in-process shard servers.`,
		RunE:  exec,
	}
)

func init() {
	flag.ConfigFile(Cmd, &configPath)

	// GRPC
	flag.GRPCAddr(Cmd, &conf.GrpcConfig.BindAddress)
	Cmd.Flags().StringVar(&conf.GrpcConfig.CertPath, "grpc-cert", "", "Server certificate, enables mTLS together with --grpc-key and --grpc-ca")
	Cmd.Flags().StringVar(&conf.GrpcConfig.KeyPath, "grpc-key", "", "Server key")
	Cmd.Flags().StringVar(&conf.GrpcConfig.CAPath, "grpc-ca", "", "CA used to verify clients")

	// System Catalog
	Cmd.Flags().StringVar(&conf.SystemCatalogProvider, "system-catalog-provider", conf.SystemCatalogProvider, "System catalog provider, memory or database")
	Cmd.Flags().StringVar(&conf.DBConfig.Driver, "db-driver", "postgres", "Database driver, postgres or sqlite")
	Cmd.Flags().StringVar(&conf.DBConfig.SQLitePath, "sqlite-path", "", "SQLite database file, empty keeps it in memory")
	Cmd.Flags().StringVar(&conf.DBConfig.Username, "username", "chunkmeta", "MetaTable username")
	Cmd.Flags().StringVar(&conf.DBConfig.Password, "password", "chunkmeta", "MetaTable password")
	Cmd.Flags().StringVar(&conf.DBConfig.Address, "db-address", "postgres", "MetaTable db address")
	Cmd.Flags().IntVar(&conf.DBConfig.Port, "db-port", 5432, "MetaTable db port")
	Cmd.Flags().StringVar(&conf.DBConfig.DBName, "db-name", "chunkmeta", "MetaTable db name")
	Cmd.Flags().IntVar(&conf.DBConfig.MaxIdleConns, "max-idle-conns", 10, "MetaTable max idle connections")
	Cmd.Flags().IntVar(&conf.DBConfig.MaxOpenConns, "max-open-conns", 10, "MetaTable max open connections")
	Cmd.Flags().StringVar(&conf.DBConfig.SslMode, "ssl-mode", "disable", "SSL mode for database connection")
	Cmd.Flags().DurationVar(&conf.NamespaceLockTimeout, "namespace-lock-timeout", conf.NamespaceLockTimeout, "How long a chunk operation waits for its namespace lock")

	// Notification
	Cmd.Flags().StringVar(&conf.NotificationStoreProvider, "notification-store-provider", conf.NotificationStoreProvider, "Notification store provider, memory or database")
	Cmd.Flags().StringVar(&conf.NotifierProvider, "notifier-provider", conf.NotifierProvider, "Notifier provider, memory or pulsar")
	Cmd.Flags().StringVar(&conf.NotificationTopic, "notification-topic", conf.NotificationTopic, "Notification topic")
	Cmd.Flags().StringVar(&conf.PulsarURL, "pulsar-url", "pulsar://localhost:6650", "Pulsar URL")

	// Shards and migrations
	Cmd.Flags().IntVar(&conf.Shards, "shards", conf.Shards, "Number of in-process shard servers")
	Cmd.Flags().DurationVar(&conf.RangeDeletionDelay, "range-deletion-delay", conf.RangeDeletionDelay, "Delay before orphaned ranges are deleted")
	Cmd.Flags().DurationVar(&conf.Migration.CriticalSectionTimeout, "critical-section-timeout", conf.Migration.CriticalSectionTimeout, "Time a migration may spend catching up before it aborts")
	Cmd.Flags().IntVar(&conf.Migration.ShardRetryBudget, "shard-retry-budget", conf.Migration.ShardRetryBudget, "Attempts before a shard is considered unreachable")
	Cmd.Flags().StringVar(&conf.ArchiveProvider, "archive-provider", "none", "Migration archive, none, memory or s3")
	Cmd.Flags().StringVar(&conf.ArchivePrefix, "archive-prefix", "chunkmeta", "Key prefix of archived migrations")
	Cmd.Flags().StringVar(&conf.S3Config.BucketName, "s3-bucket", "", "S3 bucket of the migration archive")
	Cmd.Flags().StringVar(&conf.S3Config.Region, "s3-region", "us-east-1", "S3 region")
	Cmd.Flags().StringVar(&conf.S3Config.Endpoint, "s3-endpoint", "", "S3 compatible endpoint, empty uses AWS")

	// Memberlist
	Cmd.Flags().StringVar(&conf.KubernetesNamespace, "kubernetes-namespace", conf.KubernetesNamespace, "Kubernetes namespace")
	Cmd.Flags().StringVar(&conf.ShardPodLabel, "shard-pod-label", conf.ShardPodLabel, "member-type label of shard pods")
	Cmd.Flags().IntVar(&conf.ShardPort, "shard-port", conf.ShardPort, "Port shard pods listen on")
	Cmd.Flags().DurationVar(&conf.WatchInterval, "watch-interval", conf.WatchInterval, "Watch interval")
	Cmd.Flags().BoolVar(&conf.LeaderElection, "leader-election", false, "Only run background work while holding the leader lease")
	Cmd.Flags().BoolVar(&conf.Testing, "standalone", false, "Run without Kubernetes")

	// Tracing
	Cmd.Flags().StringVar(&conf.Tracing.Endpoint, "otel-endpoint", "", "OTLP collector endpoint, empty disables tracing")
	Cmd.Flags().StringVar(&conf.Tracing.Service, "otel-service", conf.Tracing.Service, "Service name reported to the collector")
	Cmd.Flags().BoolVar(&conf.Tracing.MetricsEnabled, "otel-metrics", false, "Also export metrics to the collector")
}

func exec(cmd *cobra.Command, _ []string) error {
	if err := flag.LoadConfigFile(cmd, configPath, &conf); err != nil {
		return err
	}
	utils.RunProcess(func() (io.Closer, error) {
		return start(cmd.Context())
	})
	return nil
}

func start(ctx context.Context) (io.Closer, error) {
	shutdownTracing := func(context.Context) error { return nil }
	if conf.Tracing.Endpoint != "" {
		shutdown, err := otel.InitTracing(ctx, &conf.Tracing)
		if err != nil {
			return nil, err
		}
		shutdownTracing = shutdown
	}
	server, err := grpc.New(conf.Config)
	if err != nil {
		return nil, errors.Join(err, shutdownTracing(ctx))
	}
	return utils.CloserFunc(func() error {
		return errors.Join(server.Close(), shutdownTracing(context.Background()))
	}), nil
}
