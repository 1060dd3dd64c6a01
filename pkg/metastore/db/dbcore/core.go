package dbcore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var globalDB *gorm.DB

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConfig struct {
	Driver       string `yaml:"driver"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	DBName       string `yaml:"dbName"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	SslMode      string `yaml:"sslMode"`
	// SQLitePath is only read by the sqlite driver. Empty means in-memory.
	SQLitePath string `yaml:"sqlitePath"`
}

func ConnectDB(cfg DBConfig) error {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = ConnectSQLite(cfg.SQLitePath)
	case DriverPostgres, "":
		db, err = ConnectPostgres(cfg.Address, cfg.Username, cfg.Password, cfg.Port, cfg.DBName, cfg.SslMode, cfg.MaxIdleConns, cfg.MaxOpenConns)
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return err
	}
	globalDB = db
	return nil
}

func ConnectPostgres(address string, username string, password string, port int, dbName string, sslMode string, maxIdleConns int, maxOpenConns int) (*gorm.DB, error) {
	log.Info("ConnectPostgres", zap.String("host", address), zap.String("database", dbName), zap.Int("port", port))
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		address, username, password, dbName, port, sslMode)

	ormLogger := logger.Default
	ormLogger.LogMode(logger.Info)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:          ormLogger,
		CreateBatchSize: 100,
		TranslateError:  true,
	})
	if err != nil {
		log.Error("fail to connect db",
			zap.String("host", address),
			zap.String("database", dbName),
			zap.Error(err))
		return nil, err
	}

	if err := db.Use(tracing.NewPlugin()); err != nil {
		log.Error("fail to use tracing plugin", zap.Error(err))
		return nil, err
	}

	idb, err := db.DB()
	if err != nil {
		log.Error("fail to create db instance",
			zap.String("host", address),
			zap.String("database", dbName),
			zap.Error(err))
		return nil, err
	}
	idb.SetMaxIdleConns(maxIdleConns)
	idb.SetMaxOpenConns(maxOpenConns)

	log.Info("Postgres connected success",
		zap.String("host", address),
		zap.String("database", dbName))

	return db, nil
}

// ConnectSQLite opens a single-connection sqlite database. SQLite serializes
// writers anyway, and an in-memory database only lives as long as its one
// connection.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	log.Info("ConnectSQLite", zap.String("path", path))
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Error("fail to open sqlite", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	idb, err := db.DB()
	if err != nil {
		return nil, err
	}
	idb.SetMaxOpenConns(1)
	idb.SetMaxIdleConns(1)
	idb.SetConnMaxLifetime(0)
	return db, nil
}

func SetGlobalDB(db *gorm.DB) {
	globalDB = db
}

type ctxTransactionKey struct{}

func CtxWithTransaction(ctx context.Context, tx *gorm.DB) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxTransactionKey{}, tx)
}

func txFromContext(ctx context.Context) *gorm.DB {
	iface := ctx.Value(ctxTransactionKey{})
	if iface == nil {
		return nil
	}
	tx, ok := iface.(*gorm.DB)
	if !ok {
		log.Error("unexpect context value type", zap.Any("type", reflect.TypeOf(iface)))
		return nil
	}
	return tx
}

type txImpl struct{}

var _ dbmodel.ITransaction = &txImpl{}

func NewTxImpl() *txImpl {
	return &txImpl{}
}

// Transaction runs fn in a transaction. A transaction already carried by ctx
// is reused through a savepoint.
func (*txImpl) Transaction(ctx context.Context, fn func(txctx context.Context) error) error {
	db := txFromContext(ctx)
	if db == nil {
		db = globalDB.WithContext(ctx)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		txCtx := CtxWithTransaction(ctx, tx)
		return fn(txCtx)
	})
}

// ReadTransaction runs fn against a single snapshot. On postgres this is a
// read-only repeatable read transaction; sqlite transactions are serializable.
func (*txImpl) ReadTransaction(ctx context.Context, fn func(txctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	db := globalDB.WithContext(ctx)

	var opts []*sql.TxOptions
	if db.Dialector.Name() == DriverPostgres {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return db.Transaction(func(tx *gorm.DB) error {
		txCtx := CtxWithTransaction(ctx, tx)
		return fn(txCtx)
	}, opts...)
}

func GetDB(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return globalDB.WithContext(ctx)
}

func CreateTestTables(db *gorm.DB) {
	log.Info("CreateTestTables")
	for _, model := range dbmodel.AllModels() {
		if db.Migrator().HasTable(model) {
			continue
		}
		if err := db.Migrator().CreateTable(model); err != nil {
			log.Error("fail to create table", zap.Any("model", reflect.TypeOf(model)), zap.Error(err))
		}
	}
}

// ResetTestTables empties every table without dropping it.
func ResetTestTables(db *gorm.DB) {
	for _, model := range dbmodel.AllModels() {
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model)
	}
}

// ConfigDatabaseForTesting opens a fresh in-memory sqlite database, installs
// it as the global database and creates the schema.
func ConfigDatabaseForTesting() *gorm.DB {
	db, err := ConnectSQLite("")
	if err != nil {
		panic("failed to connect database")
	}
	globalDB = db
	CreateTestTables(db)
	return db
}

// ConfigPostgresForTesting is ConfigDatabaseForTesting against a throwaway
// postgres container.
func ConfigPostgresForTesting(ctx context.Context) (*gorm.DB, func(), error) {
	cfg, terminate, err := GetDBConfigForTesting(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := ConnectPostgres(cfg.Address, cfg.Username, cfg.Password, cfg.Port, cfg.DBName, cfg.SslMode, cfg.MaxIdleConns, cfg.MaxOpenConns)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	globalDB = db
	CreateTestTables(db)
	return db, terminate, nil
}

const testContainerStartupTimeout = 60 * time.Second
