package dbcore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/pingcap/log"
	"github.com/testcontainers/testcontainers-go"
	postgres2 "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// GetDBConfigForTesting starts a postgres container and returns a config
// pointing at it, along with a function that stops the container.
func GetDBConfigForTesting(ctx context.Context) (DBConfig, func(), error) {
	dbName := "chunkmeta"
	dbUsername := "chunkmeta"
	dbPassword := "chunkmeta"
	port := nat.Port("5432/tcp")

	container, err := postgres2.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres2.WithDatabase(dbName),
		postgres2.WithUsername(dbUsername),
		postgres2.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForSQL(port, "postgres", func(host string, p nat.Port) string {
				return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
					host, p.Port(), dbUsername, dbPassword, dbName)
			}).WithStartupTimeout(testContainerStartupTimeout)),
	)
	if err != nil {
		return DBConfig{}, nil, err
	}
	terminate := func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Error("fail to terminate postgres container", zap.Error(err))
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return DBConfig{}, nil, err
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		terminate()
		return DBConfig{}, nil, err
	}
	p, err := strconv.Atoi(mapped.Port())
	if err != nil {
		terminate()
		return DBConfig{}, nil, err
	}
	return DBConfig{
		Driver:       DriverPostgres,
		Username:     dbUsername,
		Password:     dbPassword,
		Address:      host,
		Port:         p,
		DBName:       dbName,
		MaxIdleConns: 10,
		MaxOpenConns: 100,
		SslMode:      "disable",
	}, terminate, nil
}
