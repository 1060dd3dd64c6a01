package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioImage    = "minio/minio:RELEASE.2024-05-10T01-41-38Z"
	minioUser     = "chunkmeta"
	minioPassword = "chunkmeta-archive"
	minioRegion   = "us-east-1"
)

var minioPort = nat.Port("9000/tcp")

// MinioContainer is an S3 compatible server for archive tests.
type MinioContainer struct {
	testcontainers.Container
	Endpoint string
}

func NewMinioContainer(ctx context.Context) (*MinioContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        minioImage,
			ExposedPorts: []string{string(minioPort)},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort(minioPort).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting minio: %w", err)
	}
	endpoint, err := container.PortEndpoint(ctx, minioPort, "http")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("resolving minio endpoint: %w", err)
	}
	return &MinioContainer{Container: container, Endpoint: endpoint}, nil
}

// NewS3ArchiveWithContainer starts minio and returns an archive writing to a
// fresh bucket in it.
func NewS3ArchiveWithContainer(ctx context.Context, bucketName string, prefix string) (*S3Archive, *MinioContainer, error) {
	container, err := NewMinioContainer(ctx)
	if err != nil {
		return nil, nil, err
	}
	archive, err := NewS3Archive(ctx, S3Config{
		BucketName: bucketName,
		Region:     minioRegion,
		Prefix:     prefix,
		Endpoint:   container.Endpoint,
		AccessKey:  minioUser,
		SecretKey:  minioPassword,
	})
	if err == nil {
		err = archive.CreateBucket(ctx, minioRegion)
	}
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}
	return archive, container, nil
}
