package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.uber.org/zap"
)

type S3Config struct {
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	Prefix     string `yaml:"prefix"`
	// Endpoint points at an S3 compatible store such as minio. Empty uses AWS.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Archive = &S3Archive{}

func NewS3Archive(ctx context.Context, config S3Config) (*S3Archive, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{
		client: client,
		bucket: config.BucketName,
		prefix: config.Prefix,
	}, nil
}

func (a *S3Archive) Put(ctx context.Context, record *model.MigrationRecord) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	key := ObjectKey(a.prefix, record.Namespace, record.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error("failed to archive migration", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (a *S3Archive) read(ctx context.Context, key string) (*model.MigrationRecord, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", common.ErrMigrationNotFound, key)
		}
		return nil, err
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return decodeRecord(payload)
}

func (a *S3Archive) keys(ctx context.Context, prefix string, match func(string) bool) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); match(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (a *S3Archive) Get(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	keys, err := a.keys(ctx, a.prefix, func(key string) bool { return isRecordKey(key, id) })
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s is not archived", common.ErrMigrationNotFound, id)
	}
	return a.read(ctx, keys[0])
}

func (a *S3Archive) List(ctx context.Context, namespace string) ([]*model.MigrationRecord, error) {
	dir := path.Join(a.prefix, namespace, "migrations") + "/"
	keys, err := a.keys(ctx, dir, func(key string) bool { return strings.HasSuffix(key, ".json") })
	if err != nil {
		return nil, err
	}
	out := make([]*model.MigrationRecord, 0, len(keys))
	for _, key := range keys {
		record, err := a.read(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// CreateBucket creates the archive bucket, tolerating one that already exists.
func (a *S3Archive) CreateBucket(ctx context.Context, region string) error {
	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
		CreateBucketConfiguration: &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		},
	})
	if err != nil &&
		!strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") &&
		!strings.Contains(err.Error(), "BucketAlreadyExists") &&
		!strings.Contains(err.Error(), "InvalidLocationConstraint") {
		return err
	}
	return nil
}
