package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the requested key does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	UserMetadata map[string]string
}

// Client represents the object store capabilities the pipeline expects.
// A Client is scoped to a single bucket; cross-bucket operations name the
// source bucket explicitly.
type Client interface {
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string, metadata map[string]string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PresignedPut(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
	Close() error
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioClient struct {
	client *minio.Client
	bucket string
}

func newMinioClient(cfg Config) (Client, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &minioClient{client: cl, bucket: cfg.Bucket}, nil
}

func (m *minioClient) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapError(err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close() //nolint:errcheck
		return nil, ObjectInfo{}, mapError(err)
	}

	return obj, fromMinioInfo(stat), nil
}

func (m *minioClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapError(err)
	}
	return fromMinioInfo(stat), nil
}

func (m *minioClient) CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string, metadata map[string]string) error {
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          m.bucket,
			Object:          dstKey,
			UserMetadata:    metadata,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{
			Bucket: srcBucket,
			Object: srcKey,
		},
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (m *minioClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, mapError(obj.Err)
		}
		infos = append(infos, fromMinioInfo(obj))
	}
	return infos, nil
}

func (m *minioClient) PresignedPut(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	return m.client.PresignedPutObject(ctx, m.bucket, key, expiry)
}

func (m *minioClient) Close() error {
	return nil
}

func fromMinioInfo(info minio.ObjectInfo) ObjectInfo {
	meta := map[string]string{}
	for k, v := range info.UserMetadata {
		meta[normalizeMetaKey(k)] = v
	}
	for k, vs := range info.Metadata {
		if len(vs) == 0 {
			continue
		}
		if norm, ok := strings.CutPrefix(strings.ToLower(k), "x-amz-meta-"); ok {
			meta[norm] = vs[0]
		}
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		UserMetadata: meta,
	}
}

// normalizeMetaKey lowercases user metadata keys and strips the storage
// provider's header prefix, so lookups are provider-independent.
func normalizeMetaKey(k string) string {
	k = strings.ToLower(k)
	k = strings.TrimPrefix(k, "x-amz-meta-")
	return k
}

func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}
