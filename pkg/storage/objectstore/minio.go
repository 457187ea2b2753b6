package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioClient struct {
	client *minio.Client
	bucket string
	prefix string
}

func newMinioClient(ctx context.Context, cfg Config) (Client, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)

	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	if cfg.CreateBucket {
		exists, err := cl.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, classifyMinioError(err))
		}
		if !exists {
			if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, classifyMinioError(err))
			}
		}
	}

	return &minioClient{client: cl, bucket: cfg.Bucket, prefix: cfg.PublicPrefix}, nil
}

func (m *minioClient) Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error) {
	key := NewKey(fileName)
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"original-filename": url.PathEscape(fileName),
		},
	}

	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", key, classifyMinioError(err))
	}

	return &StoredObject{
		Key:        key,
		URL:        objectURL(m.prefix, key),
		SizeBytes:  info.Size,
		Checksum:   info.ETag,
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (m *minioClient) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("get object %q: %w", key, ErrNotFound)
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, classifyMinioError(err))
	}
	defer obj.Close()

	// GetObject is lazy: a missing key only surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, classifyMinioError(err))
	}
	return data, nil
}

func (m *minioClient) ContentType(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("stat object %q: %w", key, ErrNotFound)
	}

	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("stat object %q: %w", key, classifyMinioError(err))
	}
	return info.ContentType, nil
}

func (m *minioClient) Remove(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("remove object %q: %w", key, ErrNotFound)
	}

	// S3 deletes are idempotent, so stat first to report unknown keys.
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("stat object %q: %w", key, classifyMinioError(err))
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, classifyMinioError(err))
	}
	return nil
}

func (m *minioClient) Close() error {
	return nil
}

func classifyMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case resp.Code == "QuotaExceeded" || resp.Code == "XMinioStorageFull" ||
		resp.Code == "XMinioAdminBucketQuotaExceeded" || resp.StatusCode == http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// splitEndpoint strips an optional scheme; minio.New wants host[:port] only.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), useSSL
	default:
		return strings.TrimSuffix(endpoint, "/"), useSSL
	}
}
