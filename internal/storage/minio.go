package storage

import (
	"context"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/splax/peep/pkg/config"
)

// Minio stores artifacts in a MinIO (or any S3 compatible) bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the configured endpoint.
func NewMinio(cfg config.ObjectStoreConfig) (*Minio, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (m *Minio) UploadDir(ctx context.Context, prefix, dir string) (int, error) {
	files, err := collect(prefix, dir)
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		opts := minio.PutObjectOptions{ContentType: ContentType(f.path)}
		if _, err := m.client.FPutObject(ctx, m.bucket, f.key, f.path, opts); err != nil {
			return i, fmt.Errorf("upload %s: %w", f.key, err)
		}
	}
	return len(files), nil
}

func (m *Minio) DownloadPrefix(ctx context.Context, prefix, dir string) (int, error) {
	count := 0
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return count, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		target, err := LocalPath(dir, prefix, obj.Key)
		if err != nil {
			continue
		}
		if err := ensureParent(target); err != nil {
			return count, err
		}
		if err := m.client.FGetObject(ctx, m.bucket, obj.Key, target, minio.GetObjectOptions{}); err != nil {
			return count, fmt.Errorf("download %s: %w", obj.Key, err)
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: prefix %s", ErrNotFound, prefix)
	}
	return count, nil
}

func (m *Minio) DownloadFile(ctx context.Context, key, dest string) error {
	if err := ensureParent(dest); err != nil {
		return err
	}
	if err := m.client.FGetObject(ctx, m.bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}
