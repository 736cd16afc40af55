package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/splax/peep/pkg/config"
)

// S3 stores artifacts in an AWS S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 loads AWS configuration, preferring static keys when configured and
// the default credential chain otherwise.
func NewS3(ctx context.Context, cfg config.ObjectStoreConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				scheme := "http://"
				if cfg.UseSSL {
					scheme = "https://"
				}
				endpoint = scheme + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) UploadDir(ctx context.Context, prefix, dir string) (int, error) {
	files, err := collect(prefix, dir)
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := s.put(ctx, f); err != nil {
			return i, err
		}
	}
	return len(files), nil
}

func (s *S3) put(ctx context.Context, f localFile) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(f.key),
		Body:        file,
		ContentType: aws.String(ContentType(f.path)),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.key, err)
	}
	return nil
}

func (s *S3) DownloadPrefix(ctx context.Context, prefix, dir string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	count := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return count, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			target, err := LocalPath(dir, prefix, key)
			if err != nil {
				continue
			}
			if err := s.DownloadFile(ctx, key, target); err != nil {
				return count, err
			}
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: prefix %s", ErrNotFound, prefix)
	}
	return count, nil
}

func (s *S3) DownloadFile(ctx context.Context, key, dest string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := ensureParent(dest); err != nil {
		return err
	}
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return file.Close()
}
