package artifact

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/config"
)

// MinioStore serves release bundles out of an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the blob endpoint and verifies the bucket
// exists.
func NewMinioStore(cfg *config.BlobConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob store connect: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("blob store bucket %q does not exist", cfg.Bucket)
	}

	logrus.Infof("blob store connected: %s/%s", cfg.Endpoint, cfg.Bucket)
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat forces the first round trip so a missing key
	// surfaces here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, err
	}
	return obj, nil
}
