package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// MinIOStore writes images to an S3 compatible bucket
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
	logger *logger.Logger

	mu          sync.Mutex
	bucketReady bool
}

// NewMinIOStore creates the client and makes sure the bucket exists.
// An unreachable endpoint is logged; the bucket check then runs again
// before the next write.
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig, log *logger.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinIOStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: log}
	if err := s.ensureBucket(ctx); err != nil {
		log.Warn("Image bucket not reachable, retrying on next write",
			"endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "error", err)
		return s, nil
	}

	log.Info("MinIO image store initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
		s.logger.Info("Created image bucket", "bucket", s.bucket)
	}
	s.bucketReady = true
	return nil
}

func (s *MinIOStore) Name() string { return "minio" }

func (s *MinIOStore) objectName(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return path.Join(s.prefix, ref)
}

func (s *MinIOStore) Put(ctx context.Context, occ occurrence.Occurrence, data []byte) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	ref := ObjectKey(occ)
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(ref),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
			UserMetadata: map[string]string{
				"occurrence-id": occ.ID,
				"site-id":       occ.SiteID,
				"class":         occ.Class,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to save image to bucket %s: %w", s.bucket, err)
	}
	s.logger.Debug("Stored image", "bucket", s.bucket, "ref", ref, "bytes", len(data))
	return ref, nil
}

func (s *MinIOStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, ErrImageNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return buf.Bytes(), nil
}

// Check verifies the bucket is reachable
func (s *MinIOStore) Check(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
