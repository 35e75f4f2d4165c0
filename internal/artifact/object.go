package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore keeps one object prefix per job id in a MinIO/S3 bucket.
// PutObject publishes atomically, so readers never see partial blobs.
type ObjectStore struct {
	minio  *minio.Client
	bucket string
}

type ObjectConfig struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
}

func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	return &ObjectStore{
		minio:  mc,
		bucket: cfg.Bucket,
	}, nil
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.minio.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.minio.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := s.minio.BucketExists(ctx, s.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}

	return nil
}

func (s *ObjectStore) key(jobID string, kind Kind) string {
	return Ref{JobID: jobID, Kind: kind}.String()
}

func (s *ObjectStore) Put(ctx context.Context, jobID string, kind Kind, r io.Reader) (Ref, error) {
	key := s.key(jobID, kind)
	_, err := s.minio.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: kind.ContentType(),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Ref{JobID: jobID, Kind: kind}, nil
}

func (s *ObjectStore) Open(ctx context.Context, jobID string, kind Kind) (io.ReadSeekCloser, error) {
	key := s.key(jobID, kind)
	obj, err := s.minio.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	// GetObject is lazy; surface missing objects here instead of on the
	// first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, nil
}

func (s *ObjectStore) Size(ctx context.Context, jobID string, kind Kind) (int64, error) {
	key := s.key(jobID, kind)
	info, err := s.minio.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size, nil
}

func (s *ObjectStore) Delete(ctx context.Context, jobID string, kind Kind) error {
	key := s.key(jobID, kind)
	if err := s.minio.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) Purge(ctx context.Context, jobID string) error {
	prefix := sanitizePathToken(jobID) + "/"
	for obj := range s.minio.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		if err := s.minio.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %s: %w", obj.Key, err)
		}
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}
