package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// S3Config holds S3 connection parameters.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"` // optional: MinIO, localstack, etc.
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// S3Client defines the minimal S3 API used by the adapter. GetObject must
// return an error matching apperrors.ErrNotFound for missing objects.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// S3 is the StorageAdapter backed by S3 or an S3-compatible store. Object keys
// are Prefix joined with the storage key's path.
type S3 struct {
	client S3Client
	bucket string
	prefix string
}

var _ core.StorageAdapter = (*S3)(nil)

// NewS3 creates an S3 adapter. client must not be nil.
func NewS3(client S3Client, cfg S3Config) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 storage: client must not be nil")
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) locate(key core.StorageKey) (string, string) {
	bucket := key.Bucket
	if bucket == "" {
		bucket = s.bucket
	}
	return bucket, path.Join(s.prefix, key.Path)
}

func (s *S3) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "s3.put", err)
	}
	bucket, k := s.locate(key)
	if err := s.client.PutObject(ctx, bucket, k, r, meta); err != nil {
		return apperrors.Transient("s3.put", err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "s3.get", err)
	}
	bucket, k := s.locate(key)
	rc, err := s.client.GetObject(ctx, bucket, k)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.New(apperrors.CategoryStorage, "s3.get", err)
		}
		return nil, apperrors.Transient("s3.get", err)
	}
	return rc, nil
}

func (s *S3) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "s3.delete", err)
	}
	bucket, k := s.locate(key)
	return apperrors.Wrap(apperrors.CategoryStorage, "s3.delete", s.client.DeleteObject(ctx, bucket, k))
}

func (s *S3) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "s3.exists", err)
	}
	bucket, k := s.locate(key)
	ok, err := s.client.HeadObject(ctx, bucket, k)
	return ok, apperrors.Wrap(apperrors.CategoryStorage, "s3.exists", err)
}
