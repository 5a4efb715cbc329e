package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3-compatible blob backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3 is a Store backed by any S3-compatible object store (MinIO, AWS S3).
// Objects are keyed as <namespace>/<path> inside a single bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the object store and ensures the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 blob store: endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 blob store: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "loom-blobs"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("s3 bucket create: %w", err)
		}
	}
	return &S3{client: client, bucket: bucket}, nil
}

func objectName(namespace, path string) string {
	return namespace + "/" + path
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(namespace, path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", namespace, path, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 read %s/%s: %w", namespace, path, err)
	}
	return data, nil
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, namespace, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(namespace, path),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", namespace, path, err)
	}
	return nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, namespace, path string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName(namespace, path), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 delete %s/%s: %w", namespace, path, err)
	}
	return nil
}

// List implements Store.
func (s *S3) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{Prefix: objectName(namespace, prefix), Recursive: true}
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3 list %s/%s: %w", namespace, prefix, obj.Err)
		}
		paths = append(paths, strings.TrimPrefix(obj.Key, namespace+"/"))
	}
	return paths, nil
}
