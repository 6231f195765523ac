// Package storage wraps an S3-compatible object store (Supabase Storage, MinIO).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignTTL is how long generated download links stay valid.
const PresignTTL = 15 * time.Minute

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type Store struct {
	client *minio.Client
	region string
}

func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	// accept a URL as well as host[:port]
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse storage endpoint: %w", err)
		}
		endpoint = u.Host
		cfg.UseSSL = u.Scheme == "https"
	}
	if endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get reads an object fully. Objects larger than maxBytes fail with ErrObjectTooLarge; maxBytes <= 0 disables the cap.
func (s *Store) Get(ctx context.Context, bucket, key string, maxBytes int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapObjectError(bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, mapObjectError(bucket, key, err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, fmt.Errorf("%w: %s/%s is %d bytes", ErrObjectTooLarge, bucket, key, info.Size)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapObjectError(bucket, key, err)
	}
	return data, nil
}

// PresignedURL returns a time-limited GET link that downloads as filename.
func (s *Store) PresignedURL(ctx context.Context, bucket, key, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, PresignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func mapObjectError(bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404 {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return fmt.Errorf("get %s/%s: %w", bucket, key, err)
}

// ProofPackKey is the object key for a stored proof pack, scoped by organization and job.
func ProofPackKey(orgID, jobID, packID string) string {
	return path.Join(orgID, "jobs", jobID, "proof-packs", packID+".zip")
}

// SplitStoragePath splits "bucket/key..." evidence paths. Paths without a
// bucket segment resolve against fallbackBucket.
func SplitStoragePath(storagePath, fallbackBucket string) (bucket, key string) {
	p := strings.TrimPrefix(storagePath, "/")
	if fallbackBucket != "" && strings.HasPrefix(p, fallbackBucket+"/") {
		return fallbackBucket, strings.TrimPrefix(p, fallbackBucket+"/")
	}
	return fallbackBucket, p
}
