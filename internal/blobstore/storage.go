// Package blobstore wraps MinIO/S3 interactions for the raw and processed
// buckets.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hariprasadms/mediaharbor/internal/config"
)

// Storage provides get/put/exists/delete over two logical buckets: raw holds
// bytes as acquired, processed holds conversion output.
type Storage struct {
	client          *minio.Client
	rawBucket       string
	processedBucket string
	region          string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:          client,
		rawBucket:       cfg.RawBucket,
		processedBucket: cfg.ProcessedBucket,
		region:          cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the raw/processed buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.processedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadRaw streams acquired bytes into the raw bucket.
func (s *Storage) UploadRaw(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.rawBucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("upload raw object: %w", err)
	}
	return nil
}

// DownloadRawTo streams a raw object into w and returns the bytes copied.
func (s *Storage) DownloadRawTo(ctx context.Context, key string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get raw object: %w", err)
	}
	defer obj.Close()
	n, err := io.Copy(w, obj)
	if err != nil {
		return n, fmt.Errorf("read raw object: %w", err)
	}
	return n, nil
}

// RawExists reports whether a raw object is already persisted, which lets
// retried import jobs skip the remote re-fetch.
func (s *Storage) RawExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.rawBucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat raw object: %w", err)
}

// DeleteRaw removes a raw object.
func (s *Storage) DeleteRaw(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.rawBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete raw object: %w", err)
	}
	return nil
}

// UploadProcessedFrom streams conversion output into the processed bucket.
func (s *Storage) UploadProcessedFrom(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.processedBucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("upload processed object: %w", err)
	}
	return nil
}

// ProcessedExists reports whether the processed artifact is present.
func (s *Storage) ProcessedExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.processedBucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat processed object: %w", err)
}

// PresignProcessedURL returns a signed GET URL for a processed artifact.
func (s *Storage) PresignProcessedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.processedBucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign processed object: %w", err)
	}
	return u.String(), nil
}

// DeleteProcessed removes a processed object.
func (s *Storage) DeleteProcessed(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.processedBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete processed object: %w", err)
	}
	return nil
}
