// Package blobstore wraps MinIO/S3 interactions for raw uploads and derived
// artifacts. The client is constructed once and injected wherever blob access
// is needed so tests can substitute a fake.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docscan-backend/internal/config"
)

// Storage provides access to the raw staging bucket and the artifact bucket.
type Storage struct {
	client         *minio.Client
	rawBucket      string
	artifactBucket string
	region         string
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
		client:         client,
		rawBucket:      cfg.RawBucket,
		artifactBucket: cfg.ArtifactBucket,
		region:         cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the raw/artifact buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.artifactBucket} {
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

// UploadRaw stages the original upload in the raw bucket.
func (s *Storage) UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.rawBucket, objectKey, reader, size, opts); err != nil {
		return fmt.Errorf("upload raw object: %w", err)
	}
	return nil
}

// DownloadRaw fetches the staged raw bytes.
func (s *Storage) DownloadRaw(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get raw object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read raw object: %w", err)
	}
	return buf, nil
}

// DeleteRaw removes the staged raw object. Deleting a nonexistent object is
// not an error.
func (s *Storage) DeleteRaw(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.rawBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete raw object: %w", err)
	}
	return nil
}

// UploadArtifact stores the generated PDF under its claimed artifact name.
func (s *Storage) UploadArtifact(ctx context.Context, name string, data []byte) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.PutObject(ctx, s.artifactBucket, name, reader, int64(len(data)), opts); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	return nil
}

// DeleteArtifact removes an artifact. Idempotent: a missing blob is fine.
func (s *Storage) DeleteArtifact(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.artifactBucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// ArtifactURL returns the stable object URL recorded on processed documents.
func (s *Storage) ArtifactURL(name string) string {
	base := *s.client.EndpointURL()
	base.Path = "/" + s.artifactBucket + "/" + name
	return base.String()
}

// PresignArtifactURL returns a short-lived presigned GET for an artifact. The
// download handler redirects here after validating the signed capability, so
// storage credentials never leave the service.
func (s *Storage) PresignArtifactURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.artifactBucket, name, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign artifact: %w", err)
	}
	return u.String(), nil
}
