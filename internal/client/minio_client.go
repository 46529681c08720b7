package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sellerstudio/api/internal/config"
)

// MinIOClient implements StorageClient for MinIO or any S3-compatible endpoint
type MinIOClient struct {
	client     *minio.Client
	bucketName string
	publicURL  string
	endpoint   string
	secure     bool
}

// NewMinIOClient creates a MinIO client and makes sure the bucket exists
func NewMinIOClient(ctx context.Context, cfg *config.MinIOConfig) (*MinIOClient, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("MinIO configuration incomplete")
	}

	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := c.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.BucketName, err)
	}
	if !exists {
		if err := c.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.BucketName, err)
		}
	}

	return &MinIOClient{
		client:     c,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		endpoint:   cfg.Endpoint,
		secure:     cfg.Secure,
	}, nil
}

// Upload stores an object and returns its public URL
func (c *MinIOClient) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, c.bucketName, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return c.GetPublicURL(key), nil
}

// Delete removes an object
func (c *MinIOClient) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete from MinIO: %w", err)
	}
	return nil
}

// GetPublicURL returns the public URL for a key
func (c *MinIOClient) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, c.endpoint, c.bucketName, key)
}
