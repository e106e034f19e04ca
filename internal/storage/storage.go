// Package storage uploads finished archives to a remote object store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
)

// Common errors for storage operations.
var (
	ErrUploadFailed = errors.New("upload failed")
	ErrListFailed   = errors.New("list failed")
)

// ObjectStorage is the remote destination of day archives.
type ObjectStorage interface {
	// Upload copies the local file to objectPath, replacing any object there.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Exists reports whether objectPath is present remotely.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns the object paths under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 8MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 8 * 1024 * 1024}
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.UsePathStyle
		return NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
