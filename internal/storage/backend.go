// Package storage writes archived events to a filesystem or S3 backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/hookrelay/internal/config"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

// Backend stores opaque objects addressed by bucket and key.
type Backend interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.ArchiveConfig) (Backend, error) {
	switch cfg.Backend {
	case "filesystem", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: archive.path is required", ErrInvalidConfig)
		}
		return NewFilesystemBackend(cfg.Path), nil
	case "s3":
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}
}
