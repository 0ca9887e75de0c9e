package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend stores objects as files under {basePath}/{bucket}/{key}.
type FilesystemBackend struct {
	basePath string
}

func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{basePath: basePath}
}

// path resolves bucket and key to a file inside basePath. Absolute parts,
// null bytes and anything that escapes the base directory are rejected.
func (f *FilesystemBackend) path(bucket, key string) (string, error) {
	for _, part := range []string{bucket, key} {
		if part == "" {
			return "", fmt.Errorf("invalid path: empty bucket or key")
		}
		if strings.ContainsRune(part, 0) {
			return "", fmt.Errorf("invalid path: null byte not allowed")
		}
		if filepath.IsAbs(part) || filepath.VolumeName(part) != "" {
			return "", fmt.Errorf("invalid path: absolute paths not allowed")
		}
	}

	base := filepath.Clean(f.basePath)
	full := filepath.Join(base, bucket, filepath.FromSlash(key))
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: path escapes base directory")
	}
	return full, nil
}

// Put writes to a temporary file and renames it into place so readers never
// see a partial object.
func (f *FilesystemBackend) Put(ctx context.Context, bucket, key string, r io.Reader, _ int64) error {
	full, err := f.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	full, err := f.path(bucket, key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete is idempotent.
func (f *FilesystemBackend) Delete(ctx context.Context, bucket, key string) error {
	full, err := f.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	full, err := f.path(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}
