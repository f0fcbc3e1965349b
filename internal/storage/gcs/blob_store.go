// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gstorage "cloud.google.com/go/storage"

	"schemagend/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore reads and writes artifacts in a configured GCS bucket.
type BlobStore struct {
	client *gstorage.Client
	bucket string
}

// New creates a GCS-backed artifact store.
func New(client *gstorage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data to the configured bucket and returns a gs:// locator.
func (s *BlobStore) Put(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Open streams an object referenced by a gs:// locator.
func (s *BlobStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	path, err := s.objectPath(locator)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return reader, nil
}

// Remove deletes the object referenced by a gs:// locator.
func (s *BlobStore) Remove(ctx context.Context, locator string) error {
	path, err := s.objectPath(locator)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *BlobStore) objectPath(locator string) (string, error) {
	prefix := fmt.Sprintf("gs://%s/", s.bucket)
	path, ok := strings.CutPrefix(locator, prefix)
	if !ok || path == "" {
		return "", fmt.Errorf("unexpected locator %q", locator)
	}
	return path, nil
}
