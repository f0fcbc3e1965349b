// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"schemagend/internal/storage"
)

const scheme = "memory://"

// BlobStore keeps artifact bytes in a map and hands out memory:// locators.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// locator.
func (s *BlobStore) Put(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), byteData...)
	return scheme + path, nil
}

// Open returns a reader over a copy of the stored bytes.
func (s *BlobStore) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	path, ok := strings.CutPrefix(locator, scheme)
	if !ok {
		return nil, fmt.Errorf("unexpected locator %q", locator)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.data[path]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// Remove deletes the stored artifact.
func (s *BlobStore) Remove(_ context.Context, locator string) error {
	path, ok := strings.CutPrefix(locator, scheme)
	if !ok {
		return fmt.Errorf("unexpected locator %q", locator)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[path]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, path)
	return nil
}
