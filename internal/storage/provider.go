// Package storage defines the artifact store abstraction used to hold crawl
// result archives between job completion and download.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a locator that resolves to no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Provider persists result artifacts and resolves their locators. Locators
// are opaque to callers; each provider mints and understands its own scheme
// (memory://, file://, gs://).
type Provider interface {
	// Put stores the content under path and returns a locator for it.
	Put(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// Open streams a previously stored artifact.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	// Remove deletes a stored artifact. Removing an unknown locator is an
	// error so the janitor can log leaks.
	Remove(ctx context.Context, locator string) error
}
