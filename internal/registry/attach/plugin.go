package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// FileTooLargeError indicates a payload exceeded the configured size limit.
// Routes map it to a validation failure rather than accepting a partial write.
type FileTooLargeError struct {
	MaxSize int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file exceeds maximum size of %d bytes", e.MaxSize)
}

// StoreResult is the result of writing one attachment payload.
type StoreResult struct {
	Size   int64
	SHA256 string
}

// AttachmentStore defines the interface for attachment payload backends.
// Storage paths are chosen by the caller and are opaque handles scoped to a
// single conversation.
type AttachmentStore interface {
	// Store writes payload bytes under storagePath, enforcing maxSize.
	Store(ctx context.Context, storagePath string, data io.Reader, maxSize int64, contentType string) (*StoreResult, error)
	// Retrieve returns a reader for the stored payload plus its stored
	// content type (empty when the backend did not record one).
	Retrieve(ctx context.Context, storagePath string) (io.ReadCloser, string, error)
	// Delete removes the stored payload.
	Delete(ctx context.Context, storagePath string) error
	// GetSignedURL returns a time-limited signed download URL, if the
	// backend supports it.
	GetSignedURL(ctx context.Context, storagePath string, expiry time.Duration) (*url.URL, error)
}

// Loader creates an AttachmentStore from config.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
