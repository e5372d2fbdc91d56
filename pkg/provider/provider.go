// Package provider abstracts the object stores job results are published
// to. Backends write objects and report their metadata; nothing else.
//
// Authentication uses the SDK default credential chains. Providers do not
// implement their own auth.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider stores published artifacts. Implementations are safe for
// concurrent use.
type Provider interface {
	// PutObject creates or replaces key with the contents of body.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for key, or an error wrapping ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ProviderType identifies a backend.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
