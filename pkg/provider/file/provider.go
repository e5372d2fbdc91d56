// Package file publishes to a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/viamerun/pkg/provider"
)

// Provider stores keys as slash-separated paths under a base directory.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, os.ErrNotExist)
	}
	return &provider.ObjectMeta{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
		ContentType:  mime.TypeByExtension(filepath.Ext(full)),
	}, nil
}

// PutObject writes through a temp file in the destination directory so
// readers never observe a partial object.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".viamerun-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if contentLength >= 0 && n != contentLength {
		return p.wrapError("PutObject", key, fmt.Errorf("wrote %d bytes, expected %d", n, contentLength))
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// fullPath maps key under baseDir, rejecting keys that escape it.
func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
