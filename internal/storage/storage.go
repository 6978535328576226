// Package storage keeps uploaded receipt files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

// BlobStore stores receipt files under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New returns the backend selected by cfg.Backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (BlobStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocal(cfg.LocalDir, logger)
	case "s3":
		return NewS3(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// Local stores files under a root directory.
type Local struct {
	root   string
	logger *slog.Logger
}

func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Local{root: abs, logger: logger.With(slog.String("component", "blob_local"))}, nil
}

func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if p != l.root && !strings.HasPrefix(p, l.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: key %q escapes storage root", common.ErrInvalidInput, key)
	}
	return p, nil
}

func (l *Local) Put(_ context.Context, key, _ string, data []byte) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit blob: %w", err)
	}
	l.logger.Debug("blob.put", "key", key, "bytes", len(data))
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, common.ErrNotFound)
	}
	return data, err
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
