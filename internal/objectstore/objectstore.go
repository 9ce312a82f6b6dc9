// Package objectstore stores image bytes in an S3-compatible bucket and hands
// out URLs the embedding provider can fetch.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/nucleus/imageindex/internal/apperr"
)

// ObjectStore is the object store surface used by the sync engine.
// Keys are file names; the store applies its configured prefix.
type ObjectStore interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
	// Head reports whether the object exists. A missing object is not an error.
	Head(ctx context.Context, name string) (bool, error)
	// Put writes data with the given content type.
	Put(ctx context.Context, name string, data []byte, contentType string) error
	// ObjectURL returns a URL for the object, public or presigned.
	ObjectURL(ctx context.Context, name string) (string, error)
}

// New builds the store for cfg.Driver.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalizeDefaults()
	switch cfg.Driver {
	case DriverS3:
		return NewS3Store(ctx, cfg)
	case DriverLocal:
		return NewLocalStore(cfg)
	default:
		return NewMinioStore(cfg)
	}
}

// LocalStore keeps objects on disk under RootPath/Bucket. Used for tests and
// single-machine setups.
type LocalStore struct {
	cfg  Config
	root string

	mu           sync.RWMutex
	contentTypes map[string]string
}

// NewLocalStore creates a disk-backed store.
func NewLocalStore(cfg Config) (*LocalStore, error) {
	cfg.Driver = DriverLocal
	cfg.normalizeDefaults()
	if cfg.Bucket == "" {
		return nil, apperr.Configuration("objectstore.local", fmt.Errorf("bucket is required"))
	}
	return &LocalStore{
		cfg:          cfg,
		root:         filepath.Join(cfg.RootPath, cfg.Bucket),
		contentTypes: make(map[string]string),
	}, nil
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(s.cfg.objectKey(name)))
}

func (s *LocalStore) EnsureBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return wrapError("objectstore.ensure_bucket", CodeWriteFailed, false, err)
	}
	return nil
}

func (s *LocalStore) Head(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapError("objectstore.head", CodeReadFailed, false, err)
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return wrapError("objectstore.put", CodeWriteFailed, false, fmt.Errorf("object key is required"))
	}
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return wrapError("objectstore.put", CodeWriteFailed, false, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return wrapError("objectstore.put", CodeWriteFailed, false, err)
	}
	s.mu.Lock()
	s.contentTypes[name] = contentType
	s.mu.Unlock()
	return nil
}

// ContentType returns the content type recorded by Put in this process.
func (s *LocalStore) ContentType(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[name]
}

func (s *LocalStore) ObjectURL(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := s.cfg.objectKey(name)
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.publicURL(key), nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(s.path(name))}
	return u.String(), nil
}
