// Package reconcile finds local images the metadata store does not know yet
// and uploads them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/imagemeta"
	"github.com/nucleus/imageindex/internal/retry"
)

// FileLister lists the file names already recorded in the metadata store.
type FileLister interface {
	ListFileNames(ctx context.Context) ([]string, error)
}

// Scanner compares the image directory with the metadata store.
type Scanner struct {
	dir   string
	retry retry.Policy
	log   *zap.Logger
}

// NewScanner scans dir. Store reads go through storeRetry.
func NewScanner(dir string, storeRetry retry.Policy, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{dir: dir, retry: storeRetry, log: log}
}

// ListLocal returns the image files directly inside the directory, sorted.
// Subdirectories and non-image files are ignored.
func (s *Scanner) ListLocal(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Configuration("reconcile.list_local", fmt.Errorf("image directory %q does not exist", s.dir))
		}
		return nil, apperr.Configuration("reconcile.list_local", fmt.Errorf("read image directory: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !imagemeta.IsImage(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Scan returns the local images missing from the store.
func (s *Scanner) Scan(ctx context.Context, store FileLister) ([]string, error) {
	local, err := s.ListLocal(ctx)
	if err != nil {
		return nil, err
	}

	var known []string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		known, err = store.ListFileNames(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	missing := Missing(local, known)
	s.log.Debug("scan complete",
		zap.Int("local", len(local)),
		zap.Int("known", len(known)),
		zap.Int("missing", len(missing)))
	return missing, nil
}

// Missing returns the names in local that are absent from known, sorted.
func Missing(local, known []string) []string {
	seen := make(map[string]struct{}, len(known))
	for _, k := range known {
		seen[k] = struct{}{}
	}
	out := make([]string, 0)
	for _, name := range local {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
