package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/imagemeta"
	"github.com/nucleus/imageindex/internal/objectstore"
	"github.com/nucleus/imageindex/internal/retry"
)

// DefaultUploadConcurrency bounds in-flight uploads.
const DefaultUploadConcurrency = 8

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Dir             string
	Concurrency     int
	SkipExistsCheck bool
	ObjectRetry     *retry.Policy
	StoreRetry      *retry.Policy
	Logger          *zap.Logger
}

// ItemError records one failed file.
type ItemError struct {
	FileName string
	Err      error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s: %v", e.FileName, e.Err) }

// Report summarizes one upload phase.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
	Uploaded  int
	Skipped   int
	// NotDispatched counts names left untouched after cancellation.
	NotDispatched int
	Errors        []ItemError
}

// Uploader copies local images to the object store and records them in the
// metadata store.
type Uploader struct {
	objects objectstore.ObjectStore
	store   assetstore.Store
	opts    UploaderOptions
	log     *zap.Logger

	objectRetry retry.Policy
	storeRetry  retry.Policy
}

// NewUploader builds an Uploader. Nil retry policies get the default schedules.
func NewUploader(objects objectstore.ObjectStore, store assetstore.Store, opts UploaderOptions) *Uploader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultUploadConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	u := &Uploader{objects: objects, store: store, opts: opts, log: log}

	if opts.ObjectRetry != nil {
		u.objectRetry = *opts.ObjectRetry
	} else {
		u.objectRetry = retry.NewPolicy(retry.ObjectDelays, objectstore.IsRetryable)
	}
	if opts.StoreRetry != nil {
		u.storeRetry = *opts.StoreRetry
	} else {
		u.storeRetry = retry.NewPolicy(retry.StoreDelays, assetstore.IsRetryable)
	}
	if u.objectRetry.OnRetry == nil {
		u.objectRetry.OnRetry = u.logRetry("object store")
	}
	if u.storeRetry.OnRetry == nil {
		u.storeRetry.OnRetry = u.logRetry("metadata store")
	}
	return u
}

func (u *Uploader) logRetry(target string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		u.log.Warn("retrying "+target+" call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

// Run uploads names with bounded concurrency. Item failures are collected,
// not returned. Once ctx is done no new items start; items already running
// finish on a context detached from ctx.
func (u *Uploader) Run(ctx context.Context, names []string) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	detached := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(u.opts.Concurrency)

	for i, name := range names {
		if ctx.Err() != nil {
			report.NotDispatched = len(names) - i
			break
		}
		g.Go(func() error {
			uploaded, err := u.processOne(detached, name)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, ItemError{FileName: name, Err: err})
				u.log.Warn("upload failed", zap.String("file", name), zap.Error(err))
			case uploaded:
				report.Succeeded++
				report.Uploaded++
			default:
				report.Succeeded++
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	u.log.Info("upload phase finished",
		zap.Int("processed", report.Processed),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("not_dispatched", report.NotDispatched))
	return report
}

// processOne reports whether bytes were written to the object store.
func (u *Uploader) processOne(ctx context.Context, name string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(u.opts.Dir, name))
	if err != nil {
		return false, apperr.Storage("reconcile.read_local", false, fmt.Errorf("read %s: %w", name, err))
	}

	var width, height *int32
	if w, h, ok := imagemeta.Dimensions(bytes.NewReader(data)); ok {
		width, height = assetstore.Int32(w), assetstore.Int32(h)
	} else {
		u.log.Debug("image dimensions unknown", zap.String("file", name))
	}

	exists := false
	if !u.opts.SkipExistsCheck {
		err := u.objectRetry.Do(ctx, func(ctx context.Context) error {
			var err error
			exists, err = u.objects.Head(ctx, name)
			return err
		})
		if err != nil {
			return false, err
		}
	}

	if !exists {
		err := u.objectRetry.Do(ctx, func(ctx context.Context) error {
			return u.objects.Put(ctx, name, data, imagemeta.ContentType(name))
		})
		if err != nil {
			return false, err
		}
	}

	err = u.storeRetry.Do(ctx, func(ctx context.Context) error {
		return u.store.UpsertAsset(ctx, name, width, height)
	})
	if err != nil {
		return false, err
	}
	return !exists, nil
}
