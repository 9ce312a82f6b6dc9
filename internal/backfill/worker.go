// Package backfill fills in what the upload phase leaves empty: embeddings
// for new rows, and pixel dimensions for rows recorded without them.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/objectstore"
	"github.com/nucleus/imageindex/internal/retry"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 3
)

// URLResolver hands out a fetchable URL for a stored object.
type URLResolver interface {
	ObjectURL(ctx context.Context, name string) (string, error)
}

// Options configures a Worker.
type Options struct {
	BatchSize     int
	Concurrency   int
	ProviderRetry *retry.Policy
	StoreRetry    *retry.Policy
	ObjectRetry   *retry.Policy
	Logger        *zap.Logger
}

// ItemError records one row that could not be encoded.
type ItemError struct {
	FileName string
	Err      error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s: %v", e.FileName, e.Err) }

// Report summarizes one drain. Attempted counts only rows that were
// dispatched to the provider; rows skipped after cancellation are in
// NotDispatched and stay pending.
type Report struct {
	Batches       int
	Attempted     int
	Succeeded     int
	Failed        int
	NotDispatched int
	// BatchFailures holds the failure count of each batch, in order.
	BatchFailures []int
	Errors        []ItemError
}

// Worker encodes rows whose embedding is still null.
type Worker struct {
	urls     URLResolver
	provider embedding.Provider
	store    assetstore.Store
	opts     Options
	log      *zap.Logger

	providerRetry retry.Policy
	storeRetry    retry.Policy
	objectRetry   retry.Policy
}

// NewWorker builds a Worker. Nil retry policies get the default schedules.
func NewWorker(urls URLResolver, provider embedding.Provider, store assetstore.Store, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{urls: urls, provider: provider, store: store, opts: opts, log: log}
	w.providerRetry = policyOr(opts.ProviderRetry, retry.ProviderDelays, embedding.IsRetryable)
	w.storeRetry = policyOr(opts.StoreRetry, retry.StoreDelays, assetstore.IsRetryable)
	w.objectRetry = policyOr(opts.ObjectRetry, retry.ObjectDelays, objectstore.IsRetryable)
	if w.providerRetry.OnRetry == nil {
		w.providerRetry.OnRetry = logRetry(log, "embedding provider")
	}
	if w.storeRetry.OnRetry == nil {
		w.storeRetry.OnRetry = logRetry(log, "metadata store")
	}
	return w
}

func policyOr(p *retry.Policy, delays []time.Duration, retryable func(error) bool) retry.Policy {
	if p != nil {
		return *p
	}
	return retry.NewPolicy(delays, retryable)
}

func logRetry(log *zap.Logger, target string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		log.Warn("retrying "+target+" call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

// Drain encodes pending rows batch by batch until none are left that have
// not already failed during this drain. Item failures stay null for the next
// drain. An error is returned only when pending rows cannot be fetched or
// ctx is done.
func (w *Worker) Drain(ctx context.Context) (Report, error) {
	var report Report
	failed := make([]string, 0)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var batch []assetstore.Asset
		err := w.storeRetry.Do(ctx, func(ctx context.Context) error {
			var err error
			batch, err = w.store.FetchPending(ctx, w.opts.BatchSize, failed)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("fetch pending rows: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		dispatched, errs := w.runBatch(ctx, batch)
		report.Batches++
		report.Attempted += dispatched
		report.Succeeded += dispatched - len(errs)
		report.Failed += len(errs)
		report.NotDispatched += len(batch) - dispatched
		report.BatchFailures = append(report.BatchFailures, len(errs))
		report.Errors = append(report.Errors, errs...)
		for _, e := range errs {
			failed = append(failed, e.FileName)
		}

		w.log.Info("embedding batch finished",
			zap.Int("batch", report.Batches),
			zap.Int("size", len(batch)),
			zap.Int("dispatched", dispatched),
			zap.Int("failed", len(errs)))
	}

	w.log.Info("embedding drain finished",
		zap.Int("batches", report.Batches),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// runBatch encodes one batch with bounded concurrency and returns how many
// items it dispatched. Items already started finish even if ctx is canceled.
// Items not yet started are skipped and stay pending.
func (w *Worker) runBatch(ctx context.Context, batch []assetstore.Asset) (int, []ItemError) {
	var (
		mu         sync.Mutex
		errs       []ItemError
		dispatched int
	)
	detached := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(w.opts.Concurrency)
	for _, asset := range batch {
		if ctx.Err() != nil {
			break
		}
		dispatched++
		g.Go(func() error {
			if err := w.encodeOne(detached, asset.FileName); err != nil {
				w.log.Warn("embedding failed", zap.String("file", asset.FileName), zap.Error(err))
				mu.Lock()
				errs = append(errs, ItemError{FileName: asset.FileName, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return dispatched, errs
}

func (w *Worker) encodeOne(ctx context.Context, name string) error {
	const op = "backfill.encode"

	var url string
	err := w.objectRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		url, err = w.urls.ObjectURL(ctx, name)
		return err
	})
	if err != nil {
		return err
	}

	var vec []float32
	err = w.providerRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		vec, err = w.provider.Embed(ctx, embedding.Input{ImageURL: url})
		return err
	})
	if err != nil {
		return err
	}

	if err := apperr.CheckDimension(op, vec, w.store.Dimension()); err != nil {
		return err
	}

	return w.storeRetry.Do(ctx, func(ctx context.Context) error {
		_, err := w.store.SetEmbedding(ctx, name, vec)
		return err
	})
}
