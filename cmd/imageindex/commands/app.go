package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/backfill"
	"github.com/nucleus/imageindex/internal/config"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/namespace"
	"github.com/nucleus/imageindex/internal/neighbors"
	"github.com/nucleus/imageindex/internal/objectstore"
	"github.com/nucleus/imageindex/internal/orchestration"
	"github.com/nucleus/imageindex/internal/reconcile"
	"github.com/nucleus/imageindex/internal/retry"
)

// app holds the resources shared by one command invocation. The pool is
// opened once and closed by Close.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	namespace string

	pool     *pgxpool.Pool
	store    assetstore.Store
	objects  objectstore.ObjectStore
	provider embedding.Provider

	providerRetry retry.Policy
	storeRetry    retry.Policy
	objectRetry   retry.Policy
}

type needs struct {
	objects  bool
	provider bool
}

func newApp(ctx context.Context, n needs) (*app, error) {
	cfg := globalConfig
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	ns, err := namespace.Resolve(cfg.Bucket)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:           cfg,
		log:           logger.With(zap.String("namespace", ns)),
		namespace:     ns,
		providerRetry: retry.NewPolicy(cfg.Retry.Provider, embedding.IsRetryable),
		storeRetry:    retry.NewPolicy(cfg.Retry.Store, assetstore.IsRetryable),
		objectRetry:   retry.NewPolicy(cfg.Retry.Object, objectstore.IsRetryable),
	}

	opts := cfg.AssetStoreOptions(ns)
	opts.Logger = a.log
	a.pool, err = assetstore.OpenPool(ctx, opts.DatabaseURL, opts.MaxConns, a.log)
	if err != nil {
		return nil, err
	}
	store, err := assetstore.NewPgStore(a.pool, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.log.Info("metadata store ready",
		zap.String("index", string(store.IndexStrategy())),
		zap.Int("dimension", store.Dimension()))

	if n.objects {
		a.objects, err = objectstore.New(ctx, cfg.ObjectStoreOptions())
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.objectRetry.Do(ctx, a.objects.EnsureBucket); err != nil {
			a.Close()
			return nil, err
		}
	}

	if n.provider {
		a.provider, err = embedding.New(ctx, cfg.EmbeddingOptions())
		if err != nil {
			a.Close()
			return nil, err
		}
		if a.provider.Dimension() != store.Dimension() {
			a.Close()
			return nil, apperr.Configuration("imageindex.init", fmt.Errorf("provider %s produces %d-dimensional vectors, store expects %d",
				a.provider.Name(), a.provider.Dimension(), store.Dimension()))
		}
	}
	return a, nil
}

// Close releases the pool.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) scanner() *reconcile.Scanner {
	return reconcile.NewScanner(a.cfg.ImageDir, a.storeRetry, a.log)
}

func (a *app) uploader() *reconcile.Uploader {
	return reconcile.NewUploader(a.objects, a.store, reconcile.UploaderOptions{
		Dir:             a.cfg.ImageDir,
		Concurrency:     a.cfg.Sync.UploadConcurrency,
		SkipExistsCheck: a.cfg.Sync.SkipExistsCheck,
		ObjectRetry:     &a.objectRetry,
		StoreRetry:      &a.storeRetry,
		Logger:          a.log,
	})
}

func (a *app) worker() *backfill.Worker {
	return backfill.NewWorker(a.objects, a.provider, a.store, backfill.Options{
		BatchSize:     a.cfg.Sync.BatchSize,
		Concurrency:   a.cfg.Sync.EmbedConcurrency,
		ProviderRetry: &a.providerRetry,
		StoreRetry:    &a.storeRetry,
		ObjectRetry:   &a.objectRetry,
		Logger:        a.log,
	})
}

func (a *app) orchestrator(maxCycles int) *orchestration.Orchestrator {
	return orchestration.New(a.scanner(), a.uploader(), a.worker(), a.store, orchestration.Options{
		Interval:   a.cfg.Sync.Interval,
		MaxCycles:  maxCycles,
		StoreRetry: &a.storeRetry,
		Logger:     a.log,
	})
}

func (a *app) planner() *neighbors.Planner {
	return neighbors.NewPlanner(a.store, a.provider, neighbors.Options{
		DefaultLimit:  a.cfg.Query.DefaultLimit,
		Hints:         a.cfg.Hints(),
		ProviderRetry: &a.providerRetry,
		StoreRetry:    &a.storeRetry,
		Logger:        a.log,
	})
}
