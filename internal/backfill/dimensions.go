package backfill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/imagemeta"
	"github.com/nucleus/imageindex/internal/retry"
)

const defaultDimensionPageSize = 200

// DimensionReport summarizes one dimension backfill.
type DimensionReport struct {
	Scanned     int
	Updated     int
	Missing     int
	Undecodable int
}

// DimensionWorker re-reads local files for rows recorded without width or
// height. It never touches embeddings.
type DimensionWorker struct {
	dir        string
	store      assetstore.Store
	pageSize   int
	storeRetry retry.Policy
	log        *zap.Logger
}

// NewDimensionWorker pages through the store pageSize rows at a time.
func NewDimensionWorker(dir string, store assetstore.Store, pageSize int, storeRetry *retry.Policy, log *zap.Logger) *DimensionWorker {
	if pageSize <= 0 {
		pageSize = defaultDimensionPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DimensionWorker{
		dir:        dir,
		store:      store,
		pageSize:   pageSize,
		storeRetry: policyOr(storeRetry, retry.StoreDelays, assetstore.IsRetryable),
		log:        log,
	}
}

// Run walks every row lacking dimensions once.
func (d *DimensionWorker) Run(ctx context.Context) (DimensionReport, error) {
	var report DimensionReport
	var afterID int64

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var page []assetstore.Asset
		err := d.storeRetry.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = d.store.ListMissingDimensions(ctx, afterID, d.pageSize)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("list rows missing dimensions: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, asset := range page {
			afterID = asset.ID
			report.Scanned++

			f, err := os.Open(filepath.Join(d.dir, asset.FileName))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					d.log.Warn("cannot open local file", zap.String("file", asset.FileName), zap.Error(err))
				}
				report.Missing++
				continue
			}
			w, h, ok := imagemeta.Dimensions(f)
			_ = f.Close()
			if !ok {
				report.Undecodable++
				d.log.Debug("image dimensions unknown", zap.String("file", asset.FileName))
				continue
			}

			err = d.storeRetry.Do(ctx, func(ctx context.Context) error {
				return d.store.SetDimensions(ctx, asset.FileName, assetstore.Int32(w), assetstore.Int32(h))
			})
			if err != nil {
				return report, err
			}
			report.Updated++
		}
	}

	d.log.Info("dimension backfill finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("updated", report.Updated),
		zap.Int("missing", report.Missing),
		zap.Int("undecodable", report.Undecodable))
	return report, nil
}
