// Package assetstore persists one row per image asset, with optional pixel
// dimensions and an optional embedding vector, and answers nearest-neighbor
// queries over the embeddings.
package assetstore

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/nucleus/imageindex/internal/apperr"
)

// Asset is one image known to the metadata store.
type Asset struct {
	ID        int64
	FileName  string
	Width     *int32
	Height    *int32
	Embedding *pgvector.Vector
	CreatedAt time.Time
}

// HasEmbedding reports whether the asset has been encoded.
func (a Asset) HasEmbedding() bool { return a.Embedding != nil }

// Neighbor is one row of a similarity query. Distance is the pgvector
// negative inner product; smaller is more similar.
type Neighbor struct {
	FileName string
	Width    *int32
	Height   *int32
	Distance float64
}

// Hints steer the planner. They never change which rows are correct.
type Hints struct {
	AvoidSeqScan    bool
	DisableParallel bool
	EfSearch        int
	Probes          int
}

// IndexStrategy names the ANN index type.
type IndexStrategy string

const (
	IndexAuto    IndexStrategy = "auto"
	IndexHNSW    IndexStrategy = "hnsw"
	IndexIVFFlat IndexStrategy = "ivfflat"
)

// Store is the metadata store used by the sync engine and the query planner.
type Store interface {
	// EnsureSchema creates the namespace table and its indexes if needed.
	EnsureSchema(ctx context.Context) error
	// IndexStrategy returns the ANN index type in use after EnsureSchema.
	IndexStrategy() IndexStrategy
	// Dimension is the configured embedding length.
	Dimension() int

	ListFileNames(ctx context.Context) ([]string, error)
	// UpsertAsset inserts the row or fills in dimensions. An absent value never
	// overwrites a present one. The embedding is never touched.
	UpsertAsset(ctx context.Context, fileName string, width, height *int32) error
	// FetchPending returns up to limit rows without an embedding, skipping exclude.
	FetchPending(ctx context.Context, limit int, exclude []string) ([]Asset, error)
	// SetEmbedding stores vec if the row has none yet. It reports whether a row changed.
	SetEmbedding(ctx context.Context, fileName string, vec []float32) (bool, error)
	// ListMissingDimensions pages through rows lacking width or height, by id.
	ListMissingDimensions(ctx context.Context, afterID int64, limit int) ([]Asset, error)
	// SetDimensions fills width and height with coalesce semantics.
	SetDimensions(ctx context.Context, fileName string, width, height *int32) error
	// GetAsset returns the row for fileName or a not-found error.
	GetAsset(ctx context.Context, fileName string) (Asset, error)
	// Nearest returns up to limit embedded rows ordered by inner-product distance.
	Nearest(ctx context.Context, vec []float32, limit int, hints Hints) ([]Neighbor, error)
	// Recent returns the newest embedded rows.
	Recent(ctx context.Context, limit int) ([]Asset, error)

	CountPending(ctx context.Context) (int64, error)
	CountTotal(ctx context.Context) (int64, error)
	CountEncoded(ctx context.Context) (int64, error)

	Close()
}

// IsRetryable reports whether a store error is transient.
func IsRetryable(err error) bool {
	return apperr.Is(err, apperr.KindPersistence) && apperr.IsRetryable(err)
}

// Int32 returns a pointer to v, or nil when v is not positive.
func Int32(v int32) *int32 {
	if v <= 0 {
		return nil
	}
	return &v
}
