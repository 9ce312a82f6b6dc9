// Package neighbors answers similarity queries: free-text search, vector
// search, and "images like this one".
package neighbors

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/retry"
)

const (
	DefaultLimit = 30
	MaxLimit     = 500
)

var errNoProvider = errors.New("no embedding provider configured")

// Neighbor is one similarity result.
type Neighbor = assetstore.Neighbor

// Stats counts rows by encoding state.
type Stats struct {
	Total   int64 `json:"total"`
	Encoded int64 `json:"encoded"`
	Pending int64 `json:"pending"`
}

// Options configures a Planner.
type Options struct {
	DefaultLimit  int
	Hints         assetstore.Hints
	ProviderRetry *retry.Policy
	StoreRetry    *retry.Policy
	Logger        *zap.Logger
}

// Planner runs read-only queries against the metadata store.
type Planner struct {
	store    assetstore.Store
	provider embedding.Provider
	opts     Options
	log      *zap.Logger

	providerRetry retry.Policy
	storeRetry    retry.Policy
}

// NewPlanner builds a Planner. provider may be nil when only NeighborsOf,
// SearchVector, Recent, and Stats are used.
func NewPlanner(store assetstore.Store, provider embedding.Provider, opts Options) *Planner {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Planner{store: store, provider: provider, opts: opts, log: log}
	if opts.ProviderRetry != nil {
		p.providerRetry = *opts.ProviderRetry
	} else {
		p.providerRetry = retry.NewPolicy(retry.ProviderDelays, embedding.IsRetryable)
	}
	if opts.StoreRetry != nil {
		p.storeRetry = *opts.StoreRetry
	} else {
		p.storeRetry = retry.NewPolicy(retry.StoreDelays, assetstore.IsRetryable)
	}
	return p
}

// Hints returns the configured planner hints.
func (p *Planner) Hints() assetstore.Hints { return p.opts.Hints }

func (p *Planner) limit(n int) int {
	switch {
	case n <= 0:
		return p.opts.DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Search embeds text and returns the nearest images. Blank text yields no rows.
func (p *Planner) Search(ctx context.Context, text string, limit int) ([]Neighbor, error) {
	const op = "neighbors.search"
	text = strings.TrimSpace(text)
	if text == "" {
		return []Neighbor{}, nil
	}
	if p.provider == nil {
		return nil, apperr.Configuration(op, errNoProvider)
	}

	start := time.Now()
	var vec []float32
	err := p.providerRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		vec, err = p.provider.Embed(ctx, embedding.Input{Text: text})
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := p.SearchVector(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	p.log.Debug("text search",
		zap.Int("results", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// SearchVector returns the rows nearest to vec.
func (p *Planner) SearchVector(ctx context.Context, vec []float32, limit int) ([]Neighbor, error) {
	if err := apperr.CheckDimension("neighbors.search_vector", vec, p.store.Dimension()); err != nil {
		return nil, err
	}
	return p.nearest(ctx, vec, p.limit(limit), p.opts.Hints)
}

// NeighborsOf returns up to limit images most similar to fileName, never
// including fileName itself. A row without an embedding yields no rows.
func (p *Planner) NeighborsOf(ctx context.Context, fileName string, limit int, hints assetstore.Hints) ([]Neighbor, error) {
	limit = p.limit(limit)

	var ref assetstore.Asset
	err := p.storeRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = p.store.GetAsset(ctx, fileName)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ref.HasEmbedding() {
		return []Neighbor{}, nil
	}

	rows, err := p.nearest(ctx, ref.Embedding.Slice(), limit+1, hints)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, limit)
	for _, n := range rows {
		if n.FileName == fileName {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, n)
	}
	return out, nil
}

// Recent returns the newest encoded images.
func (p *Planner) Recent(ctx context.Context, limit int) ([]assetstore.Asset, error) {
	var out []assetstore.Asset
	err := p.storeRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.store.Recent(ctx, p.limit(limit))
		return err
	})
	return out, err
}

// Stats counts total, encoded, and pending rows.
func (p *Planner) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counters := []struct {
		dst *int64
		fn  func(context.Context) (int64, error)
	}{
		{&s.Total, p.store.CountTotal},
		{&s.Encoded, p.store.CountEncoded},
		{&s.Pending, p.store.CountPending},
	}
	for _, c := range counters {
		err := p.storeRetry.Do(ctx, func(ctx context.Context) error {
			n, err := c.fn(ctx)
			*c.dst = n
			return err
		})
		if err != nil {
			return Stats{}, err
		}
	}
	return s, nil
}

func (p *Planner) nearest(ctx context.Context, vec []float32, limit int, hints assetstore.Hints) ([]Neighbor, error) {
	var out []Neighbor
	err := p.storeRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.store.Nearest(ctx, vec, limit, hints)
		return err
	})
	if out == nil && err == nil {
		out = []Neighbor{}
	}
	return out, err
}
