package assetstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/nucleus/imageindex/internal/apperr"
)

// MemoryStore is an in-process Store with the same semantics as PgStore.
// It backs tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	nextID int64
	rows   map[string]*memRow
	now    func() time.Time
}

type memRow struct {
	id        int64
	fileName  string
	width     *int32
	height    *int32
	embedding []float32
	createdAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store for vectors of length dim.
func NewMemoryStore(dim int) *MemoryStore {
	if dim <= 0 {
		dim = defaultDimension
	}
	return &MemoryStore{dim: dim, rows: make(map[string]*memRow), now: time.Now}
}

// WithClock replaces the creation timestamp source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }
func (m *MemoryStore) IndexStrategy() IndexStrategy       { return IndexHNSW }
func (m *MemoryStore) Dimension() int                     { return m.dim }
func (m *MemoryStore) Close()                             {}

func (m *MemoryStore) ListFileNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.rows))
	for name := range m.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) UpsertAsset(ctx context.Context, fileName string, width, height *int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[fileName]
	if !ok {
		m.nextID++
		m.rows[fileName] = &memRow{
			id:        m.nextID,
			fileName:  fileName,
			width:     clone(positive(width)),
			height:    clone(positive(height)),
			createdAt: m.now(),
		}
		return nil
	}
	coalesce(&row.width, width)
	coalesce(&row.height, height)
	return nil
}

func (m *MemoryStore) FetchPending(ctx context.Context, limit int, exclude []string) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Asset
	for _, row := range m.sortedRows() {
		if len(out) >= limit {
			break
		}
		if row.embedding == nil && !skip[row.fileName] {
			out = append(out, row.asset(false))
		}
	}
	return out, nil
}

func (m *MemoryStore) SetEmbedding(ctx context.Context, fileName string, vec []float32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := apperr.CheckDimension("assetstore.set_embedding", vec, m.dim); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[fileName]
	if !ok || row.embedding != nil {
		return false, nil
	}
	row.embedding = append([]float32(nil), vec...)
	return true, nil
}

func (m *MemoryStore) ListMissingDimensions(ctx context.Context, afterID int64, limit int) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Asset
	for _, row := range m.sortedRows() {
		if len(out) >= limit {
			break
		}
		if row.id > afterID && (row.width == nil || row.height == nil) {
			out = append(out, row.asset(false))
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDimensions(ctx context.Context, fileName string, width, height *int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[fileName]; ok {
		coalesce(&row.width, width)
		coalesce(&row.height, height)
	}
	return nil
}

func (m *MemoryStore) GetAsset(ctx context.Context, fileName string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[fileName]
	if !ok {
		return Asset{}, apperr.NotFound("assetstore.get_asset", fmt.Sprintf("asset %q", fileName))
	}
	return row.asset(true), nil
}

func (m *MemoryStore) Nearest(ctx context.Context, vec []float32, limit int, _ Hints) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := apperr.CheckDimension("assetstore.nearest", vec, m.dim); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		row  *memRow
		dist float64
	}
	var all []scored
	for _, row := range m.rows {
		if row.embedding == nil {
			continue
		}
		all = append(all, scored{row: row, dist: negativeInnerProduct(vec, row.embedding)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].row.id < all[j].row.id
	})
	if len(all) > limit {
		all = all[:max(limit, 0)]
	}
	out := make([]Neighbor, 0, len(all))
	for _, s := range all {
		out = append(out, Neighbor{
			FileName: s.row.fileName,
			Width:    clone(s.row.width),
			Height:   clone(s.row.height),
			Distance: s.dist,
		})
	}
	return out, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []*memRow
	for _, row := range m.rows {
		if row.embedding != nil {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].createdAt.Equal(rows[j].createdAt) {
			return rows[i].createdAt.After(rows[j].createdAt)
		}
		return rows[i].id > rows[j].id
	})
	out := make([]Asset, 0, min(len(rows), max(limit, 0)))
	for _, row := range rows {
		if len(out) >= limit {
			break
		}
		out = append(out, row.asset(false))
	}
	return out, nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int64, error) {
	return m.count(ctx, func(r *memRow) bool { return r.embedding == nil })
}

func (m *MemoryStore) CountTotal(ctx context.Context) (int64, error) {
	return m.count(ctx, func(*memRow) bool { return true })
}

func (m *MemoryStore) CountEncoded(ctx context.Context) (int64, error) {
	return m.count(ctx, func(r *memRow) bool { return r.embedding != nil })
}

func (m *MemoryStore) count(ctx context.Context, match func(*memRow) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.rows {
		if match(row) {
			n++
		}
	}
	return n, nil
}

// sortedRows returns rows in id order. Callers hold the lock.
func (m *MemoryStore) sortedRows() []*memRow {
	rows := make([]*memRow, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	return rows
}

func (r *memRow) asset(withEmbedding bool) Asset {
	a := Asset{
		ID:        r.id,
		FileName:  r.fileName,
		Width:     clone(r.width),
		Height:    clone(r.height),
		CreatedAt: r.createdAt,
	}
	if withEmbedding && r.embedding != nil {
		v := pgvector.NewVector(append([]float32(nil), r.embedding...))
		a.Embedding = &v
	}
	return a
}

func negativeInnerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return -dot
}

func coalesce(dst **int32, v *int32) {
	if v = positive(v); v != nil {
		*dst = clone(v)
	}
}

func clone(v *int32) *int32 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
