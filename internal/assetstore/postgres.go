package assetstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/apperr"
)

const (
	defaultDimension          = 768
	defaultMaxConns           = 10
	defaultIVFFlatLists       = 100
	defaultHNSWM              = 16
	defaultHNSWEfConstruction = 64

	// maxHNSWEfSearch is the upper bound pgvector accepts for hnsw.ef_search.
	maxHNSWEfSearch = 1000
)

// Options configures a PgStore.
type Options struct {
	DatabaseURL string
	// Namespace is the resolved table name.
	Namespace string
	Dimension int
	MaxConns  int32

	IndexType          IndexStrategy
	IVFFlatLists       int
	HNSWM              int
	HNSWEfConstruction int

	// AllowDimensionMigration lets EnsureSchema change the embedding column
	// type, which nulls every stored embedding.
	AllowDimensionMigration bool

	Logger *zap.Logger
}

func (o *Options) normalize() {
	if o.Dimension <= 0 {
		o.Dimension = defaultDimension
	}
	if o.MaxConns <= 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.IndexType == "" {
		o.IndexType = IndexAuto
	}
	if o.IVFFlatLists <= 0 {
		o.IVFFlatLists = defaultIVFFlatLists
	}
	if o.HNSWM <= 0 {
		o.HNSWM = defaultHNSWM
	}
	if o.HNSWEfConstruction <= 0 {
		o.HNSWEfConstruction = defaultHNSWEfConstruction
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o Options) validate() error {
	var problems []string
	if o.Namespace == "" {
		problems = append(problems, "namespace is required")
	}
	switch o.IndexType {
	case IndexAuto, IndexHNSW, IndexIVFFlat:
	default:
		problems = append(problems, fmt.Sprintf("unknown index type %q", o.IndexType))
	}
	if len(problems) > 0 {
		return apperr.Configuration("assetstore.options", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// PgStore implements Store on Postgres with the pgvector extension.
type PgStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
	opts     Options
	log      *zap.Logger

	table    string
	strategy IndexStrategy
}

// OpenPool bootstraps the vector extension and returns a pool whose
// connections understand the vector type. Idle connections that receive an
// admin, crash, or startup shutdown notice are closed and logged rather than
// surfacing as errors on the next checkout.
func OpenPool(ctx context.Context, databaseURL string, maxConns int32, log *zap.Logger) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, apperr.Configuration("assetstore.open", errors.New("database url is required"))
	}
	if log == nil {
		log = zap.NewNop()
	}

	// The extension must exist before AfterConnect can look up the vector type.
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, wrap("assetstore.open", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	_ = conn.Close(ctx)
	if err != nil {
		return nil, wrap("assetstore.open", fmt.Errorf("create extension vector: %w", err))
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, apperr.Configuration("assetstore.open", fmt.Errorf("parse database url: %w", err))
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	cfg.ConnConfig.OnPgError = func(_ *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		if strings.HasPrefix(pgErr.Code, "57P") {
			log.Warn("closing connection after server notice",
				zap.String("code", pgErr.Code),
				zap.String("message", pgErr.Message))
			return false
		}
		return pgErr.Severity != "FATAL"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("assetstore.open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("assetstore.open", err)
	}
	return pool, nil
}

// Open creates a pool and a store that owns it.
func Open(ctx context.Context, opts Options) (*PgStore, error) {
	opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	pool, err := OpenPool(ctx, opts.DatabaseURL, opts.MaxConns, opts.Logger)
	if err != nil {
		return nil, err
	}
	s, err := NewPgStore(pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// NewPgStore wraps an existing pool. The caller keeps ownership of the pool.
func NewPgStore(pool *pgxpool.Pool, opts Options) (*PgStore, error) {
	if pool == nil {
		return nil, apperr.Configuration("assetstore.new", errors.New("pool is required"))
	}
	opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &PgStore{
		pool:     pool,
		opts:     opts,
		log:      opts.Logger.With(zap.String("namespace", opts.Namespace)),
		table:    pq.QuoteIdentifier(opts.Namespace),
		strategy: opts.IndexType,
	}, nil
}

func (s *PgStore) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

func (s *PgStore) Dimension() int               { return s.opts.Dimension }
func (s *PgStore) IndexStrategy() IndexStrategy { return s.strategy }

func (s *PgStore) indexName(suffix string) string {
	return pq.QuoteIdentifier(s.opts.Namespace + "_" + suffix)
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *PgStore) EnsureSchema(ctx context.Context) error {
	const op = "assetstore.ensure_schema"
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          bigserial PRIMARY KEY,
  file_name   text NOT NULL UNIQUE,
  width       integer CHECK (width IS NULL OR width > 0),
  height      integer CHECK (height IS NULL OR height > 0),
  embedding   vector(%d),
  created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %s ON %s (created_at DESC) WHERE embedding IS NOT NULL;
`, s.table, s.opts.Dimension, s.indexName("created_at_idx"), s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return wrap(op, err)
	}

	if err := s.checkDimension(ctx); err != nil {
		return err
	}

	strategy, err := s.ensureANNIndex(ctx)
	if err != nil {
		return err
	}
	s.strategy = strategy
	s.log.Info("schema ready",
		zap.String("index_strategy", string(strategy)),
		zap.Int("dimension", s.opts.Dimension))
	return nil
}

// checkDimension compares the existing column type against the configured
// dimension and migrates when allowed.
func (s *PgStore) checkDimension(ctx context.Context) error {
	const op = "assetstore.check_dimension"
	var typmod int32
	err := s.pool.QueryRow(ctx, `
SELECT a.atttypmod FROM pg_attribute a
WHERE a.attrelid = $1::text::regclass AND a.attname = 'embedding' AND NOT a.attisdropped`, s.table).Scan(&typmod)
	if err != nil {
		return wrap(op, err)
	}
	if typmod <= 0 || int(typmod) == s.opts.Dimension {
		return nil
	}
	if !s.opts.AllowDimensionMigration {
		return apperr.Configuration(op, fmt.Errorf(
			"table %s stores vector(%d) but the configured dimension is %d; enable dimension migration to convert it",
			s.opts.Namespace, typmod, s.opts.Dimension))
	}

	s.log.Warn("migrating embedding dimension; stored embeddings will be cleared",
		zap.Int32("from", typmod), zap.Int("to", s.opts.Dimension))
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		stmts := []string{
			fmt.Sprintf("DROP INDEX IF EXISTS %s", s.indexName("embedding_hnsw_idx")),
			fmt.Sprintf("DROP INDEX IF EXISTS %s", s.indexName("embedding_ivfflat_idx")),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN embedding TYPE vector(%d) USING NULL", s.table, s.opts.Dimension),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(op, err)
}

func (s *PgStore) ensureANNIndex(ctx context.Context) (IndexStrategy, error) {
	const op = "assetstore.ensure_index"

	existing, err := s.existingANNIndex(ctx)
	if err != nil {
		return "", err
	}
	if existing != "" && (s.opts.IndexType == IndexAuto || s.opts.IndexType == existing) {
		return existing, nil
	}

	want := s.opts.IndexType
	if want == IndexAuto {
		version, err := s.vectorVersion(ctx)
		if err != nil {
			return "", err
		}
		want = IndexIVFFlat
		if versionAtLeast(version, 0, 5, 0) {
			want = IndexHNSW
		}
		s.log.Debug("pgvector version detected", zap.String("version", version), zap.String("candidate", string(want)))
	}

	if want == IndexHNSW {
		err := s.createIndex(ctx, IndexHNSW)
		if err == nil {
			return IndexHNSW, nil
		}
		if s.opts.IndexType == IndexHNSW {
			return "", wrap(op, err)
		}
		s.log.Warn("hnsw index creation failed, falling back to ivfflat", zap.Error(err))
	}
	if err := s.createIndex(ctx, IndexIVFFlat); err != nil {
		return "", wrap(op, err)
	}
	return IndexIVFFlat, nil
}

func (s *PgStore) createIndex(ctx context.Context, strategy IndexStrategy) error {
	var stmt string
	switch strategy {
	case IndexHNSW:
		stmt = fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_ip_ops) WITH (m = %d, ef_construction = %d) WHERE embedding IS NOT NULL",
			s.indexName("embedding_hnsw_idx"), s.table, s.opts.HNSWM, s.opts.HNSWEfConstruction)
	default:
		stmt = fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_ip_ops) WITH (lists = %d) WHERE embedding IS NOT NULL",
			s.indexName("embedding_ivfflat_idx"), s.table, s.opts.IVFFlatLists)
	}
	_, err := s.pool.Exec(ctx, stmt)
	return err
}

func (s *PgStore) existingANNIndex(ctx context.Context) (IndexStrategy, error) {
	rows, err := s.pool.Query(ctx, `
SELECT am.amname FROM pg_index i
JOIN pg_class c ON c.oid = i.indexrelid
JOIN pg_am am ON am.oid = c.relam
WHERE i.indrelid = $1::text::regclass AND am.amname IN ('hnsw', 'ivfflat')
ORDER BY am.amname`, s.table)
	if err != nil {
		return "", wrap("assetstore.existing_index", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", wrap("assetstore.existing_index", err)
	}
	if len(names) == 0 {
		return "", nil
	}
	// hnsw sorts first and wins when both exist.
	return IndexStrategy(names[0]), nil
}

func (s *PgStore) vectorVersion(ctx context.Context) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx, "SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version)
	if err != nil {
		return "", wrap("assetstore.vector_version", err)
	}
	return version, nil
}

// versionAtLeast compares a dotted version against major.minor.patch.
func versionAtLeast(version string, major, minor, patch int) bool {
	want := []int{major, minor, patch}
	parts := strings.SplitN(version, ".", 3)
	for i, w := range want {
		if i >= len(parts) {
			return w == 0
		}
		digits := strings.TrimFunc(parts[i], func(r rune) bool { return r < '0' || r > '9' })
		n, err := strconv.Atoi(digits)
		if err != nil {
			return false
		}
		if n != w {
			return n > w
		}
	}
	return true
}

// =============================================================================
// WRITES
// =============================================================================

func (s *PgStore) UpsertAsset(ctx context.Context, fileName string, width, height *int32) error {
	query := fmt.Sprintf(`
INSERT INTO %s AS a (file_name, width, height) VALUES ($1, $2, $3)
ON CONFLICT (file_name) DO UPDATE SET
  width  = COALESCE(EXCLUDED.width, a.width),
  height = COALESCE(EXCLUDED.height, a.height)`, s.table)
	_, err := s.pool.Exec(ctx, query, fileName, positive(width), positive(height))
	return wrap("assetstore.upsert_asset", err)
}

func (s *PgStore) SetEmbedding(ctx context.Context, fileName string, vec []float32) (bool, error) {
	const op = "assetstore.set_embedding"
	if err := apperr.CheckDimension(op, vec, s.opts.Dimension); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET embedding = $2 WHERE file_name = $1 AND embedding IS NULL`, s.table)
	tag, err := s.pool.Exec(ctx, query, fileName, pgvector.NewVector(vec))
	if err != nil {
		return false, wrap(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) SetDimensions(ctx context.Context, fileName string, width, height *int32) error {
	query := fmt.Sprintf(`
UPDATE %s SET width = COALESCE($2::integer, width), height = COALESCE($3::integer, height)
WHERE file_name = $1`, s.table)
	_, err := s.pool.Exec(ctx, query, fileName, positive(width), positive(height))
	return wrap("assetstore.set_dimensions", err)
}

// =============================================================================
// READS
// =============================================================================

func (s *PgStore) ListFileNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT file_name FROM %s ORDER BY file_name`, s.table))
	if err != nil {
		return nil, wrap("assetstore.list_file_names", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, wrap("assetstore.list_file_names", err)
}

func (s *PgStore) FetchPending(ctx context.Context, limit int, exclude []string) ([]Asset, error) {
	const op = "assetstore.fetch_pending"
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, file_name, width, height, created_at FROM %s
WHERE embedding IS NULL AND NOT (file_name = ANY($2::text[]))
ORDER BY id LIMIT $1`, s.table), limit, exclude)
	if err != nil {
		return nil, wrap(op, err)
	}
	return collectAssets(op, rows)
}

func (s *PgStore) ListMissingDimensions(ctx context.Context, afterID int64, limit int) ([]Asset, error) {
	const op = "assetstore.list_missing_dimensions"
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, file_name, width, height, created_at FROM %s
WHERE (width IS NULL OR height IS NULL) AND id > $1
ORDER BY id LIMIT $2`, s.table), afterID, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	return collectAssets(op, rows)
}

func (s *PgStore) GetAsset(ctx context.Context, fileName string) (Asset, error) {
	const op = "assetstore.get_asset"
	var a Asset
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT id, file_name, width, height, embedding, created_at FROM %s WHERE file_name = $1`, s.table), fileName).
		Scan(&a.ID, &a.FileName, &a.Width, &a.Height, &a.Embedding, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, apperr.NotFound(op, fmt.Sprintf("asset %q", fileName))
	}
	if err != nil {
		return Asset{}, wrap(op, err)
	}
	return a, nil
}

func (s *PgStore) Nearest(ctx context.Context, vec []float32, limit int, hints Hints) ([]Neighbor, error) {
	const op = "assetstore.nearest"
	if err := apperr.CheckDimension(op, vec, s.opts.Dimension); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []Neighbor
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		for _, stmt := range s.hintStatements(hints, limit) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		rows, err := tx.Query(ctx, fmt.Sprintf(`
SELECT file_name, width, height, embedding <#> $1 AS distance FROM %s
WHERE embedding IS NOT NULL
ORDER BY embedding <#> $1
LIMIT $2`, s.table), pgvector.NewVector(vec), limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Neighbor, error) {
			var n Neighbor
			err := row.Scan(&n.FileName, &n.Width, &n.Height, &n.Distance)
			return n, err
		})
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

// hintStatements renders Hints as transaction-local settings. Index-specific
// knobs apply only to the index type in use and are raised to what limit
// needs: hnsw returns at most ef_search rows, and ivfflat only sees rows in
// the probed lists.
func (s *PgStore) hintStatements(h Hints, limit int) []string {
	var stmts []string
	if h.AvoidSeqScan {
		stmts = append(stmts, "SET LOCAL enable_seqscan = off")
	}
	if h.DisableParallel {
		stmts = append(stmts, "SET LOCAL max_parallel_workers_per_gather = 0")
	}
	switch s.strategy {
	case IndexHNSW:
		ef := min(max(h.EfSearch, limit), maxHNSWEfSearch)
		stmts = append(stmts, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef))
	case IndexIVFFlat:
		// Lists are trained when the index is built, often on an empty
		// table, so only a full probe is complete.
		probes := max(h.Probes, s.opts.IVFFlatLists)
		stmts = append(stmts, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes))
	}
	return stmts
}

func (s *PgStore) Recent(ctx context.Context, limit int) ([]Asset, error) {
	const op = "assetstore.recent"
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, file_name, width, height, created_at FROM %s
WHERE embedding IS NOT NULL
ORDER BY created_at DESC LIMIT $1`, s.table), limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	return collectAssets(op, rows)
}

func (s *PgStore) CountPending(ctx context.Context) (int64, error) {
	return s.count(ctx, "assetstore.count_pending", "WHERE embedding IS NULL")
}

func (s *PgStore) CountTotal(ctx context.Context) (int64, error) {
	return s.count(ctx, "assetstore.count_total", "")
}

func (s *PgStore) CountEncoded(ctx context.Context) (int64, error) {
	return s.count(ctx, "assetstore.count_encoded", "WHERE embedding IS NOT NULL")
}

func (s *PgStore) count(ctx context.Context, op, where string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s %s", s.table, where)).Scan(&n)
	return n, wrap(op, err)
}

func collectAssets(op string, rows pgx.Rows) ([]Asset, error) {
	assets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Asset, error) {
		var a Asset
		err := row.Scan(&a.ID, &a.FileName, &a.Width, &a.Height, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return assets, nil
}

// positive maps non-positive dimensions to NULL.
func positive(v *int32) *int32 {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}
