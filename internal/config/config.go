// Package config provides configuration loading for imageindex.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nucleus/imageindex/internal/apperr"
	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/backfill"
	"github.com/nucleus/imageindex/internal/embedding"
	"github.com/nucleus/imageindex/internal/neighbors"
	"github.com/nucleus/imageindex/internal/objectstore"
	"github.com/nucleus/imageindex/internal/orchestration"
	"github.com/nucleus/imageindex/internal/reconcile"
	"github.com/nucleus/imageindex/internal/retry"
)

// Config holds all configuration for imageindex.
type Config struct {
	// Bucket identifies the image collection; the metadata table name is
	// derived from it.
	Bucket   string `yaml:"bucket"`
	ImageDir string `yaml:"image_dir"`

	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Sync        SyncConfig        `yaml:"sync"`
	Retry       RetryConfig       `yaml:"retry"`
	Query       QueryConfig       `yaml:"query"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`
	RateLimit float64       `yaml:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL                     string `yaml:"url"`
	MaxConns                int    `yaml:"max_conns"`
	IndexType               string `yaml:"index_type"`
	IVFFlatLists            int    `yaml:"ivfflat_lists"`
	HNSWM                   int    `yaml:"hnsw_m"`
	HNSWEfConstruction      int    `yaml:"hnsw_ef_construction"`
	AllowDimensionMigration bool   `yaml:"allow_dimension_migration"`
}

type ObjectStoreConfig struct {
	Driver          string        `yaml:"driver"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	UseSSL          bool          `yaml:"use_ssl"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	PublicBaseURL   string        `yaml:"public_base_url"`
	PresignExpiry   time.Duration `yaml:"presign_expiry"`
	LocalRoot       string        `yaml:"local_root"`

	// Bucket defaults to the top-level bucket.
	Bucket string `yaml:"bucket"`
}

type SyncConfig struct {
	UploadConcurrency int           `yaml:"upload_concurrency"`
	EmbedConcurrency  int           `yaml:"embed_concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	SkipExistsCheck   bool          `yaml:"skip_exists_check"`
	Interval          time.Duration `yaml:"interval"`
	MaxCycles         int           `yaml:"max_cycles"`
}

type RetryConfig struct {
	Provider []time.Duration `yaml:"provider"`
	Store    []time.Duration `yaml:"store"`
	Object   []time.Duration `yaml:"object"`
}

type QueryConfig struct {
	DefaultLimit    int  `yaml:"default_limit"`
	AvoidSeqScan    bool `yaml:"avoid_seq_scan"`
	DisableParallel bool `yaml:"disable_parallel"`
	EfSearch        int  `yaml:"ef_search"`
	Probes          int  `yaml:"probes"`
}

type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		ImageDir: "./images",
		Embedding: EmbeddingConfig{
			Provider:  embedding.ProviderHTTP,
			Dimension: embedding.DefaultDimension,
			Timeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:           10,
			IndexType:          string(assetstore.IndexAuto),
			IVFFlatLists:       100,
			HNSWM:              16,
			HNSWEfConstruction: 64,
		},
		ObjectStore: ObjectStoreConfig{
			Driver:        objectstore.DriverMinio,
			PresignExpiry: time.Hour,
		},
		Sync: SyncConfig{
			UploadConcurrency: reconcile.DefaultUploadConcurrency,
			EmbedConcurrency:  backfill.DefaultConcurrency,
			BatchSize:         backfill.DefaultBatchSize,
			Interval:          orchestration.DefaultInterval,
		},
		Retry: RetryConfig{
			Provider: append([]time.Duration(nil), retry.ProviderDelays...),
			Store:    append([]time.Duration(nil), retry.StoreDelays...),
			Object:   append([]time.Duration(nil), retry.ObjectDelays...),
		},
		Query: QueryConfig{DefaultLimit: neighbors.DefaultLimit},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCHealthAddr: ":8081",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.Configuration("config.load", fmt.Errorf("read config file: %w", err))
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, apperr.Configuration("config.load", fmt.Errorf("parse config file %s: %w", path, err))
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Bucket = getEnv("IMAGEINDEX_BUCKET", c.Bucket)
	c.ImageDir = getEnv("IMAGEINDEX_IMAGE_DIR", c.ImageDir)

	// Embedding settings
	c.Embedding.Provider = getEnv("IMAGEINDEX_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("IMAGEINDEX_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Endpoint = getEnv("IMAGEINDEX_EMBEDDING_ENDPOINT", c.Embedding.Endpoint)
	c.Embedding.APIKey = getEnv("IMAGEINDEX_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Dimension = getEnvInt("IMAGEINDEX_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.RateLimit = getEnvFloat("IMAGEINDEX_EMBEDDING_RATE_LIMIT", c.Embedding.RateLimit)
	c.Embedding.Timeout = getEnvDuration("IMAGEINDEX_EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	// Database settings
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.URL = getEnv("IMAGEINDEX_DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = getEnvInt("IMAGEINDEX_DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.IndexType = getEnv("IMAGEINDEX_INDEX_TYPE", c.Database.IndexType)
	c.Database.IVFFlatLists = getEnvInt("IMAGEINDEX_IVFFLAT_LISTS", c.Database.IVFFlatLists)
	c.Database.HNSWM = getEnvInt("IMAGEINDEX_HNSW_M", c.Database.HNSWM)
	c.Database.HNSWEfConstruction = getEnvInt("IMAGEINDEX_HNSW_EF_CONSTRUCTION", c.Database.HNSWEfConstruction)
	c.Database.AllowDimensionMigration = getEnvBool("IMAGEINDEX_ALLOW_DIMENSION_MIGRATION", c.Database.AllowDimensionMigration)

	// Object store settings
	c.ObjectStore.Driver = getEnv("IMAGEINDEX_OBJECT_DRIVER", c.ObjectStore.Driver)
	c.ObjectStore.Endpoint = getEnv("IMAGEINDEX_OBJECT_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.Region = getEnv("IMAGEINDEX_OBJECT_REGION", c.ObjectStore.Region)
	c.ObjectStore.UseSSL = getEnvBool("IMAGEINDEX_OBJECT_USE_SSL", c.ObjectStore.UseSSL)
	c.ObjectStore.AccessKeyID = getEnv("IMAGEINDEX_OBJECT_ACCESS_KEY", c.ObjectStore.AccessKeyID)
	c.ObjectStore.SecretAccessKey = getEnv("IMAGEINDEX_OBJECT_SECRET_KEY", c.ObjectStore.SecretAccessKey)
	c.ObjectStore.Bucket = getEnv("IMAGEINDEX_OBJECT_BUCKET", c.ObjectStore.Bucket)
	c.ObjectStore.Prefix = getEnv("IMAGEINDEX_OBJECT_PREFIX", c.ObjectStore.Prefix)
	c.ObjectStore.PublicBaseURL = getEnv("IMAGEINDEX_OBJECT_PUBLIC_BASE_URL", c.ObjectStore.PublicBaseURL)
	c.ObjectStore.PresignExpiry = getEnvDuration("IMAGEINDEX_OBJECT_PRESIGN_EXPIRY", c.ObjectStore.PresignExpiry)
	c.ObjectStore.LocalRoot = getEnv("IMAGEINDEX_OBJECT_LOCAL_ROOT", c.ObjectStore.LocalRoot)

	// Sync settings
	c.Sync.UploadConcurrency = getEnvInt("IMAGEINDEX_UPLOAD_CONCURRENCY", c.Sync.UploadConcurrency)
	c.Sync.EmbedConcurrency = getEnvInt("IMAGEINDEX_EMBED_CONCURRENCY", c.Sync.EmbedConcurrency)
	c.Sync.BatchSize = getEnvInt("IMAGEINDEX_BATCH_SIZE", c.Sync.BatchSize)
	c.Sync.SkipExistsCheck = getEnvBool("IMAGEINDEX_SKIP_EXISTS_CHECK", c.Sync.SkipExistsCheck)
	c.Sync.Interval = getEnvDuration("IMAGEINDEX_SYNC_INTERVAL", c.Sync.Interval)
	c.Sync.MaxCycles = getEnvInt("IMAGEINDEX_MAX_CYCLES", c.Sync.MaxCycles)

	// Query settings
	c.Query.DefaultLimit = getEnvInt("IMAGEINDEX_QUERY_LIMIT", c.Query.DefaultLimit)
	c.Query.AvoidSeqScan = getEnvBool("IMAGEINDEX_AVOID_SEQ_SCAN", c.Query.AvoidSeqScan)
	c.Query.DisableParallel = getEnvBool("IMAGEINDEX_DISABLE_PARALLEL", c.Query.DisableParallel)
	c.Query.EfSearch = getEnvInt("IMAGEINDEX_EF_SEARCH", c.Query.EfSearch)
	c.Query.Probes = getEnvInt("IMAGEINDEX_PROBES", c.Query.Probes)

	c.Server.HTTPAddr = getEnv("IMAGEINDEX_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCHealthAddr = getEnv("IMAGEINDEX_GRPC_HEALTH_ADDR", c.Server.GRPCHealthAddr)

	c.Log.Level = getEnv("IMAGEINDEX_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("IMAGEINDEX_LOG_FORMAT", c.Log.Format)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Bucket) == "" {
		add("bucket is required")
	}
	if c.ImageDir == "" {
		add("image_dir is required")
	}
	if c.Embedding.Dimension <= 0 {
		add("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch assetstore.IndexStrategy(strings.ToLower(c.Database.IndexType)) {
	case assetstore.IndexAuto, assetstore.IndexHNSW, assetstore.IndexIVFFlat:
	default:
		add("database.index_type must be auto, hnsw or ivfflat, got %q", c.Database.IndexType)
	}
	if c.Database.MaxConns < 0 {
		add("database.max_conns must not be negative")
	}
	if c.Sync.UploadConcurrency <= 0 || c.Sync.EmbedConcurrency <= 0 {
		add("sync concurrency must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		add("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxCycles < 0 {
		add("sync.max_cycles must not be negative")
	}
	if c.Query.DefaultLimit <= 0 || c.Query.DefaultLimit > neighbors.MaxLimit {
		add("query.default_limit must be in 1..%d, got %d", neighbors.MaxLimit, c.Query.DefaultLimit)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format must be console or json, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return apperr.Configuration("config.validate", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// RequireDatabase reports a missing database URL.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return apperr.Configuration("config.validate", errors.New("DATABASE_URL is required"))
	}
	return nil
}

// EmbeddingOptions maps the embedding section onto the provider factory.
func (c *Config) EmbeddingOptions() embedding.Config {
	return embedding.Config{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		Endpoint:  c.Embedding.Endpoint,
		APIKey:    c.Embedding.APIKey,
		Dimension: c.Embedding.Dimension,
		RateLimit: c.Embedding.RateLimit,
		Timeout:   c.Embedding.Timeout,
	}
}

// ObjectStoreOptions maps the object store section onto the store factory.
func (c *Config) ObjectStoreOptions() objectstore.Config {
	bucket := c.ObjectStore.Bucket
	if bucket == "" {
		bucket = c.Bucket
	}
	return objectstore.Config{
		Driver:          c.ObjectStore.Driver,
		EndpointURL:     c.ObjectStore.Endpoint,
		Region:          c.ObjectStore.Region,
		UseSSL:          c.ObjectStore.UseSSL,
		AccessKeyID:     c.ObjectStore.AccessKeyID,
		SecretAccessKey: c.ObjectStore.SecretAccessKey,
		Bucket:          bucket,
		Prefix:          c.ObjectStore.Prefix,
		PublicBaseURL:   c.ObjectStore.PublicBaseURL,
		PresignExpiry:   c.ObjectStore.PresignExpiry,
		RootPath:        c.ObjectStore.LocalRoot,
	}
}

// AssetStoreOptions maps the database section onto the metadata store.
func (c *Config) AssetStoreOptions(namespace string) assetstore.Options {
	return assetstore.Options{
		DatabaseURL:             c.Database.URL,
		Namespace:               namespace,
		Dimension:               c.Embedding.Dimension,
		MaxConns:                int32(c.Database.MaxConns),
		IndexType:               assetstore.IndexStrategy(strings.ToLower(c.Database.IndexType)),
		IVFFlatLists:            c.Database.IVFFlatLists,
		HNSWM:                   c.Database.HNSWM,
		HNSWEfConstruction:      c.Database.HNSWEfConstruction,
		AllowDimensionMigration: c.Database.AllowDimensionMigration,
	}
}

// Hints returns the planner hints.
func (c *Config) Hints() assetstore.Hints {
	return assetstore.Hints{
		AvoidSeqScan:    c.Query.AvoidSeqScan,
		DisableParallel: c.Query.DisableParallel,
		EfSearch:        c.Query.EfSearch,
		Probes:          c.Query.Probes,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
