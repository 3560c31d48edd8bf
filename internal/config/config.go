// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/market-harvester/internal/classifier/sentiment140"
	collyfetcher "github.com/JakeFAU/market-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/logging"
	"github.com/JakeFAU/market-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/market-harvester/internal/sources/archive"
	"github.com/JakeFAU/market-harvester/internal/sources/feed"
	"github.com/JakeFAU/market-harvester/internal/sources/quotes"
	"github.com/JakeFAU/market-harvester/internal/sources/timeline"
	"github.com/JakeFAU/market-harvester/internal/storage/gcs"
	"github.com/JakeFAU/market-harvester/internal/storage/local"
	"github.com/JakeFAU/market-harvester/internal/storage/postgres"
	"github.com/JakeFAU/market-harvester/internal/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. HARVESTER_STORAGE_POSTGRES_DSN.
const EnvPrefix = "HARVESTER"

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Logging   logging.Config      `mapstructure:"logging"`
	Server    ServerConfig        `mapstructure:"server"`
	Harvest   HarvestConfig       `mapstructure:"harvest"`
	HTTP      collyfetcher.Config `mapstructure:"http"`
	RateLimit ratelimit.Config    `mapstructure:"rate_limit"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Blob      BlobConfig          `mapstructure:"blob"`
	Publisher PublisherConfig     `mapstructure:"publisher"`
	Tracing   telemetry.Config    `mapstructure:"tracing"`
	Sources   SourcesConfig       `mapstructure:"sources"`
	Enrich    EnrichConfig        `mapstructure:"enrich"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HarvestConfig holds the engine knobs shared by all sources.
type HarvestConfig struct {
	Identities   []string            `mapstructure:"identities"`
	Shuffle      bool                `mapstructure:"shuffle"`
	Seed         uint64              `mapstructure:"seed"`
	MaxAttempts  int                 `mapstructure:"max_attempts"`
	RetryDelay   time.Duration       `mapstructure:"retry_delay"`
	JumpStep     time.Duration       `mapstructure:"jump_step"`
	RateWindow   time.Duration       `mapstructure:"rate_window"`
	Topic        string              `mapstructure:"topic"`
	DumpFailures bool                `mapstructure:"dump_failures"`
	Overrides    map[string]Override `mapstructure:"overrides"`
}

// Override replaces engine knobs for one source; zero values inherit.
type Override struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	JumpStep    time.Duration `mapstructure:"jump_step"`
}

// StorageConfig selects the record and checkpoint store.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
	SQLite   SQLiteConfig    `mapstructure:"sqlite"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

// BlobConfig selects where raw pages are kept.
type BlobConfig struct {
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// PublisherConfig selects where commit notifications go.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
}

// SourcesConfig groups the per-source sections.
type SourcesConfig struct {
	Timeline timeline.Config `mapstructure:"timeline"`
	Feed     feed.Config     `mapstructure:"feed"`
	Archive  archive.Config  `mapstructure:"archive"`
	Quotes   quotes.Config   `mapstructure:"quotes"`
}

// EnrichConfig controls the enrichment loop and its classifier.
type EnrichConfig struct {
	ChunkSize    int                 `mapstructure:"chunk_size"`
	WriteBatch   int                 `mapstructure:"write_batch"`
	Sentiment140 sentiment140.Config `mapstructure:"sentiment140"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("harvest.identities", harvest.DefaultIdentities)
	v.SetDefault("harvest.shuffle", true)
	v.SetDefault("harvest.max_attempts", 0)
	v.SetDefault("harvest.retry_delay", harvest.DefaultRetryDelay)
	v.SetDefault("harvest.jump_step", harvest.DefaultJumpStep)
	v.SetDefault("harvest.rate_window", harvest.DefaultRateWindow)
	v.SetDefault("harvest.topic", "")
	v.SetDefault("harvest.dump_failures", false)
	v.SetDefault("harvest.overrides.archive.jump_step", 31*24*time.Hour)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.batch_size", 100)
	v.SetDefault("storage.postgres.migrate", true)
	v.SetDefault("storage.sqlite.path", "harvest.db")
	v.SetDefault("storage.sqlite.batch_size", 100)
	v.SetDefault("blob.backend", BlobNone)
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.prefix", "")
	v.SetDefault("blob.local.base_dir", "data/blobs")
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("tracing.service_name", "market-harvester")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("sources.timeline.base_url", timeline.DefaultBaseURL)
	v.SetDefault("sources.feed.page_size", feed.DefaultPageSize)
	v.SetDefault("sources.archive.base_url", archive.DefaultBaseURL)
	v.SetDefault("sources.archive.api_key", "")
	v.SetDefault("sources.archive.cache_prefix", archive.DefaultCachePrefix)
	v.SetDefault("sources.quotes.base_url", quotes.DefaultBaseURL)
	v.SetDefault("sources.quotes.market", 25)
	v.SetDefault("enrich.chunk_size", 10000)
	v.SetDefault("enrich.write_batch", 100)
	v.SetDefault("enrich.sentiment140.base_url", "http://www.sentiment140.com")
	v.SetDefault("enrich.sentiment140.app_id", "")
	v.SetDefault("enrich.sentiment140.timeout", "2m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Harvest.MaxAttempts < 0 {
		return fmt.Errorf("harvest.max_attempts must be >= 0")
	}
	if c.Harvest.RetryDelay < 0 || c.Harvest.JumpStep < 0 || c.Harvest.RateWindow < 0 {
		return fmt.Errorf("harvest durations must be >= 0")
	}
	for name, o := range c.Harvest.Overrides {
		if o.MaxAttempts < 0 || o.RetryDelay < 0 || o.JumpStep < 0 {
			return fmt.Errorf("harvest.overrides.%s must not be negative", name)
		}
	}
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Blob.Backend {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Blob.Local.BaseDir == "" {
			return fmt.Errorf("blob.local.base_dir is required for the local backend")
		}
	case BlobGCS:
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id is required for the pubsub backend")
		}
		if c.Harvest.Topic == "" {
			return fmt.Errorf("harvest.topic is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	if c.Enrich.ChunkSize < 0 || c.Enrich.WriteBatch < 0 {
		return fmt.Errorf("enrich sizes must be >= 0")
	}
	return nil
}

// Settings returns the engine settings for source, applying its override.
func (h HarvestConfig) Settings(source string) harvest.Settings {
	s := harvest.Settings{
		Identities:   h.Identities,
		Shuffle:      h.Shuffle,
		Seed:         h.Seed,
		MaxAttempts:  h.MaxAttempts,
		RetryDelay:   h.RetryDelay,
		JumpStep:     h.JumpStep,
		RateWindow:   h.RateWindow,
		Topic:        h.Topic,
		DumpFailures: h.DumpFailures,
	}
	o, ok := h.Overrides[source]
	if !ok {
		return s
	}
	if o.MaxAttempts > 0 {
		s.MaxAttempts = o.MaxAttempts
	}
	if o.RetryDelay > 0 {
		s.RetryDelay = o.RetryDelay
	}
	if o.JumpStep > 0 {
		s.JumpStep = o.JumpStep
	}
	return s
}
