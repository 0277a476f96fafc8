// Package config provides unified configuration for the Chronik engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the engine and its daemons.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// MetricsAddr is the listen address for the Prometheus metrics endpoint.
	// Empty disables the metrics listener.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// WAL configuration
	WAL WALConfig `json:"wal" yaml:"wal"`

	// Segment flush configuration
	Segment SegmentConfig `json:"segment" yaml:"segment"`

	// Snapshot manager configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Compaction daemon configuration
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`

	// RateLimit configuration
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Storage backend configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// WALConfig holds write-ahead log configuration.
type WALConfig struct {
	// Dir is the WAL segment directory
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize is the byte threshold at which WAL segments rotate
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// SegmentConfig holds storage segment flush configuration.
type SegmentConfig struct {
	// WorkDir is the directory segment files are built in before upload
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// CacheDir is the local cache directory for downloaded segments
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheMaxBytes bounds the segment cache size; 0 means unbounded
	CacheMaxBytes int64 `json:"cache_max_bytes" yaml:"cache_max_bytes"`

	// FlushInterval is how often unflushed WAL entries are moved into segments
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// MaxBatchEvents is the maximum events per flushed segment
	MaxBatchEvents int `json:"max_batch_events" yaml:"max_batch_events"`

	// BloomFPR is the target false positive rate for segment bloom filters
	BloomFPR float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
}

// SnapshotConfig holds snapshot manager configuration.
type SnapshotConfig struct {
	// EveryNEvents triggers a snapshot after this many new events per entity
	EveryNEvents int `json:"every_n_events" yaml:"every_n_events"`

	// SweepInterval is the periodic snapshot sweep interval
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// Retain is how many snapshots to keep per entity
	Retain int `json:"retain" yaml:"retain"`

	// Workers is the number of background snapshot workers
	Workers int `json:"workers" yaml:"workers"`
}

// CompactionConfig holds compaction daemon configuration.
type CompactionConfig struct {
	// Enabled controls whether the background daemon runs
	Enabled bool `json:"enabled" yaml:"enabled"`

	// WorkDir is the directory for compaction work files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// CheckInterval is the interval between compaction checks
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// MinSegmentSize is the byte threshold below which segments are merge candidates
	MinSegmentSize int64 `json:"min_segment_size" yaml:"min_segment_size"`

	// MaxSegments is the segment count above which compaction triggers
	MaxSegments int `json:"max_segments" yaml:"max_segments"`

	// MaxSegmentAge is the age beyond which small segments are merged
	MaxSegmentAge time.Duration `json:"max_segment_age" yaml:"max_segment_age"`

	// SourceTTL is how long compacted source segments are retained before GC
	SourceTTL time.Duration `json:"source_ttl" yaml:"source_ttl"`
}

// RateLimitConfig holds default per-tenant token bucket settings.
// Individual tenants may override the rate via their quota.
type RateLimitConfig struct {
	// IngestRate is tokens per second refilled for ingestion
	IngestRate float64 `json:"ingest_rate" yaml:"ingest_rate"`

	// IngestBurst is the ingestion bucket capacity
	IngestBurst float64 `json:"ingest_burst" yaml:"ingest_burst"`

	// QueryRate is tokens per second refilled for queries
	QueryRate float64 `json:"query_rate" yaml:"query_rate"`

	// QueryBurst is the query bucket capacity
	QueryBurst float64 `json:"query_burst" yaml:"query_burst"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "./data/chronik",
		MetricsAddr: ":9108",
		WAL: WALConfig{
			MaxSegmentSize: 64 * 1024 * 1024,
		},
		Segment: SegmentConfig{
			FlushInterval:  5 * time.Second,
			MaxBatchEvents: 50000,
			BloomFPR:       0.01,
			CacheMaxBytes:  4 * 1024 * 1024 * 1024,
		},
		Snapshot: SnapshotConfig{
			EveryNEvents:  100,
			SweepInterval: time.Minute,
			Retain:        2,
			Workers:       2,
		},
		Compaction: CompactionConfig{
			Enabled:        true,
			CheckInterval:  5 * time.Minute,
			MinSegmentSize: 8 * 1024 * 1024,
			MaxSegments:    50,
			MaxSegmentAge:  24 * time.Hour,
			SourceTTL:      7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			IngestRate:  1000,
			IngestBurst: 2000,
			QueryRate:   100,
			QueryBurst:  200,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/chronik"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "segments")
	}
	if c.Segment.WorkDir == "" {
		c.Segment.WorkDir = filepath.Join(c.DataDir, "build")
	}
	if c.Segment.CacheDir == "" {
		c.Segment.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.Compaction.WorkDir == "" {
		c.Compaction.WorkDir = filepath.Join(c.DataDir, "compaction")
	}
}

// CatalogPath returns the path to the manifest catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.WAL.MaxSegmentSize <= 0 {
		return fmt.Errorf("wal.max_segment_size must be positive, got %d", c.WAL.MaxSegmentSize)
	}
	if c.Segment.MaxBatchEvents <= 0 {
		return fmt.Errorf("segment.max_batch_events must be positive, got %d", c.Segment.MaxBatchEvents)
	}
	if c.Segment.BloomFPR <= 0 || c.Segment.BloomFPR >= 1 {
		return fmt.Errorf("segment.bloom_fpr must be in (0, 1), got %f", c.Segment.BloomFPR)
	}
	if c.Snapshot.EveryNEvents <= 0 {
		return fmt.Errorf("snapshot.every_n_events must be positive, got %d", c.Snapshot.EveryNEvents)
	}
	if c.Snapshot.Retain <= 0 {
		return fmt.Errorf("snapshot.retain must be positive, got %d", c.Snapshot.Retain)
	}
	if c.RateLimit.IngestBurst < c.RateLimit.IngestRate/10 && c.RateLimit.IngestBurst <= 0 {
		return fmt.Errorf("rate_limit.ingest_burst must be positive")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the CHRONIK_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHRONIK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHRONIK_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("CHRONIK_WAL_MAX_SEGMENT_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.WAL.MaxSegmentSize)
	}

	if v := os.Getenv("CHRONIK_SEGMENT_CACHE_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Segment.CacheMaxBytes)
	}

	if v := os.Getenv("CHRONIK_SEGMENT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Segment.FlushInterval = d
		}
	}
	if v := os.Getenv("CHRONIK_SEGMENT_MAX_BATCH_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Segment.MaxBatchEvents)
	}

	if v := os.Getenv("CHRONIK_SNAPSHOT_EVERY_N_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.EveryNEvents)
	}
	if v := os.Getenv("CHRONIK_SNAPSHOT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.SweepInterval = d
		}
	}

	if v := os.Getenv("CHRONIK_COMPACTION_ENABLED"); v != "" {
		cfg.Compaction.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHRONIK_COMPACTION_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Compaction.CheckInterval = d
		}
	}

	if v := os.Getenv("CHRONIK_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CHRONIK_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHRONIK_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CHRONIK_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("CHRONIK_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WAL.Dir,
		c.Storage.Path,
		c.Segment.WorkDir,
		c.Segment.CacheDir,
		c.Compaction.WorkDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
