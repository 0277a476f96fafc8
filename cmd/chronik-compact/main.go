// Package main implements chronik-compact: a one-shot compaction cycle over
// an existing data directory, for external schedulers to invoke while the
// main daemon runs with background compaction disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/chronik/chronik/internal/cache"
	"github.com/chronik/chronik/internal/compaction"
	"github.com/chronik/chronik/internal/config"
	"github.com/chronik/chronik/internal/logging"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/storage"
)

func main() {
	var (
		configFile string
		dataDir    string
		logLevel   string
		timeout    time.Duration
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum duration for the cycle")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "chronik-compact - run one compaction cycle and exit\n\n")
		fmt.Fprintf(os.Stderr, "Usage: chronik-compact [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	catalog, err := manifest.NewCatalog(cfg.CatalogPath())
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer catalog.Close()

	var objects storage.ObjectStorage
	switch cfg.Storage.Type {
	case "local":
		objects, err = storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		s3cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3cfg.Region = cfg.Storage.S3.Region
		}
		if cfg.Storage.S3.Endpoint != "" {
			s3cfg.Endpoint = cfg.Storage.S3.Endpoint
		}
		objects, err = storage.NewS3Storage(context.Background(), cfg.Storage.S3.Bucket, s3cfg)
	default:
		log.Fatalf("Unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	segCache, err := cache.NewSegmentCache(cfg.Segment.CacheDir, cfg.Segment.CacheMaxBytes, logger)
	if err != nil {
		log.Fatalf("Failed to open segment cache: %v", err)
	}
	defer segCache.Close()

	daemon := compaction.NewDaemon(compaction.Config{
		MinSegmentSize: cfg.Compaction.MinSegmentSize,
		MaxSegments:    int64(cfg.Compaction.MaxSegments),
		MaxSegmentAge:  cfg.Compaction.MaxSegmentAge,
		CheckInterval:  cfg.Compaction.CheckInterval,
		SourceTTL:      cfg.Compaction.SourceTTL,
	}, catalog,
		objects,
		segment.NewReader(objects, segCache),
		segment.NewWriter(objects, cfg.Compaction.WorkDir, cfg.Segment.BloomFPR),
		metrics.NewNop(), nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := daemon.RunOnce(ctx); err != nil {
		log.Fatalf("Compaction cycle failed: %v", err)
	}
	fmt.Printf("Compaction cycle completed in %v\n", time.Since(start).Round(time.Millisecond))
}
