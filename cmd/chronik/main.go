// Package main implements the chronik daemon: the event-sourced temporal
// store with its flush, snapshot, and compaction daemons and the metrics
// endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/chronik/chronik/internal/app"
	"github.com/chronik/chronik/internal/config"
	"github.com/chronik/chronik/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		metricsAddr string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Listen address for the Prometheus metrics endpoint")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Chronik - event-sourced temporal data store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: chronik [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chronik --data-dir /data/chronik\n")
		fmt.Fprintf(os.Stderr, "  chronik --config /etc/chronik/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment variables use the CHRONIK_ prefix, e.g.\n")
		fmt.Fprintf(os.Stderr, "  CHRONIK_DATA_DIR, CHRONIK_METRICS_ADDR, CHRONIK_STORAGE_TYPE\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("chronik version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env file for local development.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, metricsAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	application, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("Daemon exited with error: %v", err)
	}
}

// loadConfig layers configuration: file, then environment, then flags.
func loadConfig(configFile, dataDir, metricsAddr string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}
