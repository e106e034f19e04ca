// Package main implements the unified tweetcrawler binary. It runs the
// stream ingest daemon, the periodic archive pass, or both, depending on
// --mode.
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/tweetcrawler/tweetcrawler/internal/app"
	"github.com/tweetcrawler/tweetcrawler/internal/config"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		workingDir  string
		mode        string
		threads     int
		metricsAddr string
		showVersion bool
	)

	flag.StringVarP(&configFile, "config", "c", "", "Path to configuration file (YAML or key = value settings)")
	flag.StringVar(&workingDir, "working-dir", "", "Directory holding hour files, archives and markers")
	flag.StringVarP(&mode, "mode", "m", "", "Service mode: all, ingest, archive")
	flag.IntVarP(&threads, "threads", "t", 0, "Number of concurrent stream connections")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tweetcrawler - sampled stream crawler and day archiver\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tweetcrawler [options]\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TWEETCRAWLER_MODE          Service mode (all, ingest, archive)\n")
		fmt.Fprintf(os.Stderr, "  TWEETCRAWLER_WORKING_DIR   Working directory\n")
		fmt.Fprintf(os.Stderr, "  TWEETCRAWLER_BEARER_TOKEN  Stream bearer token\n")
		fmt.Fprintf(os.Stderr, "  TWEETCRAWLER_STORAGE_TYPE  Remote storage (local, s3)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("tweetcrawler version %s (commit: %s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if workingDir != "" {
		cfg.WorkingDir = workingDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if threads > 0 {
		cfg.NumThreads = threads
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(app.ExitCode(err))
	}

	if err := application.Run(context.Background()); err != nil {
		log := logging.Logger()
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// loadConfig layers the file, when given, and the environment over the
// defaults. Flags are applied by the caller.
func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
