// Package main implements the tweetcrawler-ingest binary: the stream
// consumer that writes hour buckets and nothing else.
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

func main() {
	configFile := flag.StringP("config", "c", "", "Path to configuration file")
	workingDir := flag.String("working-dir", "", "Directory for hour files")
	threads := flag.IntP("threads", "t", 0, "Number of concurrent stream connections")
	reclaim := flag.String("reclaim", "", "Stale bucket reclaim policy: inline, background")
	latePolicy := flag.String("late-policy", "", "Records for finalized hours: drop, spill")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)

	cfg.Mode = config.ModeIngest
	if *workingDir != "" {
		cfg.WorkingDir = *workingDir
	}
	if *threads > 0 {
		cfg.NumThreads = *threads
	}
	if *reclaim != "" {
		cfg.Bucket.Reclaim = *reclaim
	}
	if *latePolicy != "" {
		cfg.Bucket.LatePolicy = *latePolicy
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
