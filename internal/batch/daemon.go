package batch

import (
	"context"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

// Daemon runs the archive pass immediately and then on every interval.
type Daemon struct {
	pass     *Pass
	interval time.Duration
}

// NewDaemon creates a daemon around pass.
func NewDaemon(pass *Pass, interval time.Duration) *Daemon {
	return &Daemon{pass: pass, interval: interval}
}

// Serve runs until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	log := logging.Component("batch")

	// Run immediately on start
	d.runOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("archive daemon stopped")
			return ctx.Err()
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Stage errors are already logged by the pass.
	_, _ = d.pass.RunOnce(ctx)
}

func (d *Daemon) String() string {
	return "archive-daemon"
}
