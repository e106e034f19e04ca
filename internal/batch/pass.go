// Package batch runs the archive pass: reconcile and archive complete days,
// upload them, sweep expired ones and mail the weekly log digest.
package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/archive"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/internal/notify"
	"github.com/tweetcrawler/tweetcrawler/internal/retention"
	"github.com/tweetcrawler/tweetcrawler/internal/upload"
)

// Digester moves the live log aside for the weekly digest.
type Digester interface {
	Digest(since, until time.Time) (string, error)
}

// Pass wires the stages of one archive pass.
type Pass struct {
	Builder  *archive.Builder
	Uploader *upload.Machine
	Sweeper  *retention.Sweeper

	// Digest and Notifier are optional; without either no digest is mailed.
	Digest        Digester
	Notifier      notify.Notifier
	DigestWeekday time.Weekday

	Now func() time.Time
}

// PassResult collects the stage results of one pass.
type PassResult struct {
	ID       string
	Build    *archive.BuildResult
	Upload   *upload.RunResult
	Sweep    *retention.SweepResult
	Digest   string
	Duration time.Duration
}

// RunOnce runs every stage in order. A failing stage is logged and the
// next one still runs; the first stage error is returned.
func (p *Pass) RunOnce(ctx context.Context) (*PassResult, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	start := now()

	res := &PassResult{ID: uuid.NewString()}
	ctx = manifest.WithPassID(ctx, res.ID)
	log := logging.Component("batch").With().Str("pass_id", res.ID).Logger()
	log.Info().Msg("archive pass started")

	var firstErr error
	keep := func(stage string, err error) {
		if err == nil {
			return
		}
		log.Error().Err(err).Str("stage", stage).Msg("archive pass stage failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	var err error
	res.Build, err = p.Builder.BuildArchives(ctx, start)
	keep("archive", err)
	if res.Build != nil {
		log.Info().
			Int("finalized", len(res.Build.Finalized)).
			Strs("built", res.Build.Built).
			Int("incomplete", len(res.Build.Incomplete)).
			Int("pending", len(res.Build.Pending)).
			Int("duplicates_removed", res.Build.DuplicatesRemoved).
			Msg("archive stage done")
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	res.Upload, err = p.Uploader.Run(ctx, now())
	keep("upload", err)
	if res.Upload != nil {
		log.Info().
			Strs("uploaded", res.Upload.Uploaded).
			Strs("failed", res.Upload.Failed).
			Strs("recovered", res.Upload.Recovered).
			Int("deferred", len(res.Upload.Deferred)).
			Msg("upload stage done")
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	res.Sweep, err = p.Sweeper.Sweep(ctx, now())
	keep("sweep", err)
	if res.Sweep != nil {
		for _, e := range res.Sweep.Errors {
			log.Warn().Err(e).Msg("sweep error")
		}
		log.Info().
			Strs("swept", res.Sweep.Archives).
			Int("orphans", len(res.Sweep.Orphans)).
			Msg("sweep stage done")
	}

	res.Digest, err = p.weeklyDigest(ctx, now(), log)
	keep("digest", err)

	res.Duration = now().Sub(start)
	metrics.PassDuration.Observe(res.Duration.Seconds())
	log.Info().Dur("duration", res.Duration).Msg("archive pass finished")
	return res, firstErr
}

func (p *Pass) weeklyDigest(ctx context.Context, now time.Time, log zerolog.Logger) (string, error) {
	if p.Digest == nil || p.Notifier == nil || now.Weekday() != p.DigestWeekday {
		return "", nil
	}
	path, err := p.Digest.Digest(now.AddDate(0, 0, -7), now)
	if err != nil || path == "" {
		return "", err
	}
	log.Info().Str("digest", path).Msg("mailing weekly digest")
	notify.Send(ctx, p.Notifier, notify.Message{
		Subject:     notify.SubjectPrefix + "Weekly Digest",
		Attachments: []string{path},
	})
	return path, nil
}
