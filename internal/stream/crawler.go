package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/internal/notify"
)

// Restart classes.
const (
	ClassTransient = "transient"
	ClassFatal     = "fatal"
	ClassAuth      = "auth"
)

// announceLayout matches the MM/DD/YYYY HH:MM:SS stamps of the notifications.
const announceLayout = "01/02/2006 15:04:05"

// Classify maps a session error to its restart class. Retryable errors
// restart after the short pause.
func Classify(err error) string {
	switch {
	case crawlerrors.GetCode(err) == crawlerrors.CodeAuthFailed:
		return ClassAuth
	case crawlerrors.IsRetryable(err):
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Saver accepts one raw payload.
type Saver interface {
	Save(raw []byte) bool
}

// BucketCloser releases every open bucket between sessions.
type BucketCloser interface {
	CloseAll()
}

// ClockSyncer resyncs the host clock after an authentication failure.
type ClockSyncer interface {
	Sync(ctx context.Context) (time.Time, error)
}

// Options tunes the restart policy.
type Options struct {
	// NumThreads is the number of concurrent connections per session.
	NumThreads int

	TransientPause time.Duration
	FatalPause     time.Duration
	AuthPause      time.Duration

	// Host names the machine in notifications; defaults to os.Hostname.
	Host string
}

// Crawler runs stream sessions forever, restarting after every failure.
type Crawler struct {
	source   Source
	saver    Saver
	buckets  BucketCloser
	notifier notify.Notifier
	syncer   ClockSyncer
	opts     Options
	log      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewCrawler creates a crawler. syncer may be nil.
func NewCrawler(source Source, saver Saver, buckets BucketCloser, notifier notify.Notifier, syncer ClockSyncer, opts Options) *Crawler {
	if opts.NumThreads < 1 {
		opts.NumThreads = 1
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Crawler{
		source:   source,
		saver:    saver,
		buckets:  buckets,
		notifier: notifier,
		syncer:   syncer,
		opts:     opts,
		log:      logging.Component("stream"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Serve runs sessions until ctx is cancelled.
func (c *Crawler) Serve(ctx context.Context) error {
	silent := false
	for {
		if !silent {
			msg := fmt.Sprintf("Started at %s on %s", c.now().Format(announceLayout), c.opts.Host)
			c.log.Info().Int("threads", c.opts.NumThreads).Msg(msg)
			notify.Send(ctx, c.notifier, notify.Message{Subject: notify.SubjectPrefix + msg, Body: msg})
		}

		err := c.session(ctx)
		c.buckets.CloseAll()
		if ctx.Err() != nil {
			c.log.Info().Msg("stream stopped")
			return ctx.Err()
		}

		class := Classify(err)
		metrics.StreamRestarts.WithLabelValues(class).Inc()

		var pause time.Duration
		switch class {
		case ClassTransient:
			c.log.Warn().Err(err).Msg("stream interrupted; resuming")
			pause = c.opts.TransientPause
			silent = true
		default:
			msg := fmt.Sprintf("Stopped at %s on %s", c.now().Format(announceLayout), c.opts.Host)
			c.log.Error().Err(err).Str("class", class).Msg(msg)
			notify.Send(ctx, c.notifier, notify.Message{Subject: notify.SubjectPrefix + msg, Body: err.Error()})
			pause = c.opts.FatalPause
			if class == ClassAuth {
				c.resync(ctx)
				pause = c.opts.AuthPause
			}
			silent = false
		}

		if !c.sleep(ctx, pause) {
			return ctx.Err()
		}
	}
}

func (c *Crawler) String() string {
	return "stream-crawler"
}

// session runs NumThreads connections; the first to end stops the others.
func (c *Crawler) session(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.NumThreads; i++ {
		g.Go(func() error {
			return c.source.Stream(gctx, func(payload []byte) error {
				c.saver.Save(payload)
				return nil
			})
		})
	}
	err := g.Wait()
	if err == nil {
		err = crawlerrors.NewStreamError(crawlerrors.CodeStreamClosed, "session ended", nil)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = crawlerrors.NewStreamError(crawlerrors.CodeStreamClosed, "session cancelled", err)
	}
	return err
}

func (c *Crawler) resync(ctx context.Context) {
	if c.syncer == nil {
		return
	}
	if _, err := c.syncer.Sync(ctx); err != nil {
		c.log.Warn().Err(err).Msg("clock resync failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
