// Package ingest validates stream payloads and routes them to their hour
// bucket.
package ingest

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/bucket"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// BucketRouter is the write path into bucket storage. ReclaimStale lets the
// reclaim policy be driven from outside the write path.
type BucketRouter interface {
	Route(key types.BucketKey, line []byte) error
	ReclaimStale() []bucket.Finalized
}

// Router turns raw payloads into bucket appends.
type Router struct {
	buckets BucketRouter
	spill   *Spill
	log     zerolog.Logger
}

// NewRouter creates a router. A nil spill drops late records.
func NewRouter(buckets BucketRouter, spill *Spill) *Router {
	return &Router{
		buckets: buckets,
		spill:   spill,
		log:     logging.Component("ingest"),
	}
}

// Save ingests raw and reports whether it was appended to its bucket.
func (r *Router) Save(raw []byte) bool {
	return r.Ingest(raw) == nil
}

// Ingest validates raw, normalizes it and appends it to the bucket of its
// creation hour. Records whose bucket is already finalized are dropped or
// spilled and reported with bucket.ErrLate.
func (r *Router) Ingest(raw []byte) error {
	rec, err := Normalize(raw)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	key := rec.Key()
	err = r.buckets.Route(key, rec.Line)
	if errors.Is(err, bucket.ErrBucketClosed) {
		// Closed by CloseAll between lookup and append; a fresh handle is
		// opened unless the hour went stale meanwhile.
		err = r.buckets.Route(key, rec.Line)
	}

	switch {
	case err == nil:
		metrics.RecordsTotal.WithLabelValues("accepted").Inc()
		return nil
	case errors.Is(err, bucket.ErrLate), errors.Is(err, bucket.ErrBucketClosed):
		return r.late(rec)
	default:
		metrics.RecordsTotal.WithLabelValues("failed").Inc()
		r.log.Error().Err(err).Str("bucket", key.FileName()).Msg("append failed")
		return err
	}
}

func (r *Router) late(rec types.Record) error {
	if r.spill == nil {
		metrics.RecordsTotal.WithLabelValues("late").Inc()
		r.log.Debug().Str("bucket", rec.Key().FileName()).Str("id", rec.ID).Msg("dropped late record")
		return bucket.ErrLate
	}
	if err := r.spill.Write(rec); err != nil {
		metrics.RecordsTotal.WithLabelValues("failed").Inc()
		r.log.Error().Err(err).Str("id", rec.ID).Msg("spill failed")
		return err
	}
	metrics.RecordsTotal.WithLabelValues("spilled").Inc()
	return bucket.ErrLate
}

// ReclaimStale forwards to the bucket store.
func (r *Router) ReclaimStale() []bucket.Finalized {
	return r.buckets.ReclaimStale()
}
