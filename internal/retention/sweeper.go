// Package retention removes uploaded archives past their local retention
// and marker files left without an archive.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
	"github.com/tweetcrawler/tweetcrawler/internal/marker"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// Sweeper deletes expired archives.
type Sweeper struct {
	mu       sync.Mutex
	markers  marker.Store
	recorder manifest.Recorder
	keepDays int
	stats    Stats
	log      zerolog.Logger
}

// Stats accumulates over the sweeper's lifetime.
type Stats struct {
	LastRunTime     time.Time
	ArchivesDeleted int64
	OrphansDeleted  int64
	Errors          int64
}

// SweepResult holds the result of one sweep.
type SweepResult struct {
	Archives []string
	Orphans  []string
	Kept     int
	Errors   []error
}

// New creates a sweeper. keepDays 0 keeps uploaded archives forever;
// orphaned markers are removed regardless.
func New(markers marker.Store, recorder manifest.Recorder, keepDays int) *Sweeper {
	if recorder == nil {
		recorder = manifest.Nop{}
	}
	return &Sweeper{
		markers:  markers,
		recorder: recorder,
		keepDays: keepDays,
		log:      logging.Component("retention"),
	}
}

// Sweep deletes every uploaded archive older than keepDays whole days,
// with its marker, and every orphaned marker.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sweep(ctx, now, false)
	s.stats.LastRunTime = now
	if res != nil {
		s.stats.ArchivesDeleted += int64(len(res.Archives))
		s.stats.OrphansDeleted += int64(len(res.Orphans))
		s.stats.Errors += int64(len(res.Errors))
	}
	return res, err
}

// DryRun reports what Sweep would delete without deleting anything.
func (s *Sweeper) DryRun(ctx context.Context, now time.Time) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(ctx, now, true)
}

// Stats returns a snapshot of the accumulated statistics.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Expired reports whether an uploaded archive of day is past retention.
func (s *Sweeper) Expired(day types.DayKey, now time.Time) bool {
	return s.keepDays > 0 && day.AgeDays(now) > s.keepDays
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time, dryRun bool) (*SweepResult, error) {
	res := &SweepResult{}
	entries, err := s.markers.List()
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if e.Orphaned() {
			if !dryRun {
				if err := s.markers.RemoveOrphan(e.Archive); err != nil {
					res.Errors = append(res.Errors, fmt.Errorf("remove orphan markers of %s: %w", e.Archive, err))
					continue
				}
				metrics.Sweeps.WithLabelValues("orphan").Inc()
				s.log.Info().Str("archive", e.Archive).Str("state", e.State().String()).Msg("removed orphaned markers")
			}
			res.Orphans = append(res.Orphans, e.Archive)
			continue
		}

		if e.State() != types.MarkerUploaded || !s.Expired(e.Day, now) {
			res.Kept++
			continue
		}

		if !dryRun {
			if err := s.remove(ctx, e.Archive, now); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
		}
		res.Archives = append(res.Archives, e.Archive)
	}
	return res, nil
}

// remove deletes the zip before its marker: a crash in between leaves an
// orphaned marker, which the next sweep removes.
func (s *Sweeper) remove(ctx context.Context, archive string, now time.Time) error {
	if err := s.markers.RemoveArchive(archive); err != nil {
		return fmt.Errorf("remove %s: %w", archive, err)
	}
	if err := s.markers.Transition(archive, types.MarkerUploaded, types.MarkerAbsent); err != nil {
		return fmt.Errorf("remove marker of %s: %w", archive, err)
	}
	metrics.Sweeps.WithLabelValues("archive").Inc()
	s.log.Info().Str("archive", archive).Msg("swept uploaded archive")

	if err := s.recorder.RecordSwept(ctx, archive, now); err != nil {
		s.log.Warn().Err(err).Str("archive", archive).Msg("failed to record sweep in manifest")
	}
	return nil
}
