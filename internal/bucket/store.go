package bucket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// Options configures a Store.
type Options struct {
	// Dir is the working directory holding bucket files.
	Dir string

	// StaleAfter is the grace period after a bucket's start before it is finalized.
	StaleAfter time.Duration

	// InlineReclaim sweeps stale buckets on every GetOrCreate. When false the
	// caller runs a Reclaimer.
	InlineReclaim bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the registry of open buckets. One structural lock guards the map;
// each bucket carries its own lock for appends and finalization. The lock
// order is store before bucket.
type Store struct {
	dir           string
	staleAfter    time.Duration
	inlineReclaim bool
	now           func() time.Time
	log           zerolog.Logger

	mu      sync.Mutex
	buckets map[types.BucketKey]*Bucket
}

// NewStore creates the bucket directory if needed and returns an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("bucket directory is required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 125 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}

	return &Store{
		dir:           opts.Dir,
		staleAfter:    opts.StaleAfter,
		inlineReclaim: opts.InlineReclaim,
		now:           opts.Now,
		log:           logging.Component("bucket"),
		buckets:       make(map[types.BucketKey]*Bucket),
	}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// StaleAfter returns the configured grace period.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

// IsStale reports whether key is past the grace period now.
func (s *Store) IsStale(key types.BucketKey) bool {
	return key.StaleAt(s.now(), s.staleAfter)
}

// GetOrCreate returns the open bucket for key, creating its temp file on
// first use. A bucket that is still open keeps accepting lines until it is
// reclaimed, even past the grace period. A stale key with no open bucket is
// refused with ErrLate instead of reopening an hour that may have been
// finalized.
func (s *Store) GetOrCreate(key types.BucketKey) (*Bucket, error) {
	if s.inlineReclaim {
		s.ReclaimStale()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		return b, nil
	}
	if s.IsStale(key) {
		return nil, ErrLate
	}
	b, err := s.open(key)
	if err != nil {
		return nil, err
	}
	s.buckets[key] = b
	metrics.OpenBuckets.Set(float64(len(s.buckets)))
	s.log.Info().Str("bucket", key.TempName()).Msg("created bucket")
	return b, nil
}

// open must be called with mu held.
func (s *Store) open(key types.BucketKey) (*Bucket, error) {
	tmp := filepath.Join(s.dir, key.TempName())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, crawlerrors.NewBucketError(crawlerrors.CodeCreateFailed, "open "+key.TempName(), err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, crawlerrors.NewBucketError(crawlerrors.CodeCreateFailed, "lock "+key.TempName(), err)
	}
	return &Bucket{
		Key:   key,
		f:     f,
		tmp:   tmp,
		final: filepath.Join(s.dir, key.FileName()),
	}, nil
}

// Route appends line to the bucket for key.
func (s *Store) Route(key types.BucketKey, line []byte) error {
	b, err := s.GetOrCreate(key)
	if err != nil {
		return err
	}
	return b.Append(line)
}

// ReclaimStale finalizes every stale bucket whose lock can be taken without
// waiting. A bucket busy with an append is left for the next call.
func (s *Store) ReclaimStale() []Finalized {
	now := s.now()

	var victims []*Bucket
	s.mu.Lock()
	for key, b := range s.buckets {
		if !key.StaleAt(now, s.staleAfter) {
			continue
		}
		if !b.mu.TryLock() {
			continue
		}
		b.closed = true
		delete(s.buckets, key)
		victims = append(victims, b)
	}
	metrics.OpenBuckets.Set(float64(len(s.buckets)))
	s.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].Key.Start().Before(victims[j].Key.Start())
	})

	results := make([]Finalized, 0, len(victims))
	for _, b := range victims {
		res := s.finalizeBucket(b)
		b.mu.Unlock()
		recordFinalization(res)
		results = append(results, res)
	}
	return results
}

// finalizeBucket must be called with b.mu held and b already removed from
// the map. The descriptor, and with it the advisory lock, is released only
// after the file has been moved, so FinishStale cannot race the rename.
func (s *Store) finalizeBucket(b *Bucket) Finalized {
	res := Finalized{Key: b.Key, Path: b.final}

	if err := b.f.Sync(); err != nil {
		s.log.Warn().Err(err).Str("bucket", b.Key.TempName()).Msg("sync before finalize failed")
	}
	merged, err := finalize(b.tmp, b.final)
	res.Merged = merged
	if err != nil {
		res.Err = crawlerrors.NewBucketError(crawlerrors.CodeFinalizeFailed, "finalize "+b.Key.TempName(), err)
	}
	if err := b.shut(); err != nil && res.Err == nil {
		s.log.Warn().Err(err).Str("bucket", b.Key.FileName()).Msg("close after finalize failed")
	}
	return res
}

// CloseAll flushes and closes every open bucket, ignoring close errors. The
// files keep their temporary names; the hours reopen lazily on the next
// record or are finalized later by FinishStale.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		b.mu.Lock()
		if err := b.shut(); err != nil {
			s.log.Warn().Err(err).Str("bucket", key.TempName()).Msg("close failed")
		}
		b.mu.Unlock()
		delete(s.buckets, key)
	}
	metrics.OpenBuckets.Set(0)
	s.log.Info().Msg("closed all open buckets")
}

// Close implements io.Closer for shutdown registration.
func (s *Store) Close() error {
	s.CloseAll()
	return nil
}

// Open returns the keys of the currently open buckets, oldest first.
func (s *Store) Open() []types.BucketKey {
	s.mu.Lock()
	keys := make([]types.BucketKey, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Start().Before(keys[j].Start()) })
	return keys
}

// Reclaimer runs ReclaimStale on a fixed interval, for stores configured
// without inline reclaim.
type Reclaimer struct {
	store    *Store
	interval time.Duration
}

// NewReclaimer creates a background reclaimer.
func NewReclaimer(store *Store, interval time.Duration) *Reclaimer {
	return &Reclaimer{store: store, interval: interval}
}

// Serve runs until ctx is cancelled.
func (r *Reclaimer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.store.ReclaimStale()
		}
	}
}

func (r *Reclaimer) String() string {
	return "bucket-reclaimer"
}
