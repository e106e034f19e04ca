package bucket

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// Finalized describes the outcome of finalizing one bucket.
type Finalized struct {
	Key    types.BucketKey
	Path   string
	Merged bool
	Err    error
}

// finalize moves tmp to final. When final already exists, the content of
// tmp is appended to it and tmp is removed, so no record is overwritten.
// On error tmp is left in place for a later attempt.
func finalize(tmp, final string) (bool, error) {
	if _, err := os.Lstat(final); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmp, final); err != nil {
			return false, err
		}
		return false, nil
	} else if err != nil {
		return false, err
	}

	src, err := os.Open(tmp)
	if err != nil {
		return true, err
	}
	defer src.Close()

	dst, err := os.OpenFile(final, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return true, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return true, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return true, err
	}
	if err := dst.Close(); err != nil {
		return true, err
	}
	return true, os.Remove(tmp)
}

func recordFinalization(res Finalized) {
	log := logging.Component("bucket")
	switch {
	case res.Err != nil:
		metrics.BucketFinalizations.WithLabelValues("failed").Inc()
		log.Error().Err(res.Err).Str("bucket", res.Key.FileName()).
			Msg("finalization failed; temp file kept for the next reconcile")
	case res.Merged:
		metrics.BucketFinalizations.WithLabelValues("merged").Inc()
		log.Info().Str("bucket", res.Key.FileName()).Msg("merged temp file into existing bucket")
	default:
		metrics.BucketFinalizations.WithLabelValues("renamed").Inc()
		log.Info().Str("bucket", res.Key.FileName()).Msg("finalized bucket")
	}
}

// FinishStale finalizes every temporary bucket file in dir that is stale at
// now and not locked by a live writer. It covers restarts, where no writer
// is left to finalize the hours it had open.
func FinishStale(dir string, now time.Time, staleAfter time.Duration) ([]Finalized, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket directory: %w", err)
	}

	var keys []types.BucketKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, temp, err := types.ParseBucketName(e.Name())
		if err != nil || !temp || !key.StaleAt(now, staleAfter) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Start().Before(keys[j].Start()) })

	var results []Finalized
	for _, key := range keys {
		res, ok := finishOne(dir, key)
		if !ok {
			continue
		}
		recordFinalization(res)
		results = append(results, res)
	}
	return results, nil
}

// finishOne finalizes a single temp file if its lock can be taken. It
// reports false when the file is held by a writer or vanished meanwhile.
func finishOne(dir string, key types.BucketKey) (Finalized, bool) {
	tmp := filepath.Join(dir, key.TempName())
	final := filepath.Join(dir, key.FileName())
	log := logging.Component("bucket")

	f, err := os.OpenFile(tmp, os.O_RDWR, 0)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("bucket", key.FileName()).Msg("cannot open stale temp file")
		}
		return Finalized{}, false
	}
	defer f.Close()

	if err := tryLockFile(f); err != nil {
		if errors.Is(err, errLocked) {
			log.Debug().Str("bucket", key.FileName()).Msg("stale temp file held by a writer; skipping")
		} else {
			log.Warn().Err(err).Str("bucket", key.FileName()).Msg("cannot lock stale temp file")
		}
		return Finalized{}, false
	}

	// The path may have been finalized between open and lock.
	locked, err := f.Stat()
	if err != nil {
		return Finalized{}, false
	}
	current, err := os.Stat(tmp)
	if err != nil || !os.SameFile(locked, current) {
		return Finalized{}, false
	}

	merged, err := finalize(tmp, final)
	res := Finalized{Key: key, Path: final, Merged: merged}
	if err != nil {
		res.Err = crawlerrors.NewBucketError(crawlerrors.CodeFinalizeFailed, "finalize "+key.TempName(), err)
	}
	return res, true
}
