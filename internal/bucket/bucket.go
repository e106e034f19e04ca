// Package bucket owns the hour-granularity append-only files that stream
// records are routed into.
//
// A bucket is written under its temporary name (tweets-YYYYMMDD-HH.tmp) and
// finalized exactly once, by whichever actor first locks it after it has
// gone stale: the live Store, or FinishStale running from a later process.
// Finalization renames the file off the temporary suffix, or appends to an
// already finalized file of the same hour.
package bucket

import (
	"errors"
	"os"
	"sync"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

var (
	// ErrBucketClosed is returned by Append after the bucket was finalized or closed.
	ErrBucketClosed = crawlerrors.NewBucketError(crawlerrors.CodeBucketClosed, "bucket is closed", nil)

	// ErrLate is returned when a record's bucket is already past the staleness threshold.
	ErrLate = crawlerrors.NewBucketError(crawlerrors.CodeLateRecord, "bucket is past its grace period", nil)

	errLocked = errors.New("bucket file is locked")
)

// Bucket is one open hour file and the lock serializing writes to it.
type Bucket struct {
	Key types.BucketKey

	mu     sync.Mutex
	f      *os.File
	tmp    string
	final  string
	closed bool
}

// Append writes one line. The write is a single call on an O_APPEND
// descriptor, so lines never interleave and append order is arrival order.
func (b *Bucket) Append(line []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBucketClosed
	}
	if _, err := b.f.Write(line); err != nil {
		return crawlerrors.NewBucketError(crawlerrors.CodeAppendFailed, "append to "+b.tmp, err)
	}
	return nil
}

// Closed reports whether the bucket no longer accepts writes.
func (b *Bucket) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Path returns the temporary path the bucket is written under.
func (b *Bucket) Path() string {
	return b.tmp
}

// shut marks the bucket closed and releases its descriptor, and with it the
// advisory lock. Must be called with mu held.
func (b *Bucket) shut() error {
	b.closed = true
	if b.f == nil {
		return nil
	}
	serr := b.f.Sync()
	cerr := b.f.Close()
	b.f = nil
	if serr != nil {
		return serr
	}
	return cerr
}
