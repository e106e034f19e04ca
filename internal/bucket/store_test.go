package bucket

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestStore(t *testing.T, now time.Time, inline bool) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: now}
	s, err := NewStore(Options{
		Dir:           t.TempDir(),
		StaleAfter:    125 * time.Minute,
		InlineReclaim: inline,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.CloseAll)
	return s, clock
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestRouteThreeRecordsTwoBuckets(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T01:06:00Z"), false)

	records := []struct {
		at   string
		line string
	}{
		{"2024-01-01T00:10:00Z", `{"n":1}`},
		{"2024-01-01T00:45:00Z", `{"n":2}`},
		{"2024-01-01T01:05:00Z", `{"n":3}`},
	}
	for _, r := range records {
		if err := s.Route(types.KeyFor(ts(r.at)), []byte(r.line+"\n")); err != nil {
			t.Fatalf("Route(%s): %v", r.at, err)
		}
	}

	h0 := filepath.Join(s.Dir(), "tweets-20240101-00.tmp")
	h1 := filepath.Join(s.Dir(), "tweets-20240101-01.tmp")
	if got := readLines(t, h0); len(got) != 2 || got[0] != `{"n":1}` || got[1] != `{"n":2}` {
		t.Fatalf("hour 00 = %v", got)
	}
	if got := readLines(t, h1); len(got) != 1 || got[0] != `{"n":3}` {
		t.Fatalf("hour 01 = %v", got)
	}

	clock.Set(ts("2024-01-01T03:10:00Z"))
	results := s.ReclaimStale()
	if len(results) != 2 {
		t.Fatalf("reclaimed %d buckets, want 2", len(results))
	}
	for _, name := range []string{"tweets-20240101-00", "tweets-20240101-01"} {
		if _, err := os.Stat(filepath.Join(s.Dir(), name)); err != nil {
			t.Errorf("expected finalized %s: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(s.Dir(), name+".tmp")); !os.IsNotExist(err) {
			t.Errorf("temp file for %s should be gone", name)
		}
	}
	if len(readLines(t, filepath.Join(s.Dir(), "tweets-20240101-00"))) != 2 {
		t.Error("finalized hour 00 lost lines")
	}
}

func TestAppendAfterFinalizeRejected(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T10:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T10:00:00Z"))

	b, err := s.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte("first\n")); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T12:05:00Z"))
	if got := s.ReclaimStale(); len(got) != 1 || got[0].Err != nil {
		t.Fatalf("ReclaimStale = %+v", got)
	}

	if err := b.Append([]byte("late\n")); !errors.Is(err, ErrBucketClosed) {
		t.Fatalf("Append after finalize = %v, want ErrBucketClosed", err)
	}
	if err := s.Route(key, []byte("late\n")); !errors.Is(err, ErrLate) {
		t.Fatalf("Route to stale key = %v, want ErrLate", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), key.TempName())); !os.IsNotExist(err) {
		t.Fatal("late write must not recreate the temp file")
	}
	if got := readLines(t, filepath.Join(s.Dir(), key.FileName())); len(got) != 1 {
		t.Fatalf("closed bucket changed: %v", got)
	}
}

func TestStaleBoundary(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T10:00:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T10:00:00Z"))
	if err := s.Route(key, []byte("x\n")); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T12:04:59Z"))
	if got := s.ReclaimStale(); len(got) != 0 {
		t.Fatalf("bucket finalized before 2h05m: %+v", got)
	}
	clock.Set(ts("2024-01-01T12:05:00Z"))
	if got := s.ReclaimStale(); len(got) != 1 {
		t.Fatalf("bucket not finalized at 2h05m")
	}
}

func TestOpenBucketAcceptsLinesUntilReclaimed(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T10:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T10:00:00Z"))
	if err := s.Route(key, []byte("on time\n")); err != nil {
		t.Fatal(err)
	}

	// Past the grace period, but the reclaimer has not run yet.
	clock.Set(ts("2024-01-01T12:05:01Z"))
	if err := s.Route(key, []byte("in the window\n")); err != nil {
		t.Fatalf("Route to open stale bucket = %v", err)
	}
	other := types.KeyFor(ts("2024-01-01T09:00:00Z"))
	if err := s.Route(other, []byte("never opened\n")); !errors.Is(err, ErrLate) {
		t.Fatalf("Route to new stale key = %v, want ErrLate", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), other.TempName())); !os.IsNotExist(err) {
		t.Fatal("stale key must not get a temp file")
	}

	if got := s.ReclaimStale(); len(got) != 1 || got[0].Err != nil {
		t.Fatalf("ReclaimStale = %+v", got)
	}
	got := readLines(t, filepath.Join(s.Dir(), key.FileName()))
	if len(got) != 2 || got[1] != "in the window" {
		t.Fatalf("finalized lines = %v", got)
	}
	if err := s.Route(key, []byte("too late\n")); !errors.Is(err, ErrLate) {
		t.Fatalf("Route after reclaim = %v, want ErrLate", err)
	}
}

func TestInlineReclaimRefusesStaleOpenBucket(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T10:30:00Z"), true)
	key := types.KeyFor(ts("2024-01-01T10:00:00Z"))
	if err := s.Route(key, []byte("on time\n")); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T12:05:01Z"))
	if err := s.Route(key, []byte("late\n")); !errors.Is(err, ErrLate) {
		t.Fatalf("Route = %v, want ErrLate", err)
	}
	if got := readLines(t, filepath.Join(s.Dir(), key.FileName())); len(got) != 1 {
		t.Fatalf("finalized lines = %v", got)
	}
}

func TestFinalizeMergesIntoExistingFile(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T05:20:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T05:00:00Z"))

	final := filepath.Join(s.Dir(), key.FileName())
	if err := os.WriteFile(final, []byte("before-crash\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Route(key, []byte("after-restart\n")); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T08:00:00Z"))
	res := s.ReclaimStale()
	if len(res) != 1 || !res[0].Merged || res[0].Err != nil {
		t.Fatalf("ReclaimStale = %+v", res)
	}
	got := readLines(t, final)
	if len(got) != 2 || got[0] != "before-crash" || got[1] != "after-restart" {
		t.Fatalf("merged file = %v", got)
	}
}

func TestReclaimSkipsBusyBucket(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T00:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T00:00:00Z"))
	b, err := s.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T03:00:00Z"))
	b.mu.Lock()
	got := s.ReclaimStale()
	b.mu.Unlock()
	if len(got) != 0 {
		t.Fatal("a bucket held by a writer must be left alone")
	}
	if len(s.Open()) != 1 {
		t.Fatal("busy bucket should stay registered")
	}
	if got := s.ReclaimStale(); len(got) != 1 {
		t.Fatal("bucket should be finalized once released")
	}
}

func TestFinalizeFailureKeepsTempFile(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T00:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T00:00:00Z"))
	if err := s.Route(key, []byte("keep me\n")); err != nil {
		t.Fatal(err)
	}
	// A directory in the way makes both rename and merge fail.
	if err := os.Mkdir(filepath.Join(s.Dir(), key.FileName()), 0755); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T03:00:00Z"))
	res := s.ReclaimStale()
	if len(res) != 1 || res[0].Err == nil {
		t.Fatalf("expected a failed finalization, got %+v", res)
	}
	if len(s.Open()) != 0 {
		t.Fatal("map entry should be cleared")
	}
	if got := readLines(t, filepath.Join(s.Dir(), key.TempName())); got[0] != "keep me" {
		t.Fatalf("temp file content = %v", got)
	}
}

func TestInlineReclaimOnGetOrCreate(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T00:30:00Z"), true)
	if err := s.Route(types.KeyFor(ts("2024-01-01T00:10:00Z")), []byte("a\n")); err != nil {
		t.Fatal(err)
	}

	clock.Set(ts("2024-01-01T02:10:00Z"))
	if err := s.Route(types.KeyFor(ts("2024-01-01T02:09:00Z")), []byte("b\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "tweets-20240101-00")); err != nil {
		t.Fatalf("stale bucket should be finalized by the next ingest: %v", err)
	}
}

func TestCloseAllKeepsTempAndReopens(t *testing.T) {
	s, _ := newTestStore(t, ts("2024-01-01T00:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T00:10:00Z"))
	b, err := s.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}
	b.Append([]byte("one\n"))

	s.CloseAll()
	if !b.Closed() {
		t.Fatal("CloseAll should close the bucket")
	}
	if err := b.Append([]byte("x\n")); !errors.Is(err, ErrBucketClosed) {
		t.Fatalf("append to closed handle = %v", err)
	}

	if err := s.Route(key, []byte("two\n")); err != nil {
		t.Fatalf("Route after CloseAll: %v", err)
	}
	got := readLines(t, filepath.Join(s.Dir(), key.TempName()))
	if len(got) != 2 || got[1] != "two" {
		t.Fatalf("reopened bucket = %v", got)
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s, _ := newTestStore(t, ts("2024-01-01T00:30:00Z"), true)
	key := types.KeyFor(ts("2024-01-01T00:10:00Z"))

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				line := fmt.Sprintf(`{"w":%d,"i":%d,"pad":"%s"}`+"\n", w, i, strings.Repeat("p", 64))
				if err := s.Route(key, []byte(line)); err != nil {
					t.Errorf("Route: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	lines := readLines(t, filepath.Join(s.Dir(), key.TempName()))
	if len(lines) != writers*perWriter {
		t.Fatalf("got %d lines, want %d", len(lines), writers*perWriter)
	}
	last := make(map[int]int)
	for _, l := range lines {
		var w, i int
		if _, err := fmt.Sscanf(l, `{"w":%d,"i":%d,`, &w, &i); err != nil {
			t.Fatalf("corrupt line %q", l)
		}
		if prev, ok := last[w]; ok && i <= prev {
			t.Fatalf("writer %d out of order: %d after %d", w, i, prev)
		}
		last[w] = i
	}
}

func TestFinishStale(t *testing.T) {
	dir := t.TempDir()
	stale := types.KeyFor(ts("2024-01-01T00:00:00Z"))
	fresh := types.KeyFor(ts("2024-01-01T02:00:00Z"))
	for _, k := range []types.BucketKey{stale, fresh} {
		if err := os.WriteFile(filepath.Join(dir, k.TempName()), []byte("r\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := FinishStale(dir, ts("2024-01-01T02:30:00Z"), 125*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Key != stale {
		t.Fatalf("FinishStale = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, stale.FileName())); err != nil {
		t.Errorf("stale temp not finalized: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fresh.TempName())); err != nil {
		t.Errorf("fresh temp should be untouched: %v", err)
	}
}

func TestFinishStaleSkipsLiveWriter(t *testing.T) {
	s, clock := newTestStore(t, ts("2024-01-01T00:30:00Z"), false)
	key := types.KeyFor(ts("2024-01-01T00:00:00Z"))
	if err := s.Route(key, []byte("live\n")); err != nil {
		t.Fatal(err)
	}
	clock.Set(ts("2024-01-01T03:00:00Z"))

	// The store still holds the descriptor and its lock.
	res, err := FinishStale(s.Dir(), clock.Now(), 125*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Fatalf("FinishStale finalized a locked bucket: %+v", res)
	}
	if got := s.ReclaimStale(); len(got) != 1 || got[0].Err != nil {
		t.Fatalf("owner should still finalize: %+v", got)
	}
}
