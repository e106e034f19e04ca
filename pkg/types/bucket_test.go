package types

import (
	"testing"
	"time"
)

func TestBucketKeyNames(t *testing.T) {
	key := KeyFor(time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC))
	if got := key.FileName(); got != "tweets-20240101-00" {
		t.Fatalf("FileName = %q", got)
	}
	if got := key.TempName(); got != "tweets-20240101-00.tmp" {
		t.Fatalf("TempName = %q", got)
	}
	if got := key.DayKey().ArchiveName(); got != "tweets-20240101.zip" {
		t.Fatalf("ArchiveName = %q", got)
	}
}

func TestKeyForConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	key := KeyFor(time.Date(2024, 1, 2, 1, 30, 0, 0, loc))
	if key.FileName() != "tweets-20240101-23" {
		t.Fatalf("expected previous UTC day, got %s", key.FileName())
	}
}

func TestParseBucketNameRejects(t *testing.T) {
	for _, name := range []string{
		"tweets-20240101",
		"tweets-20240101.zip",
		"tweets-20240101-24",
		"tweets-2024010-01",
		"late-tweets-20240101-01",
		"tweets-20240101-01.zip.ready",
	} {
		if _, _, err := ParseBucketName(name); err == nil {
			t.Errorf("ParseBucketName(%q) should fail", name)
		}
	}
}

func TestStaleAt(t *testing.T) {
	key := KeyFor(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	threshold := 125 * time.Minute
	if key.StaleAt(time.Date(2024, 1, 1, 12, 4, 59, 0, time.UTC), threshold) {
		t.Fatal("bucket should not be stale before 2h05m")
	}
	if !key.StaleAt(time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC), threshold) {
		t.Fatal("bucket should be stale at 2h05m")
	}
}

func TestDayKey(t *testing.T) {
	day, err := ParseArchiveName("tweets-20240102.zip")
	if err != nil {
		t.Fatalf("ParseArchiveName: %v", err)
	}
	hours := day.Hours()
	if hours[0].FileName() != "tweets-20240102-00" || hours[23].FileName() != "tweets-20240102-23" {
		t.Fatalf("unexpected hours %s..%s", hours[0], hours[23])
	}

	now := time.Date(2024, 2, 11, 12, 0, 0, 0, time.UTC)
	if got := day.AgeDays(now); got != 40 {
		t.Fatalf("AgeDays = %d, want 40", got)
	}
	if _, err := ParseArchiveName("tweets-20240102.zip.ready"); err == nil {
		t.Fatal("marker name should not parse as archive")
	}
}

func TestMarkerNames(t *testing.T) {
	if got := MarkerName("tweets-20240102.zip", MarkerUploading); got != "tweets-20240102.zip.uploading" {
		t.Fatalf("MarkerName = %q", got)
	}
	if MarkerAbsent.Suffix() != "" {
		t.Fatal("absent has no marker file")
	}
}
