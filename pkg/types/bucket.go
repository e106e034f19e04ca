// Package types holds the naming and state types shared by ingestion and
// the archive pass: bucket and day keys, marker states and records.
package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	// BucketPrefix is the file name prefix shared by bucket files and day archives.
	BucketPrefix = "tweets-"

	// TempSuffix marks a bucket file that is still open for writes.
	TempSuffix = ".tmp"

	// ArchiveExt is the extension of a day archive.
	ArchiveExt = ".zip"

	dayLayout = "20060102"
)

// BucketKey identifies one hour of records. All fields are UTC.
type BucketKey struct {
	Year  int
	Month time.Month
	Day   int
	Hour  int
}

// KeyFor truncates t to the hour in UTC.
func KeyFor(t time.Time) BucketKey {
	t = t.UTC()
	return BucketKey{Year: t.Year(), Month: t.Month(), Day: t.Day(), Hour: t.Hour()}
}

// Start returns the nominal start of the bucket.
func (k BucketKey) Start() time.Time {
	return time.Date(k.Year, k.Month, k.Day, k.Hour, 0, 0, 0, time.UTC)
}

// DayKey returns the calendar day the bucket belongs to.
func (k BucketKey) DayKey() DayKey {
	return DayKey{Year: k.Year, Month: k.Month, Day: k.Day}
}

// FileName returns the closed file name, e.g. tweets-20240101-00.
func (k BucketKey) FileName() string {
	return fmt.Sprintf("%s%04d%02d%02d-%02d", BucketPrefix, k.Year, int(k.Month), k.Day, k.Hour)
}

// TempName returns the name used while the bucket is open.
func (k BucketKey) TempName() string {
	return k.FileName() + TempSuffix
}

// StaleAt reports whether the bucket is at least threshold past its start at now.
func (k BucketKey) StaleAt(now time.Time, threshold time.Duration) bool {
	return now.Sub(k.Start()) >= threshold
}

func (k BucketKey) String() string {
	return k.FileName()
}

// ParseBucketName parses a bucket file name, with or without the temp suffix.
func ParseBucketName(name string) (BucketKey, bool, error) {
	temp := strings.HasSuffix(name, TempSuffix)
	base := strings.TrimSuffix(name, TempSuffix)
	if !strings.HasPrefix(base, BucketPrefix) {
		return BucketKey{}, false, fmt.Errorf("not a bucket file: %q", name)
	}
	rest := strings.TrimPrefix(base, BucketPrefix)
	// YYYYMMDD-HH
	if len(rest) != 11 || rest[8] != '-' {
		return BucketKey{}, false, fmt.Errorf("not a bucket file: %q", name)
	}
	t, err := time.ParseInLocation(dayLayout+"-15", rest, time.UTC)
	if err != nil {
		return BucketKey{}, false, fmt.Errorf("not a bucket file: %q: %w", name, err)
	}
	return KeyFor(t), temp, nil
}

// DayKey identifies one calendar day (UTC) and its archive.
type DayKey struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the UTC calendar day of t.
func DayOf(t time.Time) DayKey {
	return KeyFor(t).DayKey()
}

// ParseDayKey parses YYYYMMDD.
func ParseDayKey(s string) (DayKey, error) {
	t, err := time.ParseInLocation(dayLayout, s, time.UTC)
	if err != nil {
		return DayKey{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Start returns midnight UTC of the day.
func (d DayKey) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Compact returns YYYYMMDD.
func (d DayKey) Compact() string {
	return d.Start().Format(dayLayout)
}

// ArchiveName returns tweets-YYYYMMDD.zip.
func (d DayKey) ArchiveName() string {
	return BucketPrefix + d.Compact() + ArchiveExt
}

// Hours returns the 24 bucket keys of the day in ascending order.
func (d DayKey) Hours() [24]BucketKey {
	var hours [24]BucketKey
	for h := range hours {
		hours[h] = BucketKey{Year: d.Year, Month: d.Month, Day: d.Day, Hour: h}
	}
	return hours
}

// Before reports whether d is an earlier day than o.
func (d DayKey) Before(o DayKey) bool {
	return d.Start().Before(o.Start())
}

// AgeDays returns the number of whole days elapsed between the start of d and now.
func (d DayKey) AgeDays(now time.Time) int {
	return int(now.Sub(d.Start()) / (24 * time.Hour))
}

func (d DayKey) String() string {
	return d.Compact()
}

// ParseArchiveName parses tweets-YYYYMMDD.zip.
func ParseArchiveName(name string) (DayKey, error) {
	if !strings.HasPrefix(name, BucketPrefix) || !strings.HasSuffix(name, ArchiveExt) {
		return DayKey{}, fmt.Errorf("not an archive: %q", name)
	}
	return ParseDayKey(strings.TrimSuffix(strings.TrimPrefix(name, BucketPrefix), ArchiveExt))
}
