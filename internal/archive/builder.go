// Package archive packs complete days of hour files into deflated zip
// archives and hands them to the upload lifecycle.
package archive

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/bucket"
	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
	"github.com/tweetcrawler/tweetcrawler/internal/marker"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// Options configures a Builder.
type Options struct {
	// Dir is the working directory holding hour files and archives.
	Dir string

	// StaleAfter is forwarded to bucket.FinishStale.
	StaleAfter time.Duration

	// Deduplicate runs Deduplicate on every hour file before packing.
	Deduplicate bool

	Markers  marker.Store
	Recorder manifest.Recorder
}

// BuildResult summarizes one BuildArchives call.
type BuildResult struct {
	Finalized         []bucket.Finalized
	Built             []string
	Incomplete        []types.DayKey
	Pending           []types.DayKey
	AlreadyArchived   []types.DayKey
	DuplicatesRemoved int
}

// Builder produces day archives.
type Builder struct {
	opts Options
	log  zerolog.Logger
}

// NewBuilder creates a builder. A nil Recorder records nothing.
func NewBuilder(opts Options) *Builder {
	if opts.Recorder == nil {
		opts.Recorder = manifest.Nop{}
	}
	if opts.Markers == nil {
		opts.Markers = marker.NewDirStore(opts.Dir)
	}
	return &Builder{opts: opts, log: logging.Component("archive")}
}

// dayFiles is the on-disk state of one day's hour files.
type dayFiles struct {
	hours [24]bool
	temps int
}

func (d *dayFiles) complete() bool {
	for _, ok := range d.hours {
		if !ok {
			return false
		}
	}
	return true
}

// BuildArchives finalizes stale temp files, then archives every day whose
// 24 hour files are all closed. Days are handled oldest first. A failure on
// one day is logged and does not stop the others; the first such error is
// returned alongside the result.
func (b *Builder) BuildArchives(ctx context.Context, now time.Time) (*BuildResult, error) {
	res := &BuildResult{}

	finalized, err := bucket.FinishStale(b.opts.Dir, now, b.opts.StaleAfter)
	if err != nil {
		return res, crawlerrors.NewArchiveError(crawlerrors.CodeBuildFailed, "reconcile temp files", err)
	}
	res.Finalized = finalized

	days, err := b.scan()
	if err != nil {
		return res, crawlerrors.NewArchiveError(crawlerrors.CodeBuildFailed, "scan working directory", err)
	}

	keys := make([]types.DayKey, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var firstErr error
	for _, day := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := b.buildDay(ctx, now, day, days[day], res); err != nil {
			b.log.Error().Err(err).Str("day", day.Compact()).Msg("failed to archive day")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return res, firstErr
}

func (b *Builder) scan() (map[types.DayKey]*dayFiles, error) {
	entries, err := os.ReadDir(b.opts.Dir)
	if err != nil {
		return nil, err
	}
	days := make(map[types.DayKey]*dayFiles)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, temp, err := types.ParseBucketName(e.Name())
		if err != nil {
			continue
		}
		d, ok := days[key.DayKey()]
		if !ok {
			d = &dayFiles{}
			days[key.DayKey()] = d
		}
		if temp {
			d.temps++
		} else {
			d.hours[key.Hour] = true
		}
	}
	return days, nil
}

func (b *Builder) buildDay(ctx context.Context, now time.Time, day types.DayKey, files *dayFiles, res *BuildResult) error {
	name := day.ArchiveName()
	log := b.log.With().Str("day", day.Compact()).Logger()

	entry, err := b.opts.Markers.Get(name)
	if err != nil {
		return err
	}
	if entry.State() != types.MarkerAbsent {
		res.AlreadyArchived = append(res.AlreadyArchived, day)
		log.Warn().Str("state", entry.State().String()).Msg("hour files found for an archived day")
		b.removeArchivedSources(day, files, entry.HasArchive)
		return nil
	}

	if files.temps > 0 {
		res.Pending = append(res.Pending, day)
		log.Debug().Int("temp_files", files.temps).Msg("day still has open hours")
		return nil
	}
	if !files.complete() {
		res.Incomplete = append(res.Incomplete, day)
		metrics.IncompleteDays.Inc()
		log.Info().Msg("day not completed; skipping")
		return nil
	}

	sources := make([]string, 0, 24)
	for _, key := range day.Hours() {
		sources = append(sources, filepath.Join(b.opts.Dir, key.FileName()))
	}

	dups := 0
	if b.opts.Deduplicate {
		for _, src := range sources {
			dr, err := Deduplicate(src)
			if err != nil {
				return err
			}
			dups += dr.Removed
		}
		if dups > 0 {
			metrics.DuplicatesRemoved.Add(float64(dups))
			log.Info().Int("removed", dups).Msg("removed duplicate records")
		}
	}

	archivePath := b.opts.Markers.Path(name)
	size, err := writeArchive(archivePath, sources)
	if err != nil {
		return crawlerrors.NewArchiveError(crawlerrors.CodeBuildFailed, "write "+name, err)
	}
	if err := b.opts.Markers.Transition(name, types.MarkerAbsent, types.MarkerReady); err != nil {
		return crawlerrors.NewArchiveError(crawlerrors.CodeBuildFailed, "mark "+name+" ready", err)
	}

	for _, src := range sources {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", filepath.Base(src)).Msg("failed to remove archived hour file")
		}
	}

	res.Built = append(res.Built, name)
	res.DuplicatesRemoved += dups
	metrics.ArchivesBuilt.Inc()
	log.Info().Str("archive", name).Int64("size", size).Msg("built day archive")

	if err := b.opts.Recorder.RecordBuilt(ctx, manifest.BuildRecord{
		Archive:           name,
		Day:               day.Compact(),
		SizeBytes:         size,
		Entries:           len(sources),
		DuplicatesRemoved: dups,
		BuiltAt:           now,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record archive in manifest")
	}
	return nil
}

// removeArchivedSources deletes leftover hour files of an archived day, but
// only those whose size and CRC-32 match the entry of the same name in the
// zip. Anything else may hold records the archive lacks and is kept.
func (b *Builder) removeArchivedSources(day types.DayKey, files *dayFiles, hasArchive bool) {
	var packed map[string]entrySum
	if hasArchive {
		var err error
		if packed, err = archiveSums(b.opts.Markers.Path(day.ArchiveName())); err != nil {
			b.log.Warn().Err(err).Str("day", day.Compact()).Msg("cannot read archive; keeping leftover hour files")
			return
		}
	}
	for _, key := range day.Hours() {
		if !files.hours[key.Hour] {
			continue
		}
		name := key.FileName()
		path := filepath.Join(b.opts.Dir, name)
		want, ok := packed[name]
		if !ok {
			b.log.Warn().Str("file", name).Msg("hour file is not in the archive; keeping it")
			continue
		}
		got, err := fileSum(path)
		if err != nil {
			b.log.Warn().Err(err).Str("file", name).Msg("failed to checksum leftover hour file")
			continue
		}
		if got != want {
			b.log.Warn().Str("file", name).Uint64("size", got.size).Uint64("archived_size", want.size).
				Msg("hour file differs from its archived copy; keeping it")
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.log.Warn().Err(err).Str("file", name).Msg("failed to remove leftover hour file")
		}
	}
}

type entrySum struct {
	size uint64
	crc  uint32
}

func archiveSums(path string) (map[string]entrySum, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	sums := make(map[string]entrySum, len(zr.File))
	for _, f := range zr.File {
		sums[f.Name] = entrySum{size: f.UncompressedSize64, crc: f.CRC32}
	}
	return sums, nil
}

func fileSum(path string) (entrySum, error) {
	f, err := os.Open(path)
	if err != nil {
		return entrySum{}, err
	}
	defer f.Close()
	h := crc32.NewIEEE()
	n, err := io.Copy(h, f)
	if err != nil {
		return entrySum{}, err
	}
	return entrySum{size: uint64(n), crc: h.Sum32()}, nil
}

// writeArchive packs sources, in order, into a deflate zip at dst. Entries
// are named by base name. The zip is written next to dst and renamed into
// place only once it is complete and synced. It returns the archive size.
func writeArchive(dst string, sources []string) (int64, error) {
	tmp := dst + types.TempSuffix
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	for _, src := range sources {
		if err = addEntry(zw, src); err != nil {
			break
		}
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Chmod(dst, 0644); err != nil {
		return 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addEntry(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(src),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to pack %s: %w", filepath.Base(src), err)
	}
	return nil
}
