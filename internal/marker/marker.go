// Package marker stores the upload state of day archives as zero-byte
// sibling files: tweets-YYYYMMDD.zip.ready, .uploading and .uploaded.
//
// Marker presence is the only source of truth. Every state change is a
// single create, rename or unlink, so a rename doubles as the cross-process
// claim on an archive: of two processes renaming the same ready marker,
// exactly one succeeds.
package marker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// ErrIllegalTransition is returned for transitions outside the lifecycle
// table, or when the archive is not in the expected state.
var ErrIllegalTransition = crawlerrors.NewUploadError(crawlerrors.CodeIllegalTransition, "illegal marker transition", nil)

// Entry is the on-disk view of one archive.
type Entry struct {
	Archive    string
	Day        types.DayKey
	HasArchive bool

	// Markers lists the marker files present, least advanced first.
	Markers []types.MarkerState
}

// State returns the most advanced marker present, or MarkerAbsent.
// Normally at most one marker exists; after a crash the furthest one wins.
func (e Entry) State() types.MarkerState {
	if len(e.Markers) == 0 {
		return types.MarkerAbsent
	}
	return e.Markers[len(e.Markers)-1]
}

// Orphaned reports whether markers exist without their archive.
func (e Entry) Orphaned() bool {
	return !e.HasArchive && len(e.Markers) > 0
}

// Store abstracts marker and archive files so the upload lifecycle can be
// driven without a real directory.
type Store interface {
	// List returns every archive that has a zip or a marker, oldest day first.
	List() ([]Entry, error)

	// Get returns the entry for one archive.
	Get(archive string) (Entry, error)

	// Transition moves archive from one state to another. Legality is
	// checked before anything on disk is touched.
	Transition(archive string, from, to types.MarkerState) error

	// RemoveArchive deletes the archive file itself.
	RemoveArchive(archive string) error

	// RemoveOrphan deletes every marker of an archive whose zip is missing.
	RemoveOrphan(archive string) error

	// Path returns the local path of the archive file.
	Path(archive string) string
}

// DirStore is the filesystem Store rooted at the working directory.
type DirStore struct {
	dir string
}

// NewDirStore creates a store over dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Path implements Store.
func (s *DirStore) Path(archive string) string {
	return filepath.Join(s.dir, archive)
}

func (s *DirStore) markerPath(archive string, state types.MarkerState) string {
	return filepath.Join(s.dir, types.MarkerName(archive, state))
}

// List implements Store.
func (s *DirStore) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	entries := make(map[string]*Entry)
	get := func(archive string) *Entry {
		e, ok := entries[archive]
		if !ok {
			e = &Entry{Archive: archive}
			entries[archive] = e
		}
		return e
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		if day, err := types.ParseArchiveName(name); err == nil {
			e := get(name)
			e.Day = day
			e.HasArchive = true
			continue
		}
		for _, state := range types.MarkerStates {
			archive, ok := strings.CutSuffix(name, state.Suffix())
			if !ok {
				continue
			}
			day, err := types.ParseArchiveName(archive)
			if err != nil {
				continue
			}
			e := get(archive)
			e.Day = day
			e.Markers = append(e.Markers, state)
		}
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		sort.Slice(e.Markers, func(i, j int) bool { return e.Markers[i] < e.Markers[j] })
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Archive < out[j].Archive })
	return out, nil
}

// Get implements Store.
func (s *DirStore) Get(archive string) (Entry, error) {
	day, err := types.ParseArchiveName(archive)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Archive: archive, Day: day}

	if _, err := os.Stat(s.Path(archive)); err == nil {
		e.HasArchive = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return Entry{}, err
	}
	for _, state := range types.MarkerStates {
		if _, err := os.Stat(s.markerPath(archive, state)); err == nil {
			e.Markers = append(e.Markers, state)
		} else if !errors.Is(err, os.ErrNotExist) {
			return Entry{}, err
		}
	}
	return e, nil
}

// Transition implements Store.
func (s *DirStore) Transition(archive string, from, to types.MarkerState) error {
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%s: %s -> %s: %w", archive, from, to, ErrIllegalTransition)
	}
	e, err := s.Get(archive)
	if err != nil {
		return err
	}
	if cur := e.State(); cur != from {
		return fmt.Errorf("%s: in state %s, not %s: %w", archive, cur, from, ErrIllegalTransition)
	}

	switch {
	case from == types.MarkerAbsent:
		f, err := os.OpenFile(s.markerPath(archive, to), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("failed to create %s marker: %w", to, err)
		}
		return f.Close()
	case to == types.MarkerAbsent:
		if err := os.Remove(s.markerPath(archive, from)); err != nil {
			return fmt.Errorf("failed to remove %s marker: %w", from, err)
		}
		return nil
	default:
		if err := os.Rename(s.markerPath(archive, from), s.markerPath(archive, to)); err != nil {
			return fmt.Errorf("failed to move marker %s -> %s: %w", from, to, err)
		}
		return nil
	}
}

// RemoveArchive implements Store.
func (s *DirStore) RemoveArchive(archive string) error {
	if err := os.Remove(s.Path(archive)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveOrphan implements Store.
func (s *DirStore) RemoveOrphan(archive string) error {
	e, err := s.Get(archive)
	if err != nil {
		return err
	}
	if e.HasArchive {
		return fmt.Errorf("%s: archive present, markers are not orphaned: %w", archive, ErrIllegalTransition)
	}
	for _, state := range e.Markers {
		if err := os.Remove(s.markerPath(archive, state)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
