package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// SpillPrefix names late-record spill files: late-tweets-YYYYMMDD.sz.
const SpillPrefix = "late-"

// Spill keeps records that arrived after their bucket was finalized in a
// per-day, snappy-framed side file outside the archive flow.
type Spill struct {
	dir string

	mu    sync.Mutex
	files map[types.DayKey]*spillFile
}

type spillFile struct {
	f *os.File
	w *snappy.Writer
}

// NewSpill creates a spill writer rooted at dir.
func NewSpill(dir string) *Spill {
	return &Spill{dir: dir, files: make(map[types.DayKey]*spillFile)}
}

// SpillPath returns the spill file for day under dir.
func SpillPath(dir string, day types.DayKey) string {
	return filepath.Join(dir, fmt.Sprintf("%stweets-%s.sz", SpillPrefix, day.Compact()))
}

// Write appends one record line to the spill file of its day.
func (s *Spill) Write(rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := rec.Key().DayKey()
	sf, ok := s.files[day]
	if !ok {
		f, err := os.OpenFile(SpillPath(s.dir, day), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("failed to open spill file: %w", err)
		}
		// Each open starts a new framed stream; readers accept concatenated streams.
		sf = &spillFile{f: f, w: snappy.NewBufferedWriter(f)}
		s.files[day] = sf
	}
	if _, err := sf.w.Write(rec.Line); err != nil {
		return fmt.Errorf("failed to write spill record: %w", err)
	}
	return sf.w.Flush()
}

// Close flushes and closes every spill file.
func (s *Spill) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for day, sf := range s.files {
		if err := sf.w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, day)
	}
	return firstErr
}

// ReadSpill returns the lines stored in a spill file.
func ReadSpill(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	r := bufio.NewReader(snappy.NewReader(f))
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lines = append(lines, line)
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}
