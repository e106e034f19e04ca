package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// RotatingFile is an append-only log file that, once it reaches maxBytes, is
// compressed into <base>-<n><ext>.zip and restarted empty.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64
}

// OpenRotatingFile opens (or creates) path for appending.
func OpenRotatingFile(path string, maxBytes int64) (*RotatingFile, error) {
	rf := &RotatingFile{path: path, maxBytes: maxBytes}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", r.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file %s: %w", r.path, err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

// Path returns the live log file path.
func (r *RotatingFile) Path() string {
	return r.path
}

// Write appends p and rotates once the file reaches its limit.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, err
	}
	if r.maxBytes > 0 && r.size >= r.maxBytes {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: rotate %s: %v\n", r.path, err)
		}
	}
	return n, nil
}

// rotate must be called with mu held.
func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	zipPath, entry := nextZipName(r.path)
	if err := zipFile(r.path, zipPath, entry); err != nil {
		// Keep appending to the oversized file rather than lose lines.
		if oerr := r.open(); oerr != nil {
			return oerr
		}
		return err
	}
	if err := os.Remove(r.path); err != nil {
		// Truncate when the file cannot be unlinked.
		if f, terr := os.Create(r.path); terr == nil {
			f.Close()
		}
	}
	return r.open()
}

// nextZipName returns the first free <base>-<n><ext>.zip and its entry name.
func nextZipName(path string) (string, string) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		entry := fmt.Sprintf("%s-%d%s", base, n, ext)
		if _, err := os.Stat(entry + ".zip"); os.IsNotExist(err) {
			return entry + ".zip", filepath.Base(entry)
		}
	}
}

func zipFile(src, dst, entry string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: entry, Method: zip.Deflate, Modified: time.Now()})
	if err == nil {
		_, err = io.Copy(w, in)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
	}
	return err
}

// Digest moves the live file to <base>.<since>-<until><ext> and reopens an
// empty one. It returns the digest path, or "" when a digest for the same
// range already exists.
func (r *RotatingFile) Digest(since, until time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	digest := DigestName(r.path, since, until)
	if _, err := os.Stat(digest); err == nil {
		return "", nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			return "", err
		}
		r.f = nil
	}
	if err := os.Rename(r.path, digest); err != nil {
		if oerr := r.open(); oerr != nil {
			return "", oerr
		}
		return "", fmt.Errorf("failed to move log to %s: %w", digest, err)
	}
	return digest, r.open()
}

// DigestName returns <base>.<YYYYMMDD>-<YYYYMMDD><ext> next to path.
func DigestName(path string, since, until time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%s-%s%s", base, since.Format("20060102"), until.Format("20060102"), ext)
}

// Close closes the file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
