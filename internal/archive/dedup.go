package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tweetcrawler/tweetcrawler/internal/bloom"
	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
)

// DedupResult summarizes one Deduplicate call.
type DedupResult struct {
	Lines     int
	Unique    int
	Removed   int
	Rewritten bool
}

type idProbe struct {
	ID   json.RawMessage `json:"id"`
	Data struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// lineID returns data.id, or the top-level id, of one record line.
func lineID(line []byte) string {
	var p idProbe
	if err := json.Unmarshal(line, &p); err != nil {
		return ""
	}
	if id := rawID(p.Data.ID); id != "" {
		return id
	}
	return rawID(p.ID)
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		s, err := strconv.Unquote(string(raw))
		if err != nil {
			return ""
		}
		return s
	}
	return string(raw)
}

// Deduplicate removes records with a repeated identifier from one hour file.
// For each identifier only the last-seen line survives and the file is
// rewritten sorted by identifier; lines without an identifier follow in
// their original order. A file without duplicates is left untouched, which
// makes the operation idempotent.
func Deduplicate(path string) (DedupResult, error) {
	var res DedupResult

	// Pass one: a Bloom filter flags identifiers that may repeat.
	info, err := os.Stat(path)
	if err != nil {
		return res, dedupError(path, err)
	}
	filter := bloom.New(int(info.Size()/512)+1000, 0.001)
	candidates := make(map[string]int)
	err = eachLine(path, func(line []byte) {
		res.Lines++
		if id := lineID(line); id != "" && filter.TestAndAdd(id) {
			candidates[id] = 0
		}
	})
	if err != nil {
		return res, dedupError(path, err)
	}
	res.Unique = res.Lines
	if len(candidates) == 0 {
		return res, nil
	}

	// Pass two: exact counts for the candidates only.
	err = eachLine(path, func(line []byte) {
		if id := lineID(line); id != "" {
			if _, ok := candidates[id]; ok {
				candidates[id]++
			}
		}
	})
	if err != nil {
		return res, dedupError(path, err)
	}
	dups := 0
	for _, n := range candidates {
		if n > 1 {
			dups += n - 1
		}
	}
	if dups == 0 {
		return res, nil
	}

	// Pass three: keep the last line per identifier and rewrite.
	latest := make(map[string][]byte)
	var anonymous [][]byte
	err = eachLine(path, func(line []byte) {
		cp := append([]byte(nil), line...)
		if id := lineID(line); id != "" {
			latest[id] = cp
		} else {
			anonymous = append(anonymous, cp)
		}
	})
	if err != nil {
		return res, dedupError(path, err)
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	if err := rewrite(path, ids, latest, anonymous); err != nil {
		return res, dedupError(path, err)
	}
	res.Unique = len(ids) + len(anonymous)
	res.Removed = res.Lines - res.Unique
	res.Rewritten = true
	return res, nil
}

// lessID orders numeric identifiers numerically and places them before
// non-numeric ones, which compare lexically.
func lessID(a, b string) bool {
	na, nb := isDigits(a), isDigits(b)
	switch {
	case na && nb:
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	case na != nb:
		return na
	default:
		return a < b
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// eachLine calls fn for every non-empty line without its newline.
func eachLine(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func rewrite(path string, ids []string, latest map[string][]byte, anonymous [][]byte) error {
	tmp := path + ".dedup"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	write := func(line []byte) {
		if err == nil {
			_, err = w.Write(line)
		}
		if err == nil {
			err = w.WriteByte('\n')
		}
	}
	for _, id := range ids {
		write(latest[id])
	}
	for _, line := range anonymous {
		write(line)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func dedupError(path string, err error) error {
	return crawlerrors.NewArchiveError(crawlerrors.CodeDedupFailed, fmt.Sprintf("deduplicate %s", path), err)
}
