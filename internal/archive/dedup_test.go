package archive

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func writeFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tweets-20240102-00")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestDeduplicateKeepsLastAndSorts(t *testing.T) {
	path := writeFile(t,
		`{"data":{"id":"30","text":"a"}}`,
		`{"data":{"id":"4","text":"b"}}`,
		`{"meta":"no id"}`,
		`{"data":{"id":"30","text":"c"}}`,
		`{"id":7,"text":"top-level"}`,
	)

	res, err := Deduplicate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rewritten || res.Lines != 5 || res.Unique != 4 || res.Removed != 1 {
		t.Fatalf("result %+v", res)
	}
	want := []string{
		`{"data":{"id":"4","text":"b"}}`,
		`{"id":7,"text":"top-level"}`,
		`{"data":{"id":"30","text":"c"}}`,
		`{"meta":"no id"}`,
	}
	if got := readFile(t, path); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestDeduplicateLeavesCleanFileUntouched(t *testing.T) {
	lines := []string{
		`{"data":{"id":"9","text":"x"}}`,
		`{"data":{"id":"1","text":"y"}}`,
	}
	path := writeFile(t, lines...)

	res, err := Deduplicate(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rewritten || res.Removed != 0 {
		t.Fatalf("result %+v", res)
	}
	if got := readFile(t, path); !reflect.DeepEqual(got, lines) {
		t.Fatalf("file changed: %q", got)
	}
}

func TestLessID(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"9", "10", true},
		{"10", "9", false},
		{"007", "8", true},
		{"123", "abc", true},
		{"abc", "123", false},
		{"abc", "abd", true},
	}
	for _, c := range cases {
		if got := lessID(c.a, c.b); got != c.want {
			t.Errorf("lessID(%q, %q) = %v", c.a, c.b, got)
		}
	}
}

// For any sequence of ids, deduplication leaves exactly one line per id and
// a second run changes nothing.
func TestProperty_DeduplicateIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one line per id, second pass is a no-op", prop.ForAll(
		func(ids []int) bool {
			if len(ids) == 0 {
				return true
			}
			lines := make([]string, len(ids))
			distinct := make(map[int]bool)
			for i, id := range ids {
				lines[i] = `{"data":{"id":"` + strconv.Itoa(id) + `","text":"t` + strconv.Itoa(i) + `"}}`
				distinct[id] = true
			}
			path := filepath.Join(t.TempDir(), "hour")
			if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
				return false
			}

			first, err := Deduplicate(path)
			if err != nil || first.Unique != len(distinct) {
				return false
			}
			after, _ := os.ReadFile(path)

			second, err := Deduplicate(path)
			if err != nil || second.Rewritten {
				return false
			}
			again, _ := os.ReadFile(path)
			return string(after) == string(again)
		},
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
