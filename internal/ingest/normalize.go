package ingest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

var (
	// ErrNotRecord is returned for payloads that are not records: stream
	// metadata frames, keep-alives, error envelopes.
	ErrNotRecord = crawlerrors.NewValidationError(crawlerrors.CodeMetadataFrame, "payload is not a record")

	// ErrMalformed is returned for payloads that cannot be decoded.
	ErrMalformed = crawlerrors.NewValidationError(crawlerrors.CodeMalformedRecord, "payload is not a JSON object")
)

// Normalize validates raw and returns its canonical line: empty values
// trimmed, matching_rules dropped, keys sorted, no insignificant whitespace,
// trailing newline. Numbers are preserved verbatim.
func Normalize(raw []byte) (types.Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.Record{}, ErrNotRecord
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return types.Record{}, ErrMalformed
	}

	data, ok := doc["data"].(map[string]interface{})
	if !ok {
		return types.Record{}, ErrNotRecord
	}
	if _, ok := data["text"]; !ok {
		return types.Record{}, crawlerrors.NewValidationError(crawlerrors.CodeMissingField, "record has no data.text")
	}

	delete(doc, "matching_rules")
	if _, empty := trim(doc); empty {
		return types.Record{}, crawlerrors.NewValidationError(crawlerrors.CodeMissingField, "record is empty after trimming")
	}

	createdAt, err := parseCreatedAt(doc)
	if err != nil {
		return types.Record{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return types.Record{}, crawlerrors.NewInternalError("encode record", err)
	}

	return types.Record{Line: buf.Bytes(), CreatedAt: createdAt, ID: RecordID(doc)}, nil
}

func parseCreatedAt(doc map[string]interface{}) (time.Time, error) {
	data, _ := doc["data"].(map[string]interface{})
	s, ok := data["created_at"].(string)
	if !ok {
		return time.Time{}, crawlerrors.NewValidationError(crawlerrors.CodeMissingField, "record has no data.created_at")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, crawlerrors.NewValidationError(crawlerrors.CodeMalformedRecord,
			fmt.Sprintf("unparsable data.created_at %q", s))
	}
	return t.UTC(), nil
}

// RecordID returns data.id, falling back to a top-level id.
func RecordID(doc map[string]interface{}) string {
	if data, ok := doc["data"].(map[string]interface{}); ok {
		if id := idString(data["id"]); id != "" {
			return id
		}
	}
	return idString(doc["id"])
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// trim removes null, empty strings, empty objects and empty arrays
// recursively. It returns the trimmed value and whether it ended up empty.
func trim(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case string:
		return x, x == ""
	case map[string]interface{}:
		for k, child := range x {
			if trimmed, empty := trim(child); empty {
				delete(x, k)
			} else {
				x[k] = trimmed
			}
		}
		return x, len(x) == 0
	case []interface{}:
		kept := x[:0]
		for _, child := range x {
			if trimmed, empty := trim(child); !empty {
				kept = append(kept, trimmed)
			}
		}
		return kept, len(kept) == 0
	default:
		return x, false
	}
}
