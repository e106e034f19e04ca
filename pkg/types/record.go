package types

import "time"

// Record is a normalized stream record ready to be appended to its bucket.
type Record struct {
	// Line is the serialized record including the trailing newline.
	Line []byte

	// CreatedAt is the record's embedded creation time in UTC.
	CreatedAt time.Time

	// ID is the record identifier, empty when the payload carries none.
	ID string
}

// Key returns the bucket the record belongs to.
func (r Record) Key() BucketKey {
	return KeyFor(r.CreatedAt)
}
