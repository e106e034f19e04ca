package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Archive events.
const (
	EventBuilt    = "built"
	EventUploaded = "uploaded"
	EventSwept    = "swept"
)

// Recorder receives archive lifecycle events.
type Recorder interface {
	RecordBuilt(ctx context.Context, rec BuildRecord) error
	RecordUploaded(ctx context.Context, archive, objectPath string, at time.Time) error
	RecordSwept(ctx context.Context, archive string, at time.Time) error
}

// BuildRecord describes a freshly built archive.
type BuildRecord struct {
	Archive           string
	Day               string
	SizeBytes         int64
	Entries           int
	DuplicatesRemoved int
	BuiltAt           time.Time
}

// ArchiveRecord is a catalog row.
type ArchiveRecord struct {
	Name              string
	Day               string
	State             string
	SizeBytes         int64
	Entries           int
	DuplicatesRemoved int
	ObjectPath        string
	BuiltAt           *time.Time
	UploadedAt        *time.Time
	SweptAt           *time.Time
}

type passIDKey struct{}

// WithPassID tags ctx with the archive pass ID recorded alongside events.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey{}, id)
}

// PassID returns the pass ID carried by ctx, or "".
func PassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey{}).(string)
	return id
}

// SQLiteCatalog implements Recorder on a SQLite database.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewCatalog opens (or creates) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	stmts := append([]string{CreateArchivesTableSQL, CreateEventsTableSQL}, CreateIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("manifest: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// RecordBuilt implements Recorder. Rebuilding a swept day resets the row.
func (c *SQLiteCatalog) RecordBuilt(ctx context.Context, rec BuildRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO archives (name, day, state, size_bytes, entries, duplicates_removed, built_at)
			VALUES (?, ?, 'ready', ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				state = 'ready', size_bytes = excluded.size_bytes, entries = excluded.entries,
				duplicates_removed = excluded.duplicates_removed, built_at = excluded.built_at,
				object_path = NULL, uploaded_at = NULL, swept_at = NULL`,
			rec.Archive, rec.Day, rec.SizeBytes, rec.Entries, rec.DuplicatesRemoved, rec.BuiltAt.Unix())
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("entries=%d size=%d dups=%d", rec.Entries, rec.SizeBytes, rec.DuplicatesRemoved)
		return insertEvent(ctx, tx, rec.Archive, EventBuilt, rec.BuiltAt, detail)
	})
}

// RecordUploaded implements Recorder.
func (c *SQLiteCatalog) RecordUploaded(ctx context.Context, archive, objectPath string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertState(ctx, tx, archive, "uploaded"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE archives SET object_path = ?, uploaded_at = ? WHERE name = ?`,
			objectPath, at.Unix(), archive); err != nil {
			return err
		}
		return insertEvent(ctx, tx, archive, EventUploaded, at, objectPath)
	})
}

// RecordSwept implements Recorder.
func (c *SQLiteCatalog) RecordSwept(ctx context.Context, archive string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertState(ctx, tx, archive, "swept"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE archives SET swept_at = ? WHERE name = ?`, at.Unix(), archive); err != nil {
			return err
		}
		return insertEvent(ctx, tx, archive, EventSwept, at, "")
	})
}

// upsertState creates the row when the archive predates the catalog.
func upsertState(ctx context.Context, tx *sql.Tx, archive, state string) error {
	day := archive
	if len(archive) >= len("tweets-20060102") {
		day = archive[len("tweets-"):len("tweets-20060102")]
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO archives (name, day, state) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state`,
		archive, day, state)
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, archive, event string, at time.Time, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO archive_events (archive, event, pass_id, at, detail) VALUES (?, ?, ?, ?, ?)`,
		archive, event, PassID(ctx), at.Unix(), detail)
	return err
}

func (c *SQLiteCatalog) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("manifest: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit: %w", err)
	}
	return nil
}

// ListArchives returns every catalogued archive, newest day first.
func (c *SQLiteCatalog) ListArchives(ctx context.Context) ([]ArchiveRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, day, state, size_bytes, entries, duplicates_removed,
		       object_path, built_at, uploaded_at, swept_at
		FROM archives ORDER BY day DESC`)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list archives: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		var (
			rec                        ArchiveRecord
			objectPath                 sql.NullString
			builtAt, uploadedAt, swept sql.NullInt64
		)
		if err := rows.Scan(&rec.Name, &rec.Day, &rec.State, &rec.SizeBytes, &rec.Entries,
			&rec.DuplicatesRemoved, &objectPath, &builtAt, &uploadedAt, &swept); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan archive: %w", err)
		}
		rec.ObjectPath = objectPath.String
		rec.BuiltAt = unixPtr(builtAt)
		rec.UploadedAt = unixPtr(uploadedAt)
		rec.SweptAt = unixPtr(swept)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountEvents returns how many events of a kind were recorded for archive.
func (c *SQLiteCatalog) CountEvents(ctx context.Context, archive, event string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archive_events WHERE archive = ? AND event = ?`, archive, event).Scan(&n)
	return n, err
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordBuilt(context.Context, BuildRecord) error { return nil }
func (Nop) RecordUploaded(context.Context, string, string, time.Time) error { return nil }
func (Nop) RecordSwept(context.Context, string, time.Time) error { return nil }
