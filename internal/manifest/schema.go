// Package manifest keeps a catalog of day archives and the archive pass
// events that touched them. The catalog is informational: marker files stay
// the source of truth for the upload lifecycle.
package manifest

// CreateArchivesTableSQL creates one row per day archive.
const CreateArchivesTableSQL = `
CREATE TABLE IF NOT EXISTS archives (
    name TEXT PRIMARY KEY,
    day TEXT NOT NULL,
    state TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    entries INTEGER NOT NULL DEFAULT 0,
    duplicates_removed INTEGER NOT NULL DEFAULT 0,
    object_path TEXT,
    built_at INTEGER,
    uploaded_at INTEGER,
    swept_at INTEGER
)`

// CreateEventsTableSQL creates the append-only event history.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS archive_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    archive TEXT NOT NULL,
    event TEXT NOT NULL,
    pass_id TEXT,
    at INTEGER NOT NULL,
    detail TEXT
)`

// CreateIndexesSQL creates the lookup indexes.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_archives_day ON archives(day)`,
	`CREATE INDEX IF NOT EXISTS idx_events_archive ON archive_events(archive, at)`,
}
