package cache

import (
	"fmt"

	"github.com/flanksource/commons/logger"
)

// schemaVersion is the version the store migrates to on open.
const schemaVersion = 1

// migration is a single versioned schema step. Each step runs inside its own
// transaction; a failed step rolls back and leaves the prior schema intact.
type migration struct {
	Version int
	Name    string
	Up      func(tx *Tx) error
}

func allMigrations() []migration {
	return []migration{
		{
			Version: 1,
			Name:    "initial_schema",
			Up:      migrateInitialSchema,
		},
	}
}

// initSchema brings the database to the current schema version. The
// schema_version table is created on first contact with version 0.
func initSchema(db *DB) error {
	version, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}

	if version >= schemaVersion {
		return nil
	}

	for _, m := range allMigrations() {
		if m.Version <= version {
			continue
		}

		logger.Debugf("migrating scan cache schema to version %d (%s)", m.Version, m.Name)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		if _, err := tx.Exec("UPDATE schema_version SET version = ?", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// currentSchemaVersion reads the stored version, creating the tracking table
// at version 0 when the store is fresh.
func currentSchemaVersion(db *DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == nil {
		return version, nil
	}

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (0)"); err != nil {
		return 0, fmt.Errorf("failed to seed schema_version table: %w", err)
	}

	return 0, nil
}

func migrateInitialSchema(tx *Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_records (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mtime_secs INTEGER NOT NULL,
		mtime_nsecs INTEGER NOT NULL,
		content_hash TEXT,
		category TEXT NOT NULL,
		last_scan_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scan_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		scan_type TEXT NOT NULL,
		categories TEXT NOT NULL,
		total_files INTEGER,
		new_files INTEGER,
		changed_files INTEGER,
		removed_files INTEGER
	);
	`

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_file_records_category ON file_records(category);
	CREATE INDEX IF NOT EXISTS idx_file_records_scan_id ON file_records(last_scan_id);
	CREATE INDEX IF NOT EXISTS idx_file_records_size ON file_records(size);
	`

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := tx.Exec(indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
